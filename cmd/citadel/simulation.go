package main

import (
	"fmt"
	"time"

	"github.com/argus-labs/citadel/pkg/engine"
	"github.com/argus-labs/citadel/pkg/engine/ecs"
	"github.com/argus-labs/citadel/pkg/engine/pipeline"
	"github.com/argus-labs/citadel/pkg/engine/plugin"
	"github.com/rotisserie/eris"
)

type Position struct {
	X, Y float64
}

type Velocity struct {
	X, Y float64
}

// Lifetime counts down the frames an entity has left.
type Lifetime struct {
	Frames int
}

type Health struct {
	Current, Max int
}

var (
	positionDef = ecs.NewComponentDef[Position]("position")
	velocityDef = ecs.NewComponentDef[Velocity]("velocity")
	lifetimeDef = ecs.NewComponentDef[Lifetime]("lifetime")
	healthDef   = ecs.NewComponentDef[Health]("health")
)

var builtinOrder = []string{"movement", "mending", "lifetime"}

// setupSimulation registers the built-in components, systems, and content, then spawns count
// wanderers.
func setupSimulation(e *engine.Engine, count int) error {
	w := e.World()
	position := ecs.MustRegister(w, positionDef)
	velocity := ecs.MustRegister(w, velocityDef)
	ecs.MustRegister(w, lifetimeDef)
	health := ecs.MustRegister(w, healthDef)

	if err := e.Archetypes().Register(ecs.NewArchetype("wanderer",
		positionDef, velocityDef, lifetimeDef, healthDef)); err != nil {
		return err
	}

	plugins := e.Plugins()
	if err := plugins.RegisterEntityType(plugin.EntityType{
		ID:          "wanderer",
		ArchetypeID: "wanderer",
		Defaults: map[string]any{
			"position": Position{},
			"velocity": Velocity{X: 1},
			"lifetime": Lifetime{Frames: 600},
			"health":   Health{Current: 50, Max: 100},
		},
	}); err != nil {
		return err
	}

	if err := plugins.RegisterAbility(plugin.Ability{
		ID:       "mend",
		Cooldown: time.Second,
		Activate: func(ctx plugin.ActivationContext) error {
			hp, err := health.GetRequired(ctx.Target)
			if err != nil {
				return err
			}
			amount, _ := ctx.Params["amount"].(int)
			hp.Current = min(hp.Max, hp.Current+amount)
			health.Set(ctx.Target, hp)
			return nil
		},
	}); err != nil {
		return err
	}

	systems := []plugin.SystemPlugin{
		{ID: "movement", New: func(w *ecs.World) pipeline.System {
			return pipeline.NewSystem("movement", func(delta time.Duration) error {
				dt := delta.Seconds()
				for _, id := range w.Query(position, velocity) {
					p, _ := position.Get(id)
					v, _ := velocity.Get(id)
					position.Set(id, Position{X: p.X + v.X*dt, Y: p.Y + v.Y*dt})
				}
				return nil
			})
		}},
		{ID: "mending", New: func(w *ecs.World) pipeline.System {
			return pipeline.NewSystem("mending", func(time.Duration) error {
				for _, id := range w.Query(health) {
					if hp, _ := health.Get(id); hp.Current >= hp.Max {
						continue
					}
					err := plugins.Activate("mend", plugin.ActivationContext{
						World:  w,
						Source: id,
						Target: id,
						Params: map[string]any{"amount": 1},
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
		}},
		{ID: "lifetime", New: newLifetimeSystem},
	}
	for _, sp := range systems {
		if err := plugins.RegisterSystemPlugin(sp); err != nil {
			return err
		}
		sys, err := plugins.Instantiate(sp.ID, w)
		if err != nil {
			return err
		}
		if err := e.Pipeline().Register(sys); err != nil {
			return err
		}
	}

	for i := range count {
		id := ecs.EntityID(fmt.Sprintf("wanderer-%d", i))
		overrides := map[string]any{
			"velocity": Velocity{X: float64(i%3) - 1, Y: float64(i%5) - 2},
			"lifetime": Lifetime{Frames: 60 * (i + 1)},
		}
		if err := plugins.Spawn(w, e.Archetypes(), "wanderer", id, overrides); err != nil {
			return eris.Wrapf(err, "failed to spawn %s", id)
		}
	}
	return nil
}

// lifetimeSystem marks entities dead when their lifetime runs out. The engine flushes them at the
// end of the frame.
type lifetimeSystem struct {
	pipeline.Base
	world    *ecs.World
	lifetime *ecs.Store[Lifetime]
}

func newLifetimeSystem(w *ecs.World) pipeline.System {
	return &lifetimeSystem{
		Base:     pipeline.NewBase("lifetime"),
		world:    w,
		lifetime: ecs.MustStoreOf(w, lifetimeDef),
	}
}

func (s *lifetimeSystem) Tick(time.Duration) error {
	for _, entry := range s.lifetime.Entries() {
		remaining := entry.Value.Frames - 1
		s.lifetime.Set(entry.ID, Lifetime{Frames: remaining})
		if remaining <= 0 {
			s.world.MarkDead(entry.ID)
		}
	}
	return nil
}
