// Package engine is the composition root: it owns one World and every registry, and drives them
// frame by frame.
package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/argus-labs/citadel/pkg/engine/ecs"
	"github.com/argus-labs/citadel/pkg/engine/event"
	"github.com/argus-labs/citadel/pkg/engine/mod"
	"github.com/argus-labs/citadel/pkg/engine/modsystem"
	"github.com/argus-labs/citadel/pkg/engine/pipeline"
	"github.com/argus-labs/citadel/pkg/engine/plugin"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// TopicEntitiesFlushed is published after a frame's FlushDead with the destroyed []ecs.EntityID.
const TopicEntitiesFlushed = "engine.entities_flushed"

// ErrReentrantFrame is returned by Frame when it is called from inside a running frame.
var ErrReentrantFrame = eris.New("frame started while another frame is running")

type modOp struct {
	load   mod.Mod // Set for loads
	unload string  // Set for unloads
}

// Engine wires the World, the registries and the mod registry together. Mod loads and unloads
// are queued and applied between frames.
type Engine struct {
	options Options

	world      *ecs.World
	archetypes *ecs.ArchetypeRegistry
	plugins    *plugin.Registry
	modSystems *modsystem.Registry
	pipeline   *pipeline.Pipeline
	bus        *event.Bus
	mods       *mod.Registry

	mu      sync.Mutex // Guards pending
	pending []modOp

	inFrame bool
	paused  atomic.Bool
	frames  atomic.Uint64

	logger zerolog.Logger
}

// New creates an engine from the CITADEL_* environment, overridden by opts. Lua mods found in the
// mods directory are queued for loading.
func New(opts Options) (*Engine, error) {
	cfg, err := loadEngineConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load engine config")
	}

	options := Options{}
	cfg.applyToOptions(&options)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid engine options")
	}

	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}

	order := options.SystemOrder
	if order == nil && options.SystemOrderFile != "" {
		order, err = pipeline.LoadOrder(options.SystemOrderFile)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		options:    options,
		world:      ecs.NewWorld(ecs.WithLogger(logger.With().Str("component", "world").Logger())),
		archetypes: ecs.NewArchetypeRegistry(),
		plugins:    plugin.NewRegistry(),
		modSystems: modsystem.NewRegistry(modsystem.WithLogger(logger.With().Str("component", "modsystem").Logger())),
		pipeline:   pipeline.New(order, pipeline.WithLogger(logger.With().Str("component", "pipeline").Logger())),
		bus:        event.NewBus(),
		logger:     logger,
	}

	modOpts := []mod.Option{mod.WithLogger(logger.With().Str("component", "mod").Logger())}
	if options.Tracer != nil {
		modOpts = append(modOpts, mod.WithTracer(options.Tracer))
	}
	if options.Reporter != nil {
		modOpts = append(modOpts, mod.WithErrorReporter(options.Reporter))
	}
	e.mods = mod.NewRegistry(mod.Dependencies{
		World:      e.world,
		Archetypes: e.archetypes,
		Plugins:    e.plugins,
		ModSystems: e.modSystems,
		Pipeline:   e.pipeline,
		Bus:        e.bus,
	}, modOpts...)

	if options.ModsDir != "" {
		luaMods, err := mod.LoadLuaDir(options.ModsDir)
		if err != nil {
			return nil, err
		}
		for _, m := range luaMods {
			e.QueueLoad(m)
		}
	}

	return e, nil
}

// World returns the entity world shared by every system and mod.
func (e *Engine) World() *ecs.World { return e.world }

// Archetypes returns the archetype registry.
func (e *Engine) Archetypes() *ecs.ArchetypeRegistry { return e.archetypes }

// Plugins returns the ability, entity type and system plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// ModSystems returns the registry of per-frame mod callbacks.
func (e *Engine) ModSystems() *modsystem.Registry { return e.modSystems }

// Pipeline returns the entity system pipeline.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipeline }

// Bus returns the shared event bus. Mods see it through their scoped view.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Mods returns the mod registry. Prefer QueueLoad and QueueUnload while frames are running.
func (e *Engine) Mods() *mod.Registry { return e.mods }

// Frames returns the number of completed frames. Safe for concurrent use.
func (e *Engine) Frames() uint64 { return e.frames.Load() }

// TickRate returns the configured frames per second.
func (e *Engine) TickRate() float64 { return e.options.TickRate }

// QueueLoad schedules m to be loaded before the next frame. Safe for concurrent use.
func (e *Engine) QueueLoad(m mod.Mod) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, modOp{load: m})
}

// QueueUnload schedules the mod with the given id to be unloaded before the next frame. Safe for
// concurrent use.
func (e *Engine) QueueUnload(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, modOp{unload: id})
}

// Pause stops simulation. Paused frames only call RenderTick. Safe for concurrent use.
func (e *Engine) Pause() { e.paused.Store(true) }

// Resume restarts simulation. Safe for concurrent use.
func (e *Engine) Resume() { e.paused.Store(false) }

// Paused reports whether simulation is paused.
func (e *Engine) Paused() bool { return e.paused.Load() }

// Start applies queued mod operations, checks the system order unless it is lenient, and starts
// every system.
func (e *Engine) Start(ctx context.Context) error {
	e.applyPending()

	if !e.options.LenientSystemOrder {
		if err := e.pipeline.AssertConfigSync(); err != nil {
			return eris.Wrap(err, "system order check failed")
		}
	}
	if err := e.startSystems(ctx); err != nil {
		return eris.Wrap(err, "failed to start systems")
	}

	e.logger.Info().
		Strs("systems", e.pipeline.IDs()).
		Strs("mods", e.mods.LoadedModIDs()).
		Msg("engine started")
	return nil
}

// Frame runs one frame: queued mod operations, then the entity systems (render-only while paused),
// then the mod systems, then FlushDead. A failing entity system fails the frame. Mod system
// failures are logged and reported; only a missing event bus binding fails the frame.
func (e *Engine) Frame(ctx context.Context, delta time.Duration) error {
	if e.inFrame {
		return ErrReentrantFrame
	}
	e.inFrame = true
	defer func() { e.inFrame = false }()

	if e.applyPending() > 0 && e.pipeline.Active() {
		if err := e.startSystems(ctx); err != nil {
			return eris.Wrap(err, "failed to start systems")
		}
	}

	if e.Paused() {
		e.pipeline.RunRenderOnly(delta)
		return nil
	}

	if err := e.pipeline.Run(delta); err != nil {
		return eris.Wrapf(err, "frame %d", e.frames.Load())
	}

	if err := e.modSystems.RunAll(delta, e); err != nil {
		if eris.Is(err, modsystem.ErrUnboundEventBus) {
			return err
		}
		e.logger.Warn().Err(err).Uint64("frame", e.frames.Load()).Msg("mod systems failed")
		e.report(mod.WithReportTag(ctx, mod.TagPhase, mod.PhaseTick), err)
	}

	if flushed := e.world.FlushDead(); len(flushed) > 0 {
		if err := e.bus.Publish(TopicEntitiesFlushed, flushed); err != nil {
			e.logger.Warn().Err(err).Msg("entities flushed listeners failed")
		}
	}

	e.frames.Add(1)
	return nil
}

// Run calls Frame at the configured tick rate with a fixed delta until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / e.options.TickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.Frame(ctx, interval); err != nil {
				return eris.Wrap(err, "failed to run frame")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown unloads every mod in reverse load order and destroys the pipeline.
func (e *Engine) Shutdown(context.Context) error {
	e.mods.UnloadAll()
	e.pipeline.DestroyAll()
	e.logger.Info().Uint64("frames", e.frames.Load()).Msg("engine shut down")
	return nil
}

// startSystems runs StartAll. When an entity system registered by a mod fails to start, that mod
// is unloaded and reported, and starting resumes with the remaining systems. A host system that
// fails to start is returned as an error.
func (e *Engine) startSystems(ctx context.Context) error {
	for {
		err := e.pipeline.StartAll(ctx)
		if err == nil {
			return nil
		}
		unstarted := e.pipeline.Unstarted()
		if len(unstarted) == 0 {
			return err
		}
		owner, ok := e.mods.EntitySystemOwner(unstarted[0])
		if !ok {
			return err
		}
		e.logger.Warn().Err(err).Str("mod", owner).Str("system", unstarted[0]).
			Msg("mod system failed to start, unloading mod")
		tagged := mod.WithReportTag(ctx, mod.TagMod, owner)
		tagged = mod.WithReportTag(tagged, mod.TagSystem, unstarted[0])
		e.report(mod.WithReportTag(tagged, mod.TagPhase, mod.PhaseStart), err)
		if !e.mods.UnloadMod(owner) {
			return err
		}
	}
}

// report tags err with the current frame and hands it to the configured reporter.
func (e *Engine) report(ctx context.Context, err error) {
	if e.options.Reporter != nil {
		frame := strconv.FormatUint(e.frames.Load(), 10)
		e.options.Reporter(mod.WithReportTag(ctx, mod.TagFrame, frame), err)
	}
}

// applyPending runs queued mod operations in order and returns how many were applied.
func (e *Engine) applyPending() int {
	e.mu.Lock()
	ops := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, op := range ops {
		if op.load != nil {
			if !e.mods.LoadMod(op.load) {
				e.logger.Warn().Str("mod", op.load.ID()).Msg("queued mod failed to load")
			}
			continue
		}
		if !e.mods.UnloadMod(op.unload) {
			e.logger.Warn().Str("mod", op.unload).Msg("queued mod was not loaded")
		}
	}
	return len(ops)
}
