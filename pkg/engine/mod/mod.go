// Package mod loads and unloads mods transactionally. A mod may register any mix of abilities,
// entity types, system plugins, mod systems, entity systems, archetypes, component stores and
// event listeners; the registry records what appeared during registration and removes exactly that
// when the mod fails or is unloaded.
package mod

import (
	"maps"
	"slices"

	"github.com/argus-labs/citadel/pkg/engine/ecs"
	"github.com/argus-labs/citadel/pkg/engine/event"
	"github.com/argus-labs/citadel/pkg/engine/modsystem"
	"github.com/argus-labs/citadel/pkg/engine/pipeline"
	"github.com/argus-labs/citadel/pkg/engine/plugin"
	"github.com/rs/zerolog"
)

// Mod is an externally supplied behavior bundle.
type Mod interface {
	ID() string
	// RegisterMod registers the mod's resources. Returning an error or panicking rolls back
	// everything registered so far.
	RegisterMod(ctx *Context) error
}

// Unregisterer is implemented by mods that need custom teardown before their resources are rolled
// back. Errors and panics are logged and otherwise ignored.
type Unregisterer interface {
	UnregisterMod(ctx *Context) error
}

// Dependencies are the shared registries a Registry mutates on behalf of mods.
type Dependencies struct {
	World      *ecs.World
	Archetypes *ecs.ArchetypeRegistry
	Plugins    *plugin.Registry
	ModSystems *modsystem.Registry
	Pipeline   *pipeline.Pipeline
	Bus        *event.Bus
}

// Context is handed to a mod during registration and teardown.
type Context struct {
	ModID      string
	World      *ecs.World
	Archetypes *ecs.ArchetypeRegistry
	Plugins    *plugin.Registry
	ModSystems *modsystem.Registry
	Pipeline   *pipeline.Pipeline
	Events     *event.Scoped // Scoped to this mod
	Logger     zerolog.Logger
}

// Registration is what a mod added while loading: every id present after RegisterMod that was not
// present before.
type Registration struct {
	Mod             Mod
	AbilityIDs      []string
	EntityTypeIDs   []string
	SystemPluginIDs []string
	ModSystemIDs    []string
	EntitySystemIDs []string
	ArchetypeIDs    []string
	StoreNames      []string
	BoundIDs        []string // Mod system ids whose bus binding the mod made or changed
	Events          *event.Scoped

	priorBindings map[string]*event.Scoped // Bindings restored on rollback
}

func (r *Registration) clone() Registration {
	return Registration{
		Mod:             r.Mod,
		AbilityIDs:      slices.Clone(r.AbilityIDs),
		EntityTypeIDs:   slices.Clone(r.EntityTypeIDs),
		SystemPluginIDs: slices.Clone(r.SystemPluginIDs),
		ModSystemIDs:    slices.Clone(r.ModSystemIDs),
		EntitySystemIDs: slices.Clone(r.EntitySystemIDs),
		ArchetypeIDs:    slices.Clone(r.ArchetypeIDs),
		StoreNames:      slices.Clone(r.StoreNames),
		BoundIDs:        slices.Clone(r.BoundIDs),
		Events:          r.Events,
		priorBindings:   maps.Clone(r.priorBindings),
	}
}
