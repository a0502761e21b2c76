// Package plugin is the flat catalog of pluggable content: abilities, entity types and system
// factories. It does not track which caller added an entry.
package plugin

import (
	"maps"
	"time"

	"github.com/argus-labs/citadel/pkg/engine/catalog"
	"github.com/argus-labs/citadel/pkg/engine/ecs"
	"github.com/argus-labs/citadel/pkg/engine/pipeline"
	"github.com/rotisserie/eris"
)

// ActivationContext is passed to an ability when it is activated.
type ActivationContext struct {
	World  *ecs.World
	Source ecs.EntityID   // Entity using the ability
	Target ecs.EntityID   // Optional target entity
	Params map[string]any // Caller-defined parameters
}

// Ability is an activatable effect. Cooldown is data for the systems that gate activation, the
// registry doesn't enforce it.
type Ability struct {
	ID       string
	Cooldown time.Duration
	Activate func(ctx ActivationContext) error
}

// EntityType is a spawnable kind of entity: an archetype plus default component values.
type EntityType struct {
	ID          string
	ArchetypeID string
	Defaults    map[string]any // Component name -> default value
}

// SystemPlugin is a factory for entity systems.
type SystemPlugin struct {
	ID  string
	New func(w *ecs.World) pipeline.System
}

// Registry holds the three plugin catalogs.
type Registry struct {
	abilities   *catalog.Catalog[Ability]
	entityTypes *catalog.Catalog[EntityType]
	systems     *catalog.Catalog[SystemPlugin]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		abilities:   catalog.New[Ability]("ability"),
		entityTypes: catalog.New[EntityType]("entity type"),
		systems:     catalog.New[SystemPlugin]("system plugin"),
	}
}

// -------------------------------------------------------------------------------------------------
// Abilities
// -------------------------------------------------------------------------------------------------

// RegisterAbility adds a. Ids are unique.
func (r *Registry) RegisterAbility(a Ability) error {
	return r.abilities.Register(a.ID, a)
}

// UnregisterAbility removes the ability with the given id.
func (r *Registry) UnregisterAbility(id string) bool {
	return r.abilities.Unregister(id)
}

// Ability returns the ability registered under id.
func (r *Registry) Ability(id string) (Ability, bool) {
	return r.abilities.Get(id)
}

// AbilityIDs returns the ability ids in registration order.
func (r *Registry) AbilityIDs() []string {
	return r.abilities.IDs()
}

// Activate runs the ability registered under id. Abilities without an Activate func do nothing.
func (r *Registry) Activate(id string, ctx ActivationContext) error {
	a, err := r.abilities.GetRequired(id)
	if err != nil {
		return err
	}
	if a.Activate == nil {
		return nil
	}
	if err := a.Activate(ctx); err != nil {
		return eris.Wrapf(err, "ability %q failed", id)
	}
	return nil
}

// -------------------------------------------------------------------------------------------------
// Entity types
// -------------------------------------------------------------------------------------------------

// RegisterEntityType adds et. Ids are unique.
func (r *Registry) RegisterEntityType(et EntityType) error {
	return r.entityTypes.Register(et.ID, et)
}

// UnregisterEntityType removes the entity type with the given id.
func (r *Registry) UnregisterEntityType(id string) bool {
	return r.entityTypes.Unregister(id)
}

// EntityType returns the entity type registered under id.
func (r *Registry) EntityType(id string) (EntityType, bool) {
	return r.entityTypes.Get(id)
}

// EntityTypeIDs returns the entity type ids in registration order.
func (r *Registry) EntityTypeIDs() []string {
	return r.entityTypes.IDs()
}

// Spawn creates entityID from the entity type typeID. The type's defaults are merged with
// overrides, overrides winning, and the result is spawned through the type's archetype.
func (r *Registry) Spawn(
	w *ecs.World,
	archetypes *ecs.ArchetypeRegistry,
	typeID string,
	entityID ecs.EntityID,
	overrides map[string]any,
) error {
	et, err := r.entityTypes.GetRequired(typeID)
	if err != nil {
		return err
	}
	arch, err := archetypes.GetRequired(et.ArchetypeID)
	if err != nil {
		return eris.Wrapf(err, "entity type %q", typeID)
	}

	values := maps.Clone(et.Defaults)
	if values == nil {
		values = make(map[string]any, len(overrides))
	}
	maps.Copy(values, overrides)

	if err := w.SpawnFromArchetype(arch, entityID, values); err != nil {
		return eris.Wrapf(err, "entity type %q", typeID)
	}
	return nil
}

// -------------------------------------------------------------------------------------------------
// System plugins
// -------------------------------------------------------------------------------------------------

// RegisterSystemPlugin adds sp. Ids are unique.
func (r *Registry) RegisterSystemPlugin(sp SystemPlugin) error {
	if sp.New == nil {
		return eris.Errorf("system plugin %q has no factory", sp.ID)
	}
	return r.systems.Register(sp.ID, sp)
}

// UnregisterSystemPlugin removes the system plugin with the given id.
func (r *Registry) UnregisterSystemPlugin(id string) bool {
	return r.systems.Unregister(id)
}

// SystemPlugin returns the system plugin registered under id.
func (r *Registry) SystemPlugin(id string) (SystemPlugin, bool) {
	return r.systems.Get(id)
}

// SystemPluginIDs returns the system plugin ids in registration order.
func (r *Registry) SystemPluginIDs() []string {
	return r.systems.IDs()
}

// Instantiate builds a system from the plugin registered under id.
func (r *Registry) Instantiate(id string, w *ecs.World) (pipeline.System, error) {
	sp, err := r.systems.GetRequired(id)
	if err != nil {
		return nil, err
	}
	return sp.New(w), nil
}
