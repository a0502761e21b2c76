package ecs

import (
	"slices"

	"github.com/argus-labs/citadel/pkg/engine/catalog"
	"github.com/rotisserie/eris"
)

// ArchetypeDefinition declares the exact set of stores an entity of one kind populates at spawn.
type ArchetypeDefinition struct {
	ID         string
	Components []ComponentType
}

// NewArchetype creates an archetype definition.
func NewArchetype(id string, components ...ComponentType) ArchetypeDefinition {
	return ArchetypeDefinition{ID: id, Components: components}
}

// ComponentNames returns the declared component names in declaration order.
func (a ArchetypeDefinition) ComponentNames() []string {
	names := make([]string, 0, len(a.Components))
	for _, c := range a.Components {
		names = append(names, c.Name())
	}
	return names
}

// ArchetypeRegistry is the catalog of archetype definitions. Archetypes are declared once, so
// registering an existing id is an error rather than an overwrite.
type ArchetypeRegistry struct {
	defs *catalog.Catalog[ArchetypeDefinition]
}

// NewArchetypeRegistry creates an empty registry.
func NewArchetypeRegistry() *ArchetypeRegistry {
	return &ArchetypeRegistry{defs: catalog.New[ArchetypeDefinition]("archetype")}
}

// Register adds def. Errors wrap catalog.ErrDuplicate or catalog.ErrEmptyID.
func (r *ArchetypeRegistry) Register(def ArchetypeDefinition) error {
	names := def.ComponentNames()
	for i, name := range names {
		if slices.Contains(names[:i], name) {
			return eris.Errorf("archetype %q declares component %q twice", def.ID, name)
		}
	}
	return r.defs.Register(def.ID, def)
}

// Get returns the definition for id.
func (r *ArchetypeRegistry) Get(id string) (ArchetypeDefinition, bool) {
	return r.defs.Get(id)
}

// GetRequired returns the definition for id or an error wrapping catalog.ErrNotFound.
func (r *ArchetypeRegistry) GetRequired(id string) (ArchetypeDefinition, error) {
	return r.defs.GetRequired(id)
}

// Unregister removes id. Returns false if it wasn't registered.
func (r *ArchetypeRegistry) Unregister(id string) bool {
	return r.defs.Unregister(id)
}

// Has reports whether id is registered.
func (r *ArchetypeRegistry) Has(id string) bool {
	return r.defs.Has(id)
}

// All returns every definition in registration order.
func (r *ArchetypeRegistry) All() []ArchetypeDefinition {
	return r.defs.Values()
}

// IDs returns every archetype id in registration order.
func (r *ArchetypeRegistry) IDs() []string {
	return r.defs.IDs()
}

// Len returns the number of registered archetypes.
func (r *ArchetypeRegistry) Len() int {
	return r.defs.Len()
}

// Clear removes every definition.
func (r *ArchetypeRegistry) Clear() {
	r.defs.Clear()
}
