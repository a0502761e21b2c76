package ecs

import "github.com/rotisserie/eris"

var (
	// ErrDuplicateComponent is returned when a component name is registered twice on a World.
	ErrDuplicateComponent = eris.New("component already registered")

	// ErrStoreNotFound is returned by typed store lookups and archetype spawns when no store is
	// registered under the requested component name.
	ErrStoreNotFound = eris.New("component store not registered")

	// ErrComponentNotFound is returned by GetRequired when the entity has no value in the store.
	ErrComponentNotFound = eris.New("component not found on entity")

	// ErrComponentType is returned when a value or a typed lookup doesn't match a store's type.
	ErrComponentType = eris.New("component type mismatch")

	// ErrMissingComponentValue is returned by SpawnFromArchetype when a declared component has no
	// value in the supplied map.
	ErrMissingComponentValue = eris.New("missing component value")
)
