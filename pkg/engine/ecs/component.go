package ecs

// ComponentType is the runtime identity of a component type. Only the name matters at runtime.
type ComponentType interface {
	Name() string
}

// ComponentDef is an identity token for a component type. The type parameter exists so typed
// store lookups are checked at compile time; two defs with the same name refer to the same store.
type ComponentDef[T any] struct {
	name string
}

var _ ComponentType = ComponentDef[struct{}]{}

// NewComponentDef creates a component def with the given name.
func NewComponentDef[T any](name string) ComponentDef[T] {
	return ComponentDef[T]{name: name}
}

// Name returns the component name.
func (d ComponentDef[T]) Name() string {
	return d.name
}

// String implements fmt.Stringer.
func (d ComponentDef[T]) String() string {
	return d.name
}
