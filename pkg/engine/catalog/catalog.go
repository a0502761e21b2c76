// Package catalog provides the ordered, id-keyed collection every engine registry is built on.
//
// A Catalog remembers nothing about who added an entry. Callers that need provenance (the mod
// registry) take snapshots of IDs before and after a mutation burst and diff them.
package catalog

import (
	"slices"

	"github.com/rotisserie/eris"
)

var (
	// ErrDuplicate is returned when registering an id that is already present.
	ErrDuplicate = eris.New("id already registered")
	// ErrNotFound is returned when a required id is absent.
	ErrNotFound = eris.New("id not registered")
	// ErrEmptyID is returned when registering with an empty id.
	ErrEmptyID = eris.New("id cannot be empty")
)

// Catalog maps string ids to values and remembers registration order.
// The zero value is not usable, use New.
type Catalog[T any] struct {
	kind  string       // Used in error messages, e.g. "ability"
	items map[string]T // id -> value
	order []string     // ids in registration order
}

// New creates an empty catalog. kind names the entries in error messages.
func New[T any](kind string) *Catalog[T] {
	return &Catalog[T]{
		kind:  kind,
		items: make(map[string]T),
		order: make([]string, 0),
	}
}

// Register adds a value under id. It fails if id is empty or already present.
func (c *Catalog[T]) Register(id string, value T) error {
	if id == "" {
		return eris.Wrapf(ErrEmptyID, "%s", c.kind)
	}
	if _, exists := c.items[id]; exists {
		return eris.Wrapf(ErrDuplicate, "%s %q", c.kind, id)
	}
	c.items[id] = value
	c.order = append(c.order, id)
	return nil
}

// Replace stores value under id, overwriting any existing entry. A replaced entry keeps its
// original position in the registration order.
func (c *Catalog[T]) Replace(id string, value T) error {
	if id == "" {
		return eris.Wrapf(ErrEmptyID, "%s", c.kind)
	}
	if _, exists := c.items[id]; !exists {
		c.order = append(c.order, id)
	}
	c.items[id] = value
	return nil
}

// Unregister removes id. Returns false if it was not present.
func (c *Catalog[T]) Unregister(id string) bool {
	if _, exists := c.items[id]; !exists {
		return false
	}
	delete(c.items, id)
	c.order = slices.DeleteFunc(c.order, func(v string) bool { return v == id })
	return true
}

// Get returns the value for id.
func (c *Catalog[T]) Get(id string) (T, bool) {
	v, ok := c.items[id]
	return v, ok
}

// GetRequired returns the value for id or an error wrapping ErrNotFound.
func (c *Catalog[T]) GetRequired(id string) (T, error) {
	v, ok := c.items[id]
	if !ok {
		var zero T
		return zero, eris.Wrapf(ErrNotFound, "%s %q", c.kind, id)
	}
	return v, nil
}

// Has reports whether id is present.
func (c *Catalog[T]) Has(id string) bool {
	_, ok := c.items[id]
	return ok
}

// IDs returns a copy of the registered ids in registration order.
func (c *Catalog[T]) IDs() []string {
	return slices.Clone(c.order)
}

// Values returns the registered values in registration order.
func (c *Catalog[T]) Values() []T {
	values := make([]T, 0, len(c.order))
	for _, id := range c.order {
		values = append(values, c.items[id])
	}
	return values
}

// Len returns the number of entries.
func (c *Catalog[T]) Len() int {
	return len(c.order)
}

// Clear removes every entry.
func (c *Catalog[T]) Clear() {
	c.items = make(map[string]T)
	c.order = c.order[:0]
}
