package ecs

import (
	"reflect"

	"github.com/kelindar/bitmap"
	"github.com/rotisserie/eris"
)

// DynamicStore is the name-keyed, untyped view of a component store. It is what name-based lookups
// return and what Query accepts. Only stores created by a World implement it.
type DynamicStore interface {
	Name() string
	Has(id EntityID) bool
	Delete(id EntityID) bool
	Clear()
	Size() int
	IDs() []EntityID
	GetAny(id EntityID) (any, bool)
	SetAny(id EntityID, value any) error

	valueType() reflect.Type
	membership() bitmap.Bitmap
	index() *slotIndex
}

var _ DynamicStore = (*Store[int])(nil)

// Entry is a single entity -> value pair of a store.
type Entry[T any] struct {
	ID    EntityID
	Value T
}

// Store owns every value of one component type across all entities. Iteration order is the order of
// the entities' internal slots, which is stable between runs with the same sequence of operations.
type Store[T any] struct {
	name    string
	slots   *slotIndex     // Shared with the owning World
	values  map[EntityID]T // Entity -> component value
	members bitmap.Bitmap  // Slots that have a value in this store
}

func newStore[T any](name string, slots *slotIndex) *Store[T] {
	return &Store[T]{
		name:   name,
		slots:  slots,
		values: make(map[EntityID]T),
	}
}

// Name returns the component name of the store.
func (s *Store[T]) Name() string {
	return s.name
}

// Get returns the value for id.
func (s *Store[T]) Get(id EntityID) (T, bool) {
	v, ok := s.values[id]
	return v, ok
}

// GetRequired returns the value for id, or an error wrapping ErrComponentNotFound.
func (s *Store[T]) GetRequired(id EntityID) (T, error) {
	v, ok := s.values[id]
	if !ok {
		var zero T
		return zero, eris.Wrapf(ErrComponentNotFound, "component %q on entity %q", s.name, id)
	}
	return v, nil
}

// Has reports whether id has a value in this store.
func (s *Store[T]) Has(id EntityID) bool {
	_, ok := s.values[id]
	return ok
}

// Set inserts or replaces the value for id. The entity doesn't need to be active.
func (s *Store[T]) Set(id EntityID, value T) {
	slot := s.slots.intern(id)
	s.values[id] = value
	if !s.members.Contains(slot) {
		s.members.Set(slot)
		s.slots.retain(slot)
	}
}

// Delete removes the value for id. Returns false if there was none.
func (s *Store[T]) Delete(id EntityID) bool {
	if _, ok := s.values[id]; !ok {
		return false
	}
	delete(s.values, id)
	if slot, ok := s.slots.lookup(id); ok {
		s.members.Remove(slot)
		s.slots.release(id)
	}
	return true
}

// Clear removes every value from the store.
func (s *Store[T]) Clear() {
	for id := range s.values {
		s.slots.release(id)
	}
	s.values = make(map[EntityID]T)
	s.members = nil
}

// Size returns the number of entities with a value in this store.
func (s *Store[T]) Size() int {
	return len(s.values)
}

// ForEach calls fn for every entity with a value, in slot order. fn must not add or remove values
// of this store.
func (s *Store[T]) ForEach(fn func(id EntityID, value T)) {
	s.members.Range(func(slot uint32) {
		id := s.slots.id(slot)
		fn(id, s.values[id])
	})
}

// Entries returns a copy of every entity -> value pair, in slot order.
func (s *Store[T]) Entries() []Entry[T] {
	entries := make([]Entry[T], 0, len(s.values))
	s.ForEach(func(id EntityID, value T) {
		entries = append(entries, Entry[T]{ID: id, Value: value})
	})
	return entries
}

// IDs returns every entity with a value, in slot order.
func (s *Store[T]) IDs() []EntityID {
	ids := make([]EntityID, 0, len(s.values))
	s.members.Range(func(slot uint32) {
		ids = append(ids, s.slots.id(slot))
	})
	return ids
}

// GetAny is the untyped form of Get.
func (s *Store[T]) GetAny(id EntityID) (any, bool) {
	v, ok := s.values[id]
	if !ok {
		return nil, false
	}
	return v, true
}

// SetAny is the untyped form of Set. It fails if value is nil or not a T.
func (s *Store[T]) SetAny(id EntityID, value any) error {
	if value == nil {
		return eris.Wrapf(ErrComponentType, "nil value for component %q on entity %q", s.name, id)
	}
	v, ok := value.(T)
	if !ok {
		return eris.Wrapf(ErrComponentType, "component %q expects %s, got %T", s.name, s.valueType(), value)
	}
	s.Set(id, v)
	return nil
}

func (s *Store[T]) valueType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (s *Store[T]) membership() bitmap.Bitmap {
	return s.members
}

func (s *Store[T]) index() *slotIndex {
	return s.slots
}
