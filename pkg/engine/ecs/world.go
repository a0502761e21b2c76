package ecs

import (
	"slices"

	"github.com/argus-labs/citadel/pkg/assert"
	"github.com/kelindar/bitmap"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// World holds the named component stores and the entity lifecycle. It is not safe for concurrent
// use: systems mutate stores in place and rely on being run one after another.
type World struct {
	slots  slotIndex               // Entity id interning shared by every store
	stores map[string]DynamicStore // Component name -> store
	order  []string                // Store names in registration order
	active bitmap.Bitmap           // Slots of live entities
	dead   bitmap.Bitmap           // Slots marked dead and waiting for FlushDead
	logger zerolog.Logger
}

// WorldOption configures a World.
type WorldOption func(*World)

// WithLogger sets the logger used for store lifecycle messages.
func WithLogger(logger zerolog.Logger) WorldOption {
	return func(w *World) { w.logger = logger }
}

// NewWorld creates an empty World.
func NewWorld(opts ...WorldOption) *World {
	w := &World{
		slots:  newSlotIndex(),
		stores: make(map[string]DynamicStore),
		order:  make([]string, 0),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// -------------------------------------------------------------------------------------------------
// Store registration
// -------------------------------------------------------------------------------------------------

// Register creates the store for def. Component names are unique per World.
func Register[T any](w *World, def ComponentDef[T]) (*Store[T], error) {
	if err := w.checkStoreName(def.Name()); err != nil {
		return nil, err
	}
	store := newStore[T](def.Name(), &w.slots)
	w.addStore(store)
	return store, nil
}

// MustRegister is Register for boot code. It panics on error.
func MustRegister[T any](w *World, def ComponentDef[T]) *Store[T] {
	store, err := Register(w, def)
	if err != nil {
		panic(err)
	}
	return store
}

// RegisterDynamic creates an untyped store. Mods use it for component types the host doesn't know.
func (w *World) RegisterDynamic(name string) (*Store[any], error) {
	return Register(w, NewComponentDef[any](name))
}

// StoreOf returns the typed store for def. It fails if the store doesn't exist or was registered
// with a different value type.
func StoreOf[T any](w *World, def ComponentDef[T]) (*Store[T], error) {
	ds, ok := w.stores[def.Name()]
	if !ok {
		return nil, eris.Wrapf(ErrStoreNotFound, "component %q", def.Name())
	}
	store, ok := ds.(*Store[T])
	if !ok {
		var zero T
		return nil, eris.Wrapf(ErrComponentType, "component %q is a %s store, requested %T",
			def.Name(), ds.valueType(), zero)
	}
	return store, nil
}

// MustStoreOf is StoreOf for code paths where a missing store is a programming error.
func MustStoreOf[T any](w *World, def ComponentDef[T]) *Store[T] {
	store, err := StoreOf(w, def)
	if err != nil {
		panic(err)
	}
	return store
}

// StoreByName returns the store registered under name.
func (w *World) StoreByName(name string) (DynamicStore, bool) {
	store, ok := w.stores[name]
	return store, ok
}

// StoreNames returns the registered store names in registration order.
func (w *World) StoreNames() []string {
	return slices.Clone(w.order)
}

// HasStore reports whether a store is registered under name.
func (w *World) HasStore(name string) bool {
	_, ok := w.stores[name]
	return ok
}

// UnregisterStore drops the store registered under name together with its data. The dropped store
// must not be used afterwards. Returns false if there was no such store.
func (w *World) UnregisterStore(name string) bool {
	store, ok := w.stores[name]
	if !ok {
		return false
	}
	store.Clear()
	delete(w.stores, name)
	w.order = slices.DeleteFunc(w.order, func(n string) bool { return n == name })
	w.logger.Debug().Str("component", name).Msg("component store unregistered")
	return true
}

func (w *World) checkStoreName(name string) error {
	if name == "" {
		return eris.New("component name cannot be empty")
	}
	if _, exists := w.stores[name]; exists {
		return eris.Wrapf(ErrDuplicateComponent, "component %q", name)
	}
	return nil
}

func (w *World) addStore(store DynamicStore) {
	w.stores[store.Name()] = store
	w.order = append(w.order, store.Name())
	w.logger.Debug().Str("component", store.Name()).Msg("component store registered")
}

// -------------------------------------------------------------------------------------------------
// Entity lifecycle
// -------------------------------------------------------------------------------------------------

// CreateEntity marks id as active. Creating an entity that is marked dead revives it.
// Creating an already active entity is a no-op.
func (w *World) CreateEntity(id EntityID) {
	slot := w.slots.intern(id)
	if !w.active.Contains(slot) {
		w.active.Set(slot)
		w.slots.retain(slot)
	}
	w.dead.Remove(slot)
}

// DestroyEntity deactivates id and deletes its value from every registered store.
// Returns false if the World knew nothing about id.
func (w *World) DestroyEntity(id EntityID) bool {
	slot, ok := w.slots.lookup(id)
	if !ok {
		return false
	}

	w.dead.Remove(slot)
	for _, name := range w.order {
		w.stores[name].Delete(id)
	}
	if w.active.Contains(slot) {
		w.active.Remove(slot)
		w.slots.release(id)
	}
	return true
}

// MarkDead flags an active entity for removal by the next FlushDead. Its components stay readable
// until then. Returns false if id is not active.
func (w *World) MarkDead(id EntityID) bool {
	slot, ok := w.slots.lookup(id)
	if !ok || !w.active.Contains(slot) {
		return false
	}
	w.dead.Set(slot)
	return true
}

// IsActive reports whether id is a live entity. Dead-marked entities are still active.
func (w *World) IsActive(id EntityID) bool {
	slot, ok := w.slots.lookup(id)
	return ok && w.active.Contains(slot)
}

// IsDead reports whether id is marked dead and waiting for FlushDead.
func (w *World) IsDead(id EntityID) bool {
	slot, ok := w.slots.lookup(id)
	return ok && w.dead.Contains(slot)
}

// DeadCount returns the number of entities waiting for FlushDead.
func (w *World) DeadCount() int {
	return w.dead.Count()
}

// FlushDead destroys every dead-marked entity and returns their ids in slot order.
func (w *World) FlushDead() []EntityID {
	if w.dead.Count() == 0 {
		return nil
	}

	ids := w.collect(w.dead)
	for _, id := range ids {
		w.DestroyEntity(id)
	}
	assert.That(w.dead.Count() == 0, "dead set not empty after flush")
	return ids
}

// ActiveCount returns the number of live entities.
func (w *World) ActiveCount() int {
	return w.active.Count()
}

// Entities returns the live entities in slot order.
func (w *World) Entities() []EntityID {
	return w.collect(w.active)
}

// Query returns the active entities that have a value in every given store, in slot order.
// With no stores it returns every active entity.
func (w *World) Query(stores ...DynamicStore) []EntityID {
	result := w.active.Clone(nil)
	for _, store := range stores {
		assert.That(store.index() == &w.slots, "store %q belongs to another world", store.Name())
		result.And(store.membership())
	}
	return w.collect(result)
}

// SpawnFromArchetype creates id and writes values[name] into the store of every component the
// archetype declares. It stops at the first declared component whose store or value is missing.
// The entity is created before validation, so on error it stays active with the components written
// so far, and the caller decides whether to destroy it.
func (w *World) SpawnFromArchetype(arch ArchetypeDefinition, id EntityID, values map[string]any) error {
	w.CreateEntity(id)

	for _, comp := range arch.Components {
		name := comp.Name()
		store, ok := w.stores[name]
		if !ok {
			return eris.Wrapf(ErrStoreNotFound, "archetype %q component %q", arch.ID, name)
		}
		value, ok := values[name]
		if !ok {
			return eris.Wrapf(ErrMissingComponentValue, "archetype %q component %q for entity %q", arch.ID, name, id)
		}
		if err := store.SetAny(id, value); err != nil {
			return eris.Wrapf(err, "archetype %q", arch.ID)
		}
	}
	return nil
}

func (w *World) collect(set bitmap.Bitmap) []EntityID {
	ids := make([]EntityID, 0, set.Count())
	set.Range(func(slot uint32) {
		ids = append(ids, w.slots.id(slot))
	})
	return ids
}
