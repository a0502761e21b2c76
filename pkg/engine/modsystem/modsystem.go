// Package modsystem runs the per-frame callbacks registered by mods.
package modsystem

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/argus-labs/citadel/pkg/engine/event"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// ErrUnboundEventBus is returned by RunAll when a registered system has no event bus bound.
var ErrUnboundEventBus = eris.New("mod system has no event bus bound")

// Context is passed to every tick function.
type Context struct {
	SystemID string
	Shared   any           // Host-provided context, the same value for every system in a frame
	Events   *event.Scoped // Event bus bound to this system
}

// TickFunc is a mod system's per-frame callback.
type TickFunc func(delta time.Duration, ctx Context) error

type system struct {
	id       string
	fn       TickFunc
	priority int
	seq      uint64 // Insertion sequence, breaks priority ties
}

// Registry holds mod systems and runs them in ascending priority. Systems with equal priority run
// in the order they were first registered.
type Registry struct {
	systems map[string]*system
	buses   map[string]*event.Scoped // System id -> bound event bus
	sorted  []*system
	dirty   bool
	nextSeq uint64
	logger  zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		systems: make(map[string]*system),
		buses:   make(map[string]*event.Scoped),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterSystem adds fn under id. An existing system with the same id is replaced and keeps its
// place among systems of equal priority.
func (r *Registry) RegisterSystem(id string, fn TickFunc, priority int) error {
	if id == "" {
		return eris.New("mod system id cannot be empty")
	}
	if fn == nil {
		return eris.Errorf("mod system %q has no tick function", id)
	}

	if existing, ok := r.systems[id]; ok {
		existing.fn = fn
		existing.priority = priority
		r.logger.Debug().Str("system", id).Int("priority", priority).Msg("mod system replaced")
	} else {
		r.systems[id] = &system{id: id, fn: fn, priority: priority, seq: r.nextSeq}
		r.nextSeq++
	}
	r.dirty = true
	return nil
}

// UnregisterSystem removes the system and its event bus binding. Returns false if id wasn't
// registered.
func (r *Registry) UnregisterSystem(id string) bool {
	if _, ok := r.systems[id]; !ok {
		return false
	}
	delete(r.systems, id)
	delete(r.buses, id)
	r.dirty = true
	return true
}

// BindSystemEventBus binds bus to the system id. The binding may be made before the system is
// registered.
func (r *Registry) BindSystemEventBus(id string, bus *event.Scoped) {
	r.buses[id] = bus
}

// UnbindSystemEventBus removes the event bus binding of id.
func (r *Registry) UnbindSystemEventBus(id string) {
	delete(r.buses, id)
}

// IsBound reports whether id has an event bus bound.
func (r *Registry) IsBound(id string) bool {
	_, ok := r.buses[id]
	return ok
}

// Binding returns the event bus bound to id.
func (r *Registry) Binding(id string) (*event.Scoped, bool) {
	bus, ok := r.buses[id]
	return bus, ok
}

// BoundIDs returns every id with an event bus bound, sorted. Bound ids need not be registered.
func (r *Registry) BoundIDs() []string {
	return slices.Sorted(maps.Keys(r.buses))
}

// Has reports whether a system is registered under id.
func (r *Registry) Has(id string) bool {
	_, ok := r.systems[id]
	return ok
}

// Len returns the number of registered systems.
func (r *Registry) Len() int {
	return len(r.systems)
}

// IDs returns the system ids in execution order.
func (r *Registry) IDs() []string {
	sorted := r.order()
	ids := make([]string, 0, len(sorted))
	for _, s := range sorted {
		ids = append(ids, s.id)
	}
	return ids
}

// Clear removes every system and binding.
func (r *Registry) Clear() {
	clear(r.systems)
	clear(r.buses)
	r.sorted = nil
	r.dirty = false
}

// RunAll calls every tick function once in execution order. Before running anything it checks that
// every system has an event bus bound, and fails naming the unbound ids if not. A failing or
// panicking system does not stop the others; all failures are returned together.
func (r *Registry) RunAll(delta time.Duration, shared any) error {
	sorted := r.order()

	var unbound []string
	for _, s := range sorted {
		if _, ok := r.buses[s.id]; !ok {
			unbound = append(unbound, s.id)
		}
	}
	if len(unbound) > 0 {
		return eris.Wrapf(ErrUnboundEventBus, "mod systems %v", unbound)
	}

	var errs []error
	for _, s := range slices.Clone(sorted) {
		ctx := Context{SystemID: s.id, Shared: shared, Events: r.buses[s.id]}
		if err := s.run(delta, ctx); err != nil {
			r.logger.Warn().Err(err).Str("system", s.id).Msg("mod system failed")
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("mod systems encountered %d error(s): %v", len(errs), errs)
	}
	return nil
}

func (s *system) run(delta time.Duration, ctx Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("mod system %s panicked: %v", s.id, p)
		}
	}()
	if err := s.fn(delta, ctx); err != nil {
		return eris.Wrapf(err, "mod system %s generated an error", s.id)
	}
	return nil
}

func (r *Registry) order() []*system {
	if !r.dirty {
		return r.sorted
	}

	sorted := make([]*system, 0, len(r.systems))
	for _, s := range r.systems {
		sorted = append(sorted, s)
	}
	slices.SortFunc(sorted, func(a, b *system) int {
		if c := cmp.Compare(a.priority, b.priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	r.sorted = sorted
	r.dirty = false
	return r.sorted
}
