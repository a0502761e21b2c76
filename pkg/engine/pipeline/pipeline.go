// Package pipeline runs per-frame systems in an order supplied from outside the code that
// registers them.
package pipeline

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

var (
	// ErrDuplicateSystem is returned when registering a system id that is already registered.
	ErrDuplicateSystem = eris.New("system already registered")

	// ErrConfigDrift is returned by AssertConfigSync when the config order and the registered
	// systems differ.
	ErrConfigDrift = eris.New("system order and registered systems differ")
)

// Pipeline is the ordered collection of entity systems that make up one frame. Systems listed in
// the config order run in that order; any other registered system runs afterwards in registration
// order.
type Pipeline struct {
	configOrder []string          // Declared execution order
	position    map[string]int    // System id -> index in configOrder
	systems     map[string]System // System id -> system
	registered  []string          // System ids in registration order

	sorted []System // Execution order, rebuilt when dirty
	dirty  bool

	active  bool                // True between the first StartAll and DestroyAll
	started map[string]struct{} // Systems started in the current activation

	logger zerolog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New creates a pipeline that orders systems by configOrder. If an id appears more than once only
// its first position counts.
func New(configOrder []string, opts ...Option) *Pipeline {
	p := &Pipeline{
		configOrder: slices.Clone(configOrder),
		position:    make(map[string]int, len(configOrder)),
		systems:     make(map[string]System),
		registered:  make([]string, 0),
		started:     make(map[string]struct{}),
		logger:      zerolog.Nop(),
	}
	for i, id := range configOrder {
		if _, ok := p.position[id]; !ok {
			p.position[id] = i
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds sys. A system id can only be registered once.
func (p *Pipeline) Register(sys System) error {
	id := sys.ID()
	if _, exists := p.systems[id]; exists {
		return eris.Wrapf(ErrDuplicateSystem, "system %q", id)
	}
	p.systems[id] = sys
	p.registered = append(p.registered, id)
	p.dirty = true

	if _, mapped := p.position[id]; !mapped {
		p.logger.Debug().Str("system", id).Msg("system not in config order, appending")
	}
	return nil
}

// Unregister removes the system with the given id. Returns false if it wasn't registered.
func (p *Pipeline) Unregister(id string) bool {
	if _, ok := p.systems[id]; !ok {
		return false
	}
	delete(p.systems, id)
	delete(p.started, id)
	p.registered = slices.DeleteFunc(p.registered, func(s string) bool { return s == id })
	p.dirty = true
	return true
}

// SetEnabled toggles a system. Unknown ids are ignored.
func (p *Pipeline) SetEnabled(id string, enabled bool) {
	if sys, ok := p.systems[id]; ok {
		sys.SetEnabled(enabled)
	}
}

// Has reports whether a system with the given id is registered.
func (p *Pipeline) Has(id string) bool {
	_, ok := p.systems[id]
	return ok
}

// Get returns the system registered under id.
func (p *Pipeline) Get(id string) (System, bool) {
	sys, ok := p.systems[id]
	return sys, ok
}

// Len returns the number of registered systems.
func (p *Pipeline) Len() int {
	return len(p.systems)
}

// IDs returns the registered system ids in execution order.
func (p *Pipeline) IDs() []string {
	sorted := p.order()
	ids := make([]string, 0, len(sorted))
	for _, sys := range sorted {
		ids = append(ids, sys.ID())
	}
	return ids
}

// StartAll starts every system that implements Starter and hasn't been started in the current
// activation. It stops at the first error; the failed system stays unstarted and is retried by the
// next StartAll.
func (p *Pipeline) StartAll(ctx context.Context) error {
	p.active = true
	for _, sys := range p.order() {
		id := sys.ID()
		if _, ok := p.started[id]; ok {
			continue
		}
		if starter, ok := sys.(Starter); ok {
			if err := starter.Start(ctx); err != nil {
				return eris.Wrapf(err, "system %s failed to start", id)
			}
			p.logger.Debug().Str("system", id).Msg("system started")
		}
		p.started[id] = struct{}{}
	}
	return nil
}

// Unstarted returns the systems not started in the current activation, in execution order. After
// a failed StartAll the first id is the system that failed.
func (p *Pipeline) Unstarted() []string {
	ids := make([]string, 0)
	for _, sys := range p.order() {
		if _, ok := p.started[sys.ID()]; !ok {
			ids = append(ids, sys.ID())
		}
	}
	return ids
}

// Active reports whether StartAll has run since the pipeline was created or last destroyed.
func (p *Pipeline) Active() bool {
	return p.active
}

// Run ticks every enabled system once in execution order. It stops at the first error.
func (p *Pipeline) Run(delta time.Duration) error {
	for _, sys := range p.order() {
		if !sys.Enabled() {
			continue
		}
		if err := sys.Tick(delta); err != nil {
			return eris.Wrapf(err, "system %s generated an error", sys.ID())
		}
	}
	return nil
}

// RunRenderOnly calls RenderTick on every enabled system that implements RenderTicker. Used to
// keep visuals animating while the simulation is paused.
func (p *Pipeline) RunRenderOnly(delta time.Duration) {
	for _, sys := range p.order() {
		if !sys.Enabled() {
			continue
		}
		if r, ok := sys.(RenderTicker); ok {
			r.RenderTick(delta)
		}
	}
}

// AssertConfigSync compares the config order against the registered systems. The error wraps
// ErrConfigDrift and lists ids that are declared but not registered (missing) and registered but
// not declared (unmapped).
func (p *Pipeline) AssertConfigSync() error {
	missing := make([]string, 0)
	for _, id := range p.configOrder {
		if _, ok := p.systems[id]; !ok && !slices.Contains(missing, id) {
			missing = append(missing, id)
		}
	}
	unmapped := make([]string, 0)
	for _, id := range p.registered {
		if _, ok := p.position[id]; !ok {
			unmapped = append(unmapped, id)
		}
	}

	if len(missing) == 0 && len(unmapped) == 0 {
		return nil
	}
	return eris.Wrapf(ErrConfigDrift, "missing %v, unmapped %v", missing, unmapped)
}

// MustAssertConfigSync is AssertConfigSync for boot code. It panics on drift.
func (p *Pipeline) MustAssertConfigSync() {
	if err := p.AssertConfigSync(); err != nil {
		panic(err)
	}
}

// DestroyAll calls Destroy and Clear on every system that implements them, then empties the
// pipeline and ends the current activation.
func (p *Pipeline) DestroyAll() {
	for _, sys := range p.order() {
		if d, ok := sys.(Destroyer); ok {
			d.Destroy()
		}
		if c, ok := sys.(Clearer); ok {
			c.Clear()
		}
	}

	p.systems = make(map[string]System)
	p.registered = p.registered[:0]
	p.sorted = nil
	p.dirty = false
	p.active = false
	clear(p.started)
}

// order returns the execution order, rebuilding it after registration changes.
func (p *Pipeline) order() []System {
	if !p.dirty {
		return p.sorted
	}

	ids := slices.Clone(p.registered)
	// Stable sort keeps registration order among unmapped systems.
	slices.SortStableFunc(ids, func(a, b string) int {
		return p.rank(a) - p.rank(b)
	})

	sorted := make([]System, 0, len(ids))
	for _, id := range ids {
		sorted = append(sorted, p.systems[id])
	}
	p.sorted = sorted
	p.dirty = false
	return p.sorted
}

// rank is the config position for mapped ids and past the end for the rest.
func (p *Pipeline) rank(id string) int {
	if pos, ok := p.position[id]; ok {
		return pos
	}
	return len(p.configOrder)
}
