package mod

import (
	"context"
	"slices"

	"github.com/argus-labs/citadel/pkg/assert"
	"github.com/argus-labs/citadel/pkg/engine/event"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrorReporter receives mod failures that the registry recovers from.
type ErrorReporter func(ctx context.Context, err error)

// Registry is the mod transaction manager. Load and unload must happen between frames and never
// from inside RegisterMod or UnregisterMod.
type Registry struct {
	deps   Dependencies
	loaded map[string]*Registration // Mod id -> what it registered
	order  []string                 // Loaded mod ids in load order
	stages map[string]Stage         // Mods that aren't Unloaded
	busy   bool                     // A load or unload is in flight

	logger   zerolog.Logger
	tracer   trace.Tracer
	reporter ErrorReporter
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithTracer sets the tracer used for load and unload spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Registry) { r.tracer = tracer }
}

// WithErrorReporter sets a callback for recovered mod failures.
func WithErrorReporter(reporter ErrorReporter) Option {
	return func(r *Registry) { r.reporter = reporter }
}

// NewRegistry creates a Registry over deps. Every dependency must be set.
func NewRegistry(deps Dependencies, opts ...Option) *Registry {
	assert.That(deps.World != nil && deps.Archetypes != nil && deps.Plugins != nil &&
		deps.ModSystems != nil && deps.Pipeline != nil && deps.Bus != nil, "mod registry dependency missing")

	r := &Registry{
		deps:   deps,
		loaded: make(map[string]*Registration),
		order:  make([]string, 0),
		stages: make(map[string]Stage),
		logger: zerolog.Nop(),
		tracer: noop.NewTracerProvider().Tracer("mod"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadMod registers m. It returns false without side effects if m's id is empty or already loaded,
// or if another load or unload is in flight. If RegisterMod fails or panics, everything it
// registered is rolled back and LoadMod returns false.
func (r *Registry) LoadMod(m Mod) bool {
	id := m.ID()
	log := r.logger.With().Str("mod", id).Logger()

	switch {
	case id == "":
		log.Warn().Msg("mod has no id, not loading")
		return false
	case r.busy:
		log.Warn().Msg("mod load rejected, another mod transition is in flight")
		return false
	case r.stages[id] == StageLoaded:
		log.Warn().Msg("mod already loaded")
		return false
	}

	ctx, span := r.tracer.Start(context.Background(), "mod.load", trace.WithAttributes(attribute.String("mod.id", id)))
	defer span.End()

	r.busy = true
	defer func() { r.busy = false }()
	r.stages[id] = StageLoading

	before := r.snapshot()
	events := r.deps.Bus.Scope()
	err := callRegister(m, r.newContext(id, events, log))

	reg := diff(before, r.snapshot())
	reg.Mod = m
	reg.Events = events

	if err != nil {
		r.rollback(&reg)
		delete(r.stages, id)
		log.Warn().Err(err).Msg("mod registration failed, rolled back")
		r.fail(ctx, span, id, PhaseLoad, err)
		return false
	}

	for _, sid := range reg.ModSystemIDs {
		if !r.deps.ModSystems.IsBound(sid) {
			r.deps.ModSystems.BindSystemEventBus(sid, events)
			reg.BoundIDs = append(reg.BoundIDs, sid)
		}
	}

	r.loaded[id] = &reg
	r.order = append(r.order, id)
	r.stages[id] = StageLoaded
	log.Info().
		Int("abilities", len(reg.AbilityIDs)).
		Int("entity_types", len(reg.EntityTypeIDs)).
		Int("mod_systems", len(reg.ModSystemIDs)).
		Int("entity_systems", len(reg.EntitySystemIDs)).
		Int("archetypes", len(reg.ArchetypeIDs)).
		Int("stores", len(reg.StoreNames)).
		Int("listeners", events.Len()).
		Msg("mod loaded")
	return true
}

// UnloadMod tears down the mod with the given id. It calls UnregisterMod if the mod implements
// Unregisterer, ignoring its failures, then rolls back everything the mod registered. Returns
// false if the mod isn't loaded or another transition is in flight.
func (r *Registry) UnloadMod(id string) bool {
	log := r.logger.With().Str("mod", id).Logger()
	if r.busy {
		log.Warn().Msg("mod unload rejected, another mod transition is in flight")
		return false
	}
	reg, ok := r.loaded[id]
	if !ok {
		return false
	}

	ctx, span := r.tracer.Start(context.Background(), "mod.unload", trace.WithAttributes(attribute.String("mod.id", id)))
	defer span.End()

	r.busy = true
	defer func() { r.busy = false }()
	r.stages[id] = StageUnloading

	if u, ok := reg.Mod.(Unregisterer); ok {
		if err := callUnregister(id, u, r.newContext(id, reg.Events, log)); err != nil {
			log.Warn().Err(err).Msg("mod teardown failed, continuing unload")
			r.fail(ctx, span, id, PhaseUnload, err)
		}
	}

	r.rollback(reg)
	delete(r.loaded, id)
	delete(r.stages, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	log.Info().Msg("mod unloaded")
	return true
}

// UnloadAll unloads every mod in reverse load order.
func (r *Registry) UnloadAll() {
	for i := len(r.order) - 1; i >= 0; i-- {
		r.UnloadMod(r.order[i])
	}
}

// LoadedModIDs returns the loaded mod ids in load order.
func (r *Registry) LoadedModIDs() []string {
	return slices.Clone(r.order)
}

// IsLoaded reports whether the mod with the given id is loaded.
func (r *Registry) IsLoaded(id string) bool {
	_, ok := r.loaded[id]
	return ok
}

// ModCount returns the number of loaded mods.
func (r *Registry) ModCount() int {
	return len(r.loaded)
}

// Stage returns the lifecycle stage of the mod with the given id.
func (r *Registry) Stage(id string) Stage {
	if stage, ok := r.stages[id]; ok {
		return stage
	}
	return StageUnloaded
}

// Registration returns a copy of what the mod with the given id registered.
func (r *Registry) Registration(id string) (Registration, bool) {
	reg, ok := r.loaded[id]
	if !ok {
		return Registration{}, false
	}
	return reg.clone(), true
}

// EntitySystemOwner returns the id of the loaded mod that registered the entity system sysID.
func (r *Registry) EntitySystemOwner(sysID string) (string, bool) {
	for _, id := range r.order {
		if slices.Contains(r.loaded[id].EntitySystemIDs, sysID) {
			return id, true
		}
	}
	return "", false
}

// rollback removes everything in reg. Both failed loads and unloads go through here.
func (r *Registry) rollback(reg *Registration) {
	for _, id := range reg.AbilityIDs {
		r.deps.Plugins.UnregisterAbility(id)
	}
	for _, id := range reg.EntityTypeIDs {
		r.deps.Plugins.UnregisterEntityType(id)
	}
	for _, id := range reg.SystemPluginIDs {
		r.deps.Plugins.UnregisterSystemPlugin(id)
	}
	for _, id := range reg.ModSystemIDs {
		r.deps.ModSystems.UnregisterSystem(id)
	}
	for _, id := range reg.BoundIDs {
		r.deps.ModSystems.UnbindSystemEventBus(id)
	}
	for id, bus := range reg.priorBindings {
		r.deps.ModSystems.BindSystemEventBus(id, bus)
	}
	for _, id := range reg.EntitySystemIDs {
		r.deps.Pipeline.Unregister(id)
	}
	for _, id := range reg.ArchetypeIDs {
		r.deps.Archetypes.Unregister(id)
	}
	for _, name := range reg.StoreNames {
		r.deps.World.UnregisterStore(name)
	}
	reg.Events.RemoveAll()
}

func (r *Registry) newContext(id string, events *event.Scoped, log zerolog.Logger) *Context {
	return &Context{
		ModID:      id,
		World:      r.deps.World,
		Archetypes: r.deps.Archetypes,
		Plugins:    r.deps.Plugins,
		ModSystems: r.deps.ModSystems,
		Pipeline:   r.deps.Pipeline,
		Events:     events,
		Logger:     log,
	}
}

func (r *Registry) fail(ctx context.Context, span trace.Span, id, phase string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if r.reporter != nil {
		ctx = WithReportTag(ctx, TagMod, id)
		r.reporter(WithReportTag(ctx, TagPhase, phase), err)
	}
}

func callRegister(m Mod, ctx *Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("mod %s panicked during registration: %v", ctx.ModID, p)
		}
	}()
	if err := m.RegisterMod(ctx); err != nil {
		return eris.Wrapf(err, "mod %s failed to register", ctx.ModID)
	}
	return nil
}

func callUnregister(id string, u Unregisterer, ctx *Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("mod %s panicked during teardown: %v", id, p)
		}
	}()
	if err := u.UnregisterMod(ctx); err != nil {
		return eris.Wrapf(err, "mod %s failed to unregister", id)
	}
	return nil
}
