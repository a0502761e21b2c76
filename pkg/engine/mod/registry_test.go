package mod_test

import (
	"context"
	"testing"
	"time"

	"github.com/argus-labs/citadel/pkg/engine/ecs"
	"github.com/argus-labs/citadel/pkg/engine/event"
	"github.com/argus-labs/citadel/pkg/engine/mod"
	"github.com/argus-labs/citadel/pkg/engine/modsystem"
	"github.com/argus-labs/citadel/pkg/engine/pipeline"
	"github.com/argus-labs/citadel/pkg/engine/plugin"
	"github.com/argus-labs/citadel/pkg/testutils"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testMod is a mod built from closures.
type testMod struct {
	id         string
	register   func(ctx *mod.Context) error
	unregister func(ctx *mod.Context) error
}

func (m *testMod) ID() string { return m.id }

func (m *testMod) RegisterMod(ctx *mod.Context) error {
	if m.register == nil {
		return nil
	}
	return m.register(ctx)
}

func (m *testMod) UnregisterMod(ctx *mod.Context) error {
	if m.unregister == nil {
		return nil
	}
	return m.unregister(ctx)
}

func newDeps() mod.Dependencies {
	return mod.Dependencies{
		World:      ecs.NewWorld(),
		Archetypes: ecs.NewArchetypeRegistry(),
		Plugins:    plugin.NewRegistry(),
		ModSystems: modsystem.NewRegistry(),
		Pipeline:   pipeline.New(nil),
		Bus:        event.NewBus(),
	}
}

// catalogs captures every id set a mod can touch plus the listener count.
func catalogs(d mod.Dependencies) map[string]any {
	return map[string]any{
		"abilities":      d.Plugins.AbilityIDs(),
		"entity_types":   d.Plugins.EntityTypeIDs(),
		"system_plugins": d.Plugins.SystemPluginIDs(),
		"mod_systems":    d.ModSystems.IDs(),
		"entity_systems": d.Pipeline.IDs(),
		"archetypes":     d.Archetypes.IDs(),
		"stores":         d.World.StoreNames(),
		"bindings":       d.ModSystems.BoundIDs(),
		"listeners":      d.Bus.Len(),
	}
}

// seedHost registers host-owned content in every catalog.
func seedHost(t *testing.T, d mod.Dependencies) {
	t.Helper()
	hp := ecs.NewComponentDef[testutils.Health]("hp")
	ecs.MustRegister(d.World, hp)
	require.NoError(t, d.Archetypes.Register(ecs.NewArchetype("unit", hp)))
	require.NoError(t, d.Plugins.RegisterAbility(plugin.Ability{ID: "host-strike"}))
	require.NoError(t, d.Plugins.RegisterEntityType(plugin.EntityType{ID: "host-unit", ArchetypeID: "unit"}))
	require.NoError(t, d.Plugins.RegisterSystemPlugin(plugin.SystemPlugin{
		ID:  "host-plugin",
		New: func(*ecs.World) pipeline.System { return pipeline.NewSystem("host-plugin", nil) },
	}))
	require.NoError(t, d.ModSystems.RegisterSystem("host-modsys", noopTick, 0))
	d.ModSystems.BindSystemEventBus("host-modsys", d.Bus.Scope())
	require.NoError(t, d.Pipeline.Register(pipeline.NewSystem("host-sys", func(time.Duration) error { return nil })))
	d.Bus.Subscribe("wave", func(event.Event) error { return nil })
}

func noopTick(time.Duration, modsystem.Context) error { return nil }

// registerEverything adds one resource of every kind.
func registerEverything(ctx *mod.Context) error {
	if _, err := ctx.World.RegisterDynamic("shield"); err != nil {
		return err
	}
	if err := ctx.Archetypes.Register(ecs.NewArchetype("shielded", ecs.NewComponentDef[any]("shield"))); err != nil {
		return err
	}
	if err := ctx.Plugins.RegisterAbility(plugin.Ability{ID: "mod-bash"}); err != nil {
		return err
	}
	if err := ctx.Plugins.RegisterEntityType(plugin.EntityType{ID: "mod-guard", ArchetypeID: "shielded"}); err != nil {
		return err
	}
	if err := ctx.Plugins.RegisterSystemPlugin(plugin.SystemPlugin{
		ID:  "mod-plugin",
		New: func(*ecs.World) pipeline.System { return pipeline.NewSystem("mod-plugin", nil) },
	}); err != nil {
		return err
	}
	if err := ctx.ModSystems.RegisterSystem("mod-modsys", noopTick, 1); err != nil {
		return err
	}
	if err := ctx.Pipeline.Register(pipeline.NewSystem("mod-sys", func(time.Duration) error { return nil })); err != nil {
		return err
	}
	ctx.Events.Subscribe("wave", func(event.Event) error { return nil })
	ctx.Events.Subscribe("death", func(event.Event) error { return nil })
	return nil
}

func TestRegistry_RoundTrip(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	seedHost(t, deps)
	before := catalogs(deps)
	r := mod.NewRegistry(deps)

	require.True(t, r.LoadMod(&testMod{id: "everything", register: registerEverything}))
	assert.True(t, r.IsLoaded("everything"))
	assert.Equal(t, mod.StageLoaded, r.Stage("everything"))

	reg, ok := r.Registration("everything")
	require.True(t, ok)
	assert.Equal(t, []string{"mod-bash"}, reg.AbilityIDs)
	assert.Equal(t, []string{"mod-guard"}, reg.EntityTypeIDs)
	assert.Equal(t, []string{"mod-plugin"}, reg.SystemPluginIDs)
	assert.Equal(t, []string{"mod-modsys"}, reg.ModSystemIDs)
	assert.Equal(t, []string{"mod-sys"}, reg.EntitySystemIDs)
	assert.Equal(t, []string{"shielded"}, reg.ArchetypeIDs)
	assert.Equal(t, []string{"shield"}, reg.StoreNames)
	assert.Equal(t, 2, reg.Events.Len())

	require.True(t, r.UnloadMod("everything"))
	assert.Equal(t, before, catalogs(deps))
	assert.False(t, r.IsLoaded("everything"))
	assert.Equal(t, mod.StageUnloaded, r.Stage("everything"))
	assert.Zero(t, r.ModCount())

	// The same mod can be loaded again afterwards.
	require.True(t, r.LoadMod(&testMod{id: "everything", register: registerEverything}))
}

func TestRegistry_FailedLoadLeavesNoResidue(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		fail func()
	}{
		{name: "error"},
		{name: "panic", fail: func() { panic("mod exploded") }},
		{name: "panic with error", fail: func() { panic(eris.New("mod exploded")) }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			deps := newDeps()
			seedHost(t, deps)
			before := catalogs(deps)

			var reported []error
			var tags baggage.Baggage
			r := mod.NewRegistry(deps, mod.WithErrorReporter(func(ctx context.Context, err error) {
				reported = append(reported, err)
				tags = baggage.FromContext(ctx)
			}))

			ok := r.LoadMod(&testMod{id: "broken", register: func(ctx *mod.Context) error {
				require.NoError(t, ctx.Plugins.RegisterAbility(plugin.Ability{ID: "fireball"}))
				require.NoError(t, ctx.Plugins.RegisterAbility(plugin.Ability{ID: "frostbolt"}))
				ctx.Events.Subscribe("wave", func(event.Event) error { return nil })
				_, err := ctx.World.RegisterDynamic("mana")
				require.NoError(t, err)
				if tc.fail != nil {
					tc.fail()
				}
				return eris.New("mod failed")
			}})

			assert.False(t, ok)
			assert.False(t, r.IsLoaded("broken"))
			assert.NotContains(t, r.LoadedModIDs(), "broken")
			assert.Equal(t, mod.StageUnloaded, r.Stage("broken"))
			_, ok = deps.Plugins.Ability("fireball")
			assert.False(t, ok)
			_, ok = deps.Plugins.Ability("frostbolt")
			assert.False(t, ok)
			assert.Equal(t, before, catalogs(deps))
			assert.Len(t, reported, 1)
			assert.Equal(t, "broken", tags.Member(mod.TagMod).Value())
			assert.Equal(t, mod.PhaseLoad, tags.Member(mod.TagPhase).Value())
		})
	}
}

func TestRegistry_ExistingIDsNeverRolledBack(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	seedHost(t, deps)
	r := mod.NewRegistry(deps)

	// Registering a host ability is a duplicate, so the load fails, yet the host ability stays.
	assert.False(t, r.LoadMod(&testMod{id: "clash", register: func(ctx *mod.Context) error {
		return ctx.Plugins.RegisterAbility(plugin.Ability{ID: "host-strike"})
	}}))
	_, ok := deps.Plugins.Ability("host-strike")
	assert.True(t, ok)

	// Replacing a host mod system is not an addition and survives unload.
	require.True(t, r.LoadMod(&testMod{id: "override", register: func(ctx *mod.Context) error {
		return ctx.ModSystems.RegisterSystem("host-modsys", noopTick, 5)
	}}))
	reg, _ := r.Registration("override")
	assert.Empty(t, reg.ModSystemIDs)
	require.True(t, r.UnloadMod("override"))
	assert.True(t, deps.ModSystems.Has("host-modsys"))
}

func TestRegistry_UnloadAllIsLIFO(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	r := mod.NewRegistry(deps)

	var calls []string
	for _, id := range []string{"m1", "m2", "m3"} {
		require.True(t, r.LoadMod(&testMod{id: id, unregister: func(*mod.Context) error {
			calls = append(calls, id)
			return nil
		}}))
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, r.LoadedModIDs())
	assert.Equal(t, 3, r.ModCount())

	r.UnloadAll()
	assert.Equal(t, []string{"m3", "m2", "m1"}, calls)
	assert.Zero(t, r.ModCount())
	assert.Empty(t, r.LoadedModIDs())
}

func TestRegistry_LoadRejections(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	r := mod.NewRegistry(deps)

	calls := 0
	m := &testMod{id: "once", register: func(*mod.Context) error {
		calls++
		return nil
	}}
	require.True(t, r.LoadMod(m))
	assert.False(t, r.LoadMod(m), "already loaded")
	assert.Equal(t, 1, calls, "duplicate load has no side effects")

	assert.False(t, r.LoadMod(&testMod{id: ""}))
	assert.False(t, r.UnloadMod("unknown"))
}

func TestRegistry_RejectsReentrantTransitions(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	r := mod.NewRegistry(deps)
	require.True(t, r.LoadMod(&testMod{id: "base"}))

	var innerLoad, innerUnload bool
	var stageDuringLoad mod.Stage
	require.True(t, r.LoadMod(&testMod{id: "outer", register: func(*mod.Context) error {
		stageDuringLoad = r.Stage("outer")
		innerLoad = r.LoadMod(&testMod{id: "inner"})
		innerUnload = r.UnloadMod("base")
		return nil
	}}))

	assert.Equal(t, mod.StageLoading, stageDuringLoad)
	assert.False(t, innerLoad)
	assert.False(t, innerUnload)
	assert.False(t, r.IsLoaded("inner"))
	assert.True(t, r.IsLoaded("base"))

	var stageDuringUnload mod.Stage
	require.True(t, r.LoadMod(&testMod{id: "watcher", unregister: func(*mod.Context) error {
		stageDuringUnload = r.Stage("watcher")
		return nil
	}}))
	require.True(t, r.UnloadMod("watcher"))
	assert.Equal(t, mod.StageUnloading, stageDuringUnload)
}

func TestRegistry_TeardownFailuresAreSwallowed(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		unregister func(*mod.Context) error
	}{
		{name: "error", unregister: func(*mod.Context) error { return eris.New("teardown failed") }},
		{name: "panic", unregister: func(*mod.Context) error { panic("teardown exploded") }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			deps := newDeps()
			before := catalogs(deps)
			r := mod.NewRegistry(deps)

			require.True(t, r.LoadMod(&testMod{
				id:         "messy",
				register:   registerEverything,
				unregister: tc.unregister,
			}))
			assert.True(t, r.UnloadMod("messy"))
			assert.False(t, r.IsLoaded("messy"))
			assert.Equal(t, before, catalogs(deps))
		})
	}
}

func TestRegistry_ModSystemsBoundToModBus(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	r := mod.NewRegistry(deps)

	var heard []any
	deps.Bus.Subscribe("tick", func(e event.Event) error {
		heard = append(heard, e.Payload)
		return nil
	})

	var modEvents *event.Scoped
	require.True(t, r.LoadMod(&testMod{id: "ticker", register: func(ctx *mod.Context) error {
		modEvents = ctx.Events
		return ctx.ModSystems.RegisterSystem("ticker", func(_ time.Duration, sctx modsystem.Context) error {
			if sctx.Events != modEvents {
				return eris.New("wrong bus")
			}
			return sctx.Events.Publish("tick", sctx.SystemID)
		}, 0)
	}}))

	require.NoError(t, deps.ModSystems.RunAll(time.Millisecond, nil))
	assert.Equal(t, []any{"ticker"}, heard)

	require.True(t, r.UnloadMod("ticker"))
	assert.False(t, deps.ModSystems.IsBound("ticker"))
}

func TestRegistry_BindingsRolledBack(t *testing.T) {
	t.Parallel()

	t.Run("failed load drops its bindings", func(t *testing.T) {
		t.Parallel()

		deps := newDeps()
		r := mod.NewRegistry(deps)

		assert.False(t, r.LoadMod(&testMod{id: "haunted", register: func(ctx *mod.Context) error {
			ctx.ModSystems.BindSystemEventBus("ghost", ctx.Events)
			panic("boo")
		}}))
		assert.False(t, deps.ModSystems.IsBound("ghost"))
		assert.Empty(t, deps.ModSystems.BoundIDs())
	})

	testCases := []struct {
		name    string
		failing bool
	}{
		{name: "unload restores host bindings"},
		{name: "failed load restores host bindings", failing: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			deps := newDeps()
			hostBus := deps.Bus.Scope()
			sharedBus := deps.Bus.Scope()
			require.NoError(t, deps.ModSystems.RegisterSystem("host-modsys", noopTick, 0))
			deps.ModSystems.BindSystemEventBus("host-modsys", hostBus)
			deps.ModSystems.BindSystemEventBus("shared", sharedBus)
			r := mod.NewRegistry(deps)

			loaded := r.LoadMod(&testMod{id: "rebinder", register: func(ctx *mod.Context) error {
				if err := ctx.ModSystems.RegisterSystem("shared", noopTick, 1); err != nil {
					return err
				}
				ctx.ModSystems.BindSystemEventBus("host-modsys", ctx.Events)
				if tc.failing {
					return eris.New("bad config")
				}
				return nil
			}})
			require.Equal(t, !tc.failing, loaded)

			if loaded {
				reg, ok := r.Registration("rebinder")
				require.True(t, ok)
				assert.Equal(t, []string{"shared"}, reg.ModSystemIDs)
				assert.Equal(t, []string{"host-modsys"}, reg.BoundIDs)

				bus, _ := deps.ModSystems.Binding("host-modsys")
				assert.Same(t, reg.Events, bus)
				require.True(t, r.UnloadMod("rebinder"))
			}

			assert.False(t, deps.ModSystems.Has("shared"))
			bus, ok := deps.ModSystems.Binding("shared")
			require.True(t, ok)
			assert.Same(t, sharedBus, bus)
			bus, ok = deps.ModSystems.Binding("host-modsys")
			require.True(t, ok)
			assert.Same(t, hostBus, bus)
		})
	}
}

func TestRegistry_ScopedEventsIsolation(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	r := mod.NewRegistry(deps)
	hostSub := deps.Bus.Subscribe("wave", func(event.Event) error { return nil })

	var removedHost bool
	require.True(t, r.LoadMod(&testMod{id: "sneaky", register: func(ctx *mod.Context) error {
		removedHost = ctx.Events.Unsubscribe(hostSub)
		ctx.Events.Subscribe("wave", func(event.Event) error { return nil })
		return nil
	}}))
	assert.False(t, removedHost)
	assert.Equal(t, 2, deps.Bus.SubscriberCount("wave"))

	require.True(t, r.UnloadMod("sneaky"))
	assert.Equal(t, 1, deps.Bus.SubscriberCount("wave"))
}

func TestRegistry_Tracing(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	r := mod.NewRegistry(newDeps(), mod.WithTracer(provider.Tracer("test")))

	require.True(t, r.LoadMod(&testMod{id: "good"}))
	require.False(t, r.LoadMod(&testMod{id: "bad", register: func(*mod.Context) error {
		return eris.New("nope")
	}}))
	require.True(t, r.UnloadMod("good"))

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "mod.load", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "mod.load", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "mod.unload", spans[2].Name())
}
