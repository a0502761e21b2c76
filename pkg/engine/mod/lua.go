package mod

import (
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Shopify/go-lua"
	"github.com/argus-labs/citadel/pkg/engine/ecs"
	"github.com/argus-labs/citadel/pkg/engine/event"
	"github.com/argus-labs/citadel/pkg/engine/modsystem"
	"github.com/argus-labs/citadel/pkg/engine/pipeline"
	"github.com/argus-labs/citadel/pkg/engine/plugin"
	"github.com/rotisserie/eris"
)

// luaCallbackPrefix namespaces script callbacks stored in the Lua registry.
const luaCallbackPrefix = "citadel.callback."

// LuaMod is a mod written in Lua. The script sets a global id (defaulting to the file name) and
// a global function register, and may define unregister. Both receive no arguments and talk to
// the engine through the global citadel table:
//
//	citadel.component(name)                          -- dynamic component store
//	citadel.archetype(id, {component, ...})
//	citadel.ability(id, fn(source, target, params), cooldown_seconds)
//	citadel.entity_type(id, archetype_id, defaults)
//	citadel.mod_system(id, fn(delta_seconds), priority)
//	citadel.system(id, fn(delta_seconds))            -- entity system
//	citadel.subscribe(topic, fn(payload))
//	citadel.publish(topic, payload)
//	citadel.create_entity(id) / destroy_entity(id) / mark_dead(id) / is_active(id)
//	citadel.set_component(name, entity, value) / get_component(name, entity)
//	citadel.spawn(entity_type, entity, overrides)
//	citadel.log(message)
//
// A LuaMod holds a single Lua state and must only be driven from the frame loop.
type LuaMod struct {
	id        string
	state     *lua.State
	ctx       *Context // Set while the mod is registering or loaded
	callbacks int      // Stored callback count, used for registry keys
}

var (
	_ Mod          = (*LuaMod)(nil)
	_ Unregisterer = (*LuaMod)(nil)
)

// NewLuaMod runs src and returns the mod it defines. name is used in error messages and as the id
// if the script doesn't set one.
func NewLuaMod(name, src string) (*LuaMod, error) {
	m := &LuaMod{state: lua.NewState()}
	lua.OpenLibraries(m.state)
	m.registerAPI()

	if err := lua.LoadString(m.state, src); err != nil {
		return nil, eris.Wrapf(err, "failed to load lua mod %s", name)
	}
	if err := m.state.ProtectedCall(0, 0, 0); err != nil {
		return nil, eris.Wrapf(err, "failed to run lua mod %s", name)
	}

	m.state.Global("id")
	id, ok := m.state.ToString(-1)
	m.state.Pop(1)
	if !ok || id == "" {
		id = name
	}
	m.id = id

	m.state.Global("register")
	isFn := m.state.IsFunction(-1)
	m.state.Pop(1)
	if !isFn {
		return nil, eris.Errorf("lua mod %s does not define a register function", name)
	}
	return m, nil
}

// LoadLuaFile reads the script at path. The id defaults to the file name without extension.
func LoadLuaFile(path string) (*LuaMod, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read lua mod %s", path)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return NewLuaMod(name, string(src))
}

// LoadLuaDir loads every *.lua file in dir, sorted by file name.
func LoadLuaDir(dir string) ([]*LuaMod, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to list lua mods in %s", dir)
	}
	slices.Sort(paths)

	mods := make([]*LuaMod, 0, len(paths))
	for _, path := range paths {
		m, err := LoadLuaFile(path)
		if err != nil {
			return nil, err
		}
		mods = append(mods, m)
	}
	return mods, nil
}

// ID returns the mod id.
func (m *LuaMod) ID() string {
	return m.id
}

// RegisterMod calls the script's register function.
func (m *LuaMod) RegisterMod(ctx *Context) error {
	m.ctx = ctx
	if err := m.callGlobal("register"); err != nil {
		m.ctx = nil
		return err
	}
	return nil
}

// UnregisterMod calls the script's unregister function if it has one.
func (m *LuaMod) UnregisterMod(*Context) error {
	defer func() { m.ctx = nil }()

	m.state.Global("unregister")
	isFn := m.state.IsFunction(-1)
	m.state.Pop(1)
	if !isFn {
		return nil
	}
	return m.callGlobal("unregister")
}

func (m *LuaMod) callGlobal(name string) error {
	m.state.Global(name)
	if err := m.state.ProtectedCall(0, 0, 0); err != nil {
		return eris.Wrapf(err, "lua mod %s: %s", m.id, name)
	}
	return nil
}

// -------------------------------------------------------------------------------------------------
// Script API
// -------------------------------------------------------------------------------------------------

func (m *LuaMod) registerAPI() {
	api := []lua.RegistryFunction{
		{Name: "component", Function: m.luaComponent},
		{Name: "archetype", Function: m.luaArchetype},
		{Name: "ability", Function: m.luaAbility},
		{Name: "entity_type", Function: m.luaEntityType},
		{Name: "mod_system", Function: m.luaModSystem},
		{Name: "system", Function: m.luaSystem},
		{Name: "subscribe", Function: m.luaSubscribe},
		{Name: "publish", Function: m.luaPublish},
		{Name: "create_entity", Function: m.luaCreateEntity},
		{Name: "destroy_entity", Function: m.luaDestroyEntity},
		{Name: "mark_dead", Function: m.luaMarkDead},
		{Name: "is_active", Function: m.luaIsActive},
		{Name: "set_component", Function: m.luaSetComponent},
		{Name: "get_component", Function: m.luaGetComponent},
		{Name: "spawn", Function: m.luaSpawn},
		{Name: "log", Function: m.luaLog},
	}
	m.state.NewTable()
	lua.SetFunctions(m.state, api, 0)
	m.state.SetGlobal("citadel")
}

// context returns the mod context or raises a Lua error when called outside registration.
func (m *LuaMod) context(state *lua.State) *Context {
	if m.ctx == nil {
		lua.Errorf(state, "mod %s is not loaded", m.id)
	}
	return m.ctx
}

func (m *LuaMod) raise(state *lua.State, err error) {
	if err != nil {
		lua.Errorf(state, "%s", err.Error())
	}
}

func (m *LuaMod) luaComponent(state *lua.State) int {
	ctx := m.context(state)
	_, err := ctx.World.RegisterDynamic(lua.CheckString(state, 1))
	m.raise(state, err)
	return 0
}

func (m *LuaMod) luaArchetype(state *lua.State) int {
	ctx := m.context(state)
	id := lua.CheckString(state, 1)
	lua.CheckType(state, 2, lua.TypeTable)

	names, _ := tableToGo(state, 2).([]any)
	comps := make([]ecs.ComponentType, 0, len(names))
	for _, n := range names {
		name, ok := n.(string)
		if !ok {
			lua.ArgumentError(state, 2, "component names must be strings")
		}
		comps = append(comps, ecs.NewComponentDef[any](name))
	}
	m.raise(state, ctx.Archetypes.Register(ecs.NewArchetype(id, comps...)))
	return 0
}

func (m *LuaMod) luaAbility(state *lua.State) int {
	ctx := m.context(state)
	id := lua.CheckString(state, 1)
	lua.CheckType(state, 2, lua.TypeFunction)
	cooldown := lua.OptNumber(state, 3, 0)

	key := m.storeCallback(state, 2, "ability."+id)
	m.raise(state, ctx.Plugins.RegisterAbility(plugin.Ability{
		ID:       id,
		Cooldown: time.Duration(cooldown * float64(time.Second)),
		Activate: func(actx plugin.ActivationContext) error {
			return m.invoke(key, string(actx.Source), string(actx.Target), actx.Params)
		},
	}))
	return 0
}

func (m *LuaMod) luaEntityType(state *lua.State) int {
	ctx := m.context(state)
	et := plugin.EntityType{
		ID:          lua.CheckString(state, 1),
		ArchetypeID: lua.CheckString(state, 2),
		Defaults:    optionalTable(state, 3),
	}
	m.raise(state, ctx.Plugins.RegisterEntityType(et))
	return 0
}

func (m *LuaMod) luaModSystem(state *lua.State) int {
	ctx := m.context(state)
	id := lua.CheckString(state, 1)
	lua.CheckType(state, 2, lua.TypeFunction)
	priority := lua.OptInteger(state, 3, 0)

	key := m.storeCallback(state, 2, "mod_system."+id)
	m.raise(state, ctx.ModSystems.RegisterSystem(id, func(delta time.Duration, _ modsystem.Context) error {
		return m.invoke(key, delta.Seconds())
	}, priority))
	return 0
}

func (m *LuaMod) luaSystem(state *lua.State) int {
	ctx := m.context(state)
	id := lua.CheckString(state, 1)
	lua.CheckType(state, 2, lua.TypeFunction)

	key := m.storeCallback(state, 2, "system."+id)
	m.raise(state, ctx.Pipeline.Register(pipeline.NewSystem(id, func(delta time.Duration) error {
		return m.invoke(key, delta.Seconds())
	})))
	return 0
}

func (m *LuaMod) luaSubscribe(state *lua.State) int {
	ctx := m.context(state)
	topic := lua.CheckString(state, 1)
	lua.CheckType(state, 2, lua.TypeFunction)

	key := m.storeCallback(state, 2, "subscribe."+topic)
	ctx.Events.Subscribe(topic, func(e event.Event) error {
		return m.invoke(key, e.Payload)
	})
	return 0
}

func (m *LuaMod) luaPublish(state *lua.State) int {
	ctx := m.context(state)
	topic := lua.CheckString(state, 1)
	m.raise(state, ctx.Events.Publish(topic, luaToGo(state, 2)))
	return 0
}

func (m *LuaMod) luaCreateEntity(state *lua.State) int {
	m.context(state).World.CreateEntity(ecs.EntityID(lua.CheckString(state, 1)))
	return 0
}

func (m *LuaMod) luaDestroyEntity(state *lua.State) int {
	state.PushBoolean(m.context(state).World.DestroyEntity(ecs.EntityID(lua.CheckString(state, 1))))
	return 1
}

func (m *LuaMod) luaMarkDead(state *lua.State) int {
	state.PushBoolean(m.context(state).World.MarkDead(ecs.EntityID(lua.CheckString(state, 1))))
	return 1
}

func (m *LuaMod) luaIsActive(state *lua.State) int {
	state.PushBoolean(m.context(state).World.IsActive(ecs.EntityID(lua.CheckString(state, 1))))
	return 1
}

func (m *LuaMod) luaSetComponent(state *lua.State) int {
	ctx := m.context(state)
	name := lua.CheckString(state, 1)
	id := ecs.EntityID(lua.CheckString(state, 2))

	store, ok := ctx.World.StoreByName(name)
	if !ok {
		lua.Errorf(state, "component %s is not registered", name)
	}
	m.raise(state, store.SetAny(id, luaToGo(state, 3)))
	return 0
}

func (m *LuaMod) luaGetComponent(state *lua.State) int {
	ctx := m.context(state)
	name := lua.CheckString(state, 1)
	id := ecs.EntityID(lua.CheckString(state, 2))

	store, ok := ctx.World.StoreByName(name)
	if !ok {
		state.PushNil()
		return 1
	}
	value, _ := store.GetAny(id)
	pushGo(state, value)
	return 1
}

func (m *LuaMod) luaSpawn(state *lua.State) int {
	ctx := m.context(state)
	typeID := lua.CheckString(state, 1)
	id := ecs.EntityID(lua.CheckString(state, 2))
	overrides := optionalTable(state, 3)
	m.raise(state, ctx.Plugins.Spawn(ctx.World, ctx.Archetypes, typeID, id, overrides))
	return 0
}

func (m *LuaMod) luaLog(state *lua.State) int {
	ctx := m.context(state)
	ctx.Logger.Info().Msg(lua.CheckString(state, 1))
	return 0
}

// -------------------------------------------------------------------------------------------------
// Callbacks
// -------------------------------------------------------------------------------------------------

// storeCallback saves the function at index in the Lua registry and returns its key. Every call
// gets a fresh key.
func (m *LuaMod) storeCallback(state *lua.State, index int, name string) string {
	m.callbacks++
	key := luaCallbackPrefix + name + "#" + strconv.Itoa(m.callbacks)
	state.PushValue(index)
	state.SetField(lua.RegistryIndex, key)
	return key
}

// invoke calls the stored callback with args converted to Lua values.
func (m *LuaMod) invoke(key string, args ...any) error {
	m.state.Field(lua.RegistryIndex, key)
	if !m.state.IsFunction(-1) {
		m.state.Pop(1)
		return eris.Errorf("lua mod %s: callback %s is gone", m.id, strings.TrimPrefix(key, luaCallbackPrefix))
	}
	for _, arg := range args {
		pushGo(m.state, arg)
	}
	if err := m.state.ProtectedCall(len(args), 0, 0); err != nil {
		return eris.Wrapf(err, "lua mod %s: %s", m.id, strings.TrimPrefix(key, luaCallbackPrefix))
	}
	return nil
}

// -------------------------------------------------------------------------------------------------
// Value conversion
// -------------------------------------------------------------------------------------------------

func optionalTable(state *lua.State, index int) map[string]any {
	if state.IsNoneOrNil(index) || state.TypeOf(index) != lua.TypeTable {
		return map[string]any{}
	}
	return tableToMap(state, index)
}

func tableToMap(state *lua.State, index int) map[string]any {
	output := map[string]any{}
	index = state.AbsIndex(index)
	state.PushNil()
	for state.Next(index) {
		switch state.TypeOf(-2) {
		case lua.TypeString:
			key, _ := state.ToString(-2)
			output[key] = luaToGo(state, -1)
		case lua.TypeNumber:
			// Formatted without ToString, which would convert the key in place and break Next.
			key, _ := state.ToNumber(-2)
			output[strconv.FormatFloat(key, 'g', -1, 64)] = luaToGo(state, -1)
		case lua.TypeBoolean:
			output[strconv.FormatBool(state.ToBoolean(-2))] = luaToGo(state, -1)
		}
		state.Pop(1)
	}
	return output
}

func luaToGo(state *lua.State, index int) any {
	switch state.TypeOf(index) {
	case lua.TypeString:
		value, _ := state.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := state.ToNumber(index)
		if i, ok := integral(value); ok {
			return i
		}
		return value
	case lua.TypeBoolean:
		return state.ToBoolean(index)
	case lua.TypeTable:
		return tableToGo(state, index)
	case lua.TypeUserData:
		return state.ToUserData(index)
	default:
		return nil
	}
}

// integral returns v as an int if it is a whole number the int range can hold exactly.
func integral(v float64) (int, bool) {
	if v != math.Trunc(v) || v < math.MinInt || v >= math.MaxInt {
		return 0, false
	}
	return int(v), true
}

// tableToGo converts sequences to []any and every other table to map[string]any.
func tableToGo(state *lua.State, index int) any {
	index = state.AbsIndex(index)
	isArray := true
	maxIndex := 0
	count := 0
	state.PushNil()
	for state.Next(index) {
		if isArray {
			key, isNumber := state.ToNumber(-2)
			if idx, ok := integral(key); ok && isNumber && state.TypeOf(-2) == lua.TypeNumber && idx > 0 {
				count++
				maxIndex = max(maxIndex, idx)
			} else {
				isArray = false
			}
		}
		state.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		result := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			state.RawGetInt(index, i)
			result = append(result, luaToGo(state, -1))
			state.Pop(1)
		}
		return result
	}
	return tableToMap(state, index)
}

func pushGo(state *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		state.PushNil()
	case string:
		state.PushString(v)
	case ecs.EntityID:
		state.PushString(string(v))
	case bool:
		state.PushBoolean(v)
	case int:
		state.PushInteger(v)
	case int64:
		state.PushNumber(float64(v))
	case float64:
		state.PushNumber(v)
	case float32:
		state.PushNumber(float64(v))
	case map[string]any:
		state.CreateTable(0, len(v))
		for key, elem := range v {
			pushGo(state, elem)
			state.SetField(-2, key)
		}
	case []any:
		state.CreateTable(len(v), 0)
		for i, elem := range v {
			pushGo(state, elem)
			state.RawSetInt(-2, i+1)
		}
	default:
		state.PushUserData(v)
	}
}
