package mod

import (
	"maps"
	"slices"

	"github.com/argus-labs/citadel/pkg/engine/event"
)

// snapshot is the id set of every catalog a mod can add to.
type snapshot struct {
	abilities     []string
	entityTypes   []string
	systemPlugins []string
	modSystems    []string
	entitySystems []string
	archetypes    []string
	stores        []string
	bindings      map[string]*event.Scoped // Mod system id -> bound bus
}

func (r *Registry) snapshot() snapshot {
	return snapshot{
		abilities:     r.deps.Plugins.AbilityIDs(),
		entityTypes:   r.deps.Plugins.EntityTypeIDs(),
		systemPlugins: r.deps.Plugins.SystemPluginIDs(),
		modSystems:    r.deps.ModSystems.IDs(),
		entitySystems: r.deps.Pipeline.IDs(),
		archetypes:    r.deps.Archetypes.IDs(),
		stores:        r.deps.World.StoreNames(),
		bindings:      r.bindings(),
	}
}

func (r *Registry) bindings() map[string]*event.Scoped {
	ids := r.deps.ModSystems.BoundIDs()
	out := make(map[string]*event.Scoped, len(ids))
	for _, id := range ids {
		out[id], _ = r.deps.ModSystems.Binding(id)
	}
	return out
}

// diff returns the registration made of ids in after that are not in before.
func diff(before, after snapshot) Registration {
	reg := Registration{
		AbilityIDs:      added(before.abilities, after.abilities),
		EntityTypeIDs:   added(before.entityTypes, after.entityTypes),
		SystemPluginIDs: added(before.systemPlugins, after.systemPlugins),
		ModSystemIDs:    added(before.modSystems, after.modSystems),
		EntitySystemIDs: added(before.entitySystems, after.entitySystems),
		ArchetypeIDs:    added(before.archetypes, after.archetypes),
		StoreNames:      added(before.stores, after.stores),
	}
	reg.BoundIDs, reg.priorBindings = diffBindings(before.bindings, after.bindings, reg.ModSystemIDs)
	return reg
}

// diffBindings returns the ids bound or rebound between before and after, and the bindings from
// before that a rollback must put back: the ones changed or removed, and the ones of mod system
// ids that did not exist before, since unregistering those systems drops their binding.
func diffBindings(before, after map[string]*event.Scoped, newSystems []string) ([]string, map[string]*event.Scoped) {
	bound := make([]string, 0)
	prior := make(map[string]*event.Scoped)

	for _, id := range slices.Sorted(maps.Keys(after)) {
		prev, existed := before[id]
		if existed && prev == after[id] {
			continue
		}
		bound = append(bound, id)
		if existed {
			prior[id] = prev
		}
	}
	for id, prev := range before {
		if _, ok := after[id]; !ok {
			prior[id] = prev
		}
	}
	for _, id := range newSystems {
		if prev, ok := before[id]; ok {
			prior[id] = prev
		}
	}
	return bound, prior
}

// added returns the elements of after missing from before, in after's order.
func added(before, after []string) []string {
	seen := make(map[string]struct{}, len(before))
	for _, id := range before {
		seen[id] = struct{}{}
	}
	out := make([]string, 0)
	for _, id := range after {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
