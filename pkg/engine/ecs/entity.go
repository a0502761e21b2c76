package ecs

import "github.com/argus-labs/citadel/pkg/assert"

// EntityID is an opaque entity identifier. An entity has no intrinsic data, it exists while its id
// is in the World's active set.
type EntityID string

// slotIndex interns entity ids into dense uint32 slots so entity sets and store membership can be
// kept as bitmaps. A slot is held by the World's active set and by every store with a value for
// it, and is recycled when the last holder releases it.
type slotIndex struct {
	slots map[EntityID]uint32 // id -> slot
	ids   []EntityID          // slot -> id, empty string when the slot is free
	refs  []uint32            // slot -> number of holders
	free  []uint32            // recycled slots, used LIFO
}

func newSlotIndex() slotIndex {
	return slotIndex{
		slots: make(map[EntityID]uint32),
		ids:   make([]EntityID, 0),
		refs:  make([]uint32, 0),
		free:  make([]uint32, 0),
	}
}

// intern returns the slot for id, allocating one if needed.
func (x *slotIndex) intern(id EntityID) uint32 {
	if slot, ok := x.slots[id]; ok {
		return slot
	}

	var slot uint32
	if n := len(x.free); n > 0 {
		slot = x.free[n-1]
		x.free = x.free[:n-1]
		x.ids[slot] = id
	} else {
		slot = uint32(len(x.ids)) //nolint:gosec // entity counts stay far below MaxUint32
		x.ids = append(x.ids, id)
		x.refs = append(x.refs, 0)
	}
	x.slots[id] = slot
	return slot
}

// lookup returns the slot for id without allocating.
func (x *slotIndex) lookup(id EntityID) (uint32, bool) {
	slot, ok := x.slots[id]
	return slot, ok
}

// id returns the entity id that owns slot.
func (x *slotIndex) id(slot uint32) EntityID {
	assert.That(int(slot) < len(x.ids), "slot %d out of range", slot)
	return x.ids[slot]
}

// retain records one more holder of slot. Each holder sets slot in exactly one bitmap.
func (x *slotIndex) retain(slot uint32) {
	x.refs[slot]++
}

// release drops one holder of id's slot and returns the slot to the free list once no holder is
// left. The caller has already cleared its bitmap bit.
func (x *slotIndex) release(id EntityID) {
	slot, ok := x.slots[id]
	if !ok {
		return
	}
	if x.refs[slot] > 0 {
		x.refs[slot]--
	}
	if x.refs[slot] > 0 {
		return
	}
	delete(x.slots, id)
	x.ids[slot] = ""
	x.free = append(x.free, slot)
}

// len returns the number of interned ids.
func (x *slotIndex) len() int {
	return len(x.slots)
}
