// Package slabmeta implements the per-slab metadata state machine from
// spec section 4.3: a slab is Active (on a sizeclass's available set),
// Laden (sleeping because it is too full to be useful), Empty (fully
// drained, about to be handed back to the backend) or Large (a single
// oversized allocation masquerading as a one-object slab).
//
// Metadata objects are allocated by the backend (backend.Interface's
// AllocMetaData) but exclusively mutated by the one CoreAllocator that
// owns the slab; the intrusive Next link lets that owner keep Metadata
// on singly-linked available/laden sets without any further allocation,
// the same role pkg/store/linkedlist.node's next/prev pointers play for
// a generic intrusive list, simplified here to a forward-only list since
// membership removal is always owner-driven and by address, never by
// position.
package slabmeta

import (
	"github.com/fmstephe/snmallocator/freelist"
	"github.com/fmstephe/snmallocator/sizeclass"
)

// Transition reports what a state-machine operation did to a Metadata's
// set membership, so the caller (corealloc) can react without
// re-deriving it from Needed/Sleeping.
type Transition int

const (
	// StillActive: remains wherever it already was.
	StillActive Transition = iota
	// WentLaden: the slab has just fallen asleep; move it from the
	// available set to the laden set.
	WentLaden
	// Woken: the slab has just accumulated enough frees to be useful
	// again; move it from the laden set to the available set.
	Woken
	// BecameEmpty: every object originally on the slab has been
	// returned; remove it from whatever set it was on and hand the
	// chunk back to the backend.
	BecameEmpty
)

// Metadata is one slab's bookkeeping. Spec section 3's invariants are
// maintained by construction: a Metadata is always reachable from
// exactly one of a sizeclass's available set, the laden set, or (once
// BecameEmpty is returned) nothing at all.
type Metadata struct {
	freeQueue freelist.Builder

	// needed mixes two meanings depending on sleeping, per spec section
	// 3: frees-until-interesting-again when sleeping, frees-until-empty
	// when not.
	needed uint64

	sleeping bool
	large    bool

	// Next is the intrusive link used by corealloc's per-sizeclass
	// available set and laden set. Owner-only; never touched by a
	// foreign thread.
	Next *Metadata

	// ChunkAddr and ChunkSize identify the slab's backing memory, so
	// the slab can be hollowed out and returned to the backend once
	// BecameEmpty fires without a separate lookup.
	ChunkAddr uintptr
	ChunkSize uintptr

	// Sizeclass is fixed for the lifetime of this Metadata.
	Sizeclass sizeclass.Sizeclass
}

// Initialise builds a synthetic free list covering every object slot in
// a freshly backend-allocated slab and marks it Active, per spec section
// 4.3's "fresh (backend) -- initialise(sc) -- Active" transition.
// makeObject(i) must return the address of object index i within the
// slab; Initialise calls it exactly cfg.Capacity(sc) times, in order.
// Without key randomization the free list it builds hands objects out
// lowest-address-first on the very first allocation.
func (m *Metadata) Initialise(sc sizeclass.Sizeclass, cfg *sizeclass.Config, key freelist.Key, makeObject func(i uint64) freelist.Object) {
	*m = Metadata{
		Sizeclass: sc,
		sleeping:  false,
	}

	capacity := cfg.Capacity(sc)
	for i := uint64(0); i < capacity; i++ {
		m.freeQueue.Add(makeObject(i), key)
	}

	m.needed = capacity - cfg.Waking(sc)
}

// InitialiseLarge marks m as a large, single-object slab. Large slabs
// never participate in free-list bookkeeping; needed is always 1 until
// the one object is freed.
func (m *Metadata) InitialiseLarge(chunkAddr, chunkSize uintptr) {
	*m = Metadata{
		large:     true,
		sleeping:  true,
		needed:    1,
		ChunkAddr: chunkAddr,
		ChunkSize: chunkSize,
	}
}

// Large reports whether m describes a large single-object allocation.
func (m *Metadata) Large() bool {
	return m.large
}

// Sleeping reports whether m is currently on the laden set (or is a
// large allocation, which is always considered sleeping).
func (m *Metadata) Sleeping() bool {
	return m.sleeping
}

// Needed exposes the raw countdown value, used by diagnostics and tests;
// its meaning depends on Sleeping() per spec section 3.
func (m *Metadata) Needed() uint64 {
	return m.needed
}

// AllocFreeList drains m's free list for the fast-path cache to use.
// Spec section 4.3's Active rows: if what remains after the fast-path
// cache takes its randomized share is below the waking threshold, the
// slab goes to sleep (WentLaden); otherwise it stays Active.
func (m *Metadata) AllocFreeList(sc sizeclass.Sizeclass, cfg *sizeclass.Config, key freelist.Key) (freelist.Iterator, Transition) {
	if m.large {
		panic("slabmeta: AllocFreeList called on a large slab")
	}

	iter, remaining := m.freeQueue.Close(key)
	m.freeQueue = remaining

	remainingLen := uint64(m.freeQueue.Len())
	waking := cfg.Waking(sc)

	if remainingLen < waking {
		m.sleeping = true
		m.needed = waking - remainingLen
		return iter, WentLaden
	}

	m.needed = cfg.Capacity(sc) - remainingLen
	return iter, StillActive
}

// LocalDealloc returns obj to m's free list and applies spec section
// 4.3's countdown rules, reporting what the caller should do with m's
// set membership.
func (m *Metadata) LocalDealloc(sc sizeclass.Sizeclass, cfg *sizeclass.Config, key freelist.Key, obj freelist.Object) Transition {
	if m.large {
		panic("slabmeta: LocalDealloc called on a large slab; free the chunk directly")
	}

	m.freeQueue.Add(obj, key)

	if m.needed == 0 {
		// Defensive: a well-formed caller never drives needed below
		// zero, but treat repeated zero-hits as idempotent rather
		// than wrapping around.
		return StillActive
	}

	m.needed--
	if m.needed != 0 {
		return StillActive
	}

	if m.sleeping {
		m.sleeping = false
		m.needed = cfg.Capacity(sc) - cfg.Waking(sc)
		return Woken
	}

	return BecameEmpty
}

// DeallocLarge marks a large slab's single object freed. The caller is
// always expected to return the chunk to the backend afterwards.
func (m *Metadata) DeallocLarge() {
	if !m.large {
		panic("slabmeta: DeallocLarge called on a non-large slab")
	}
	m.needed = 0
}

// ClearSlab closes m's free list, asserting (in the sense of returning a
// count the caller can check) that every object the slab ever held has
// been accounted for. Used by corealloc's dealloc_local_slabs reclaim
// sweep (spec section 4.7) just before the chunk is returned.
func (m *Metadata) ClearSlab(key freelist.Key, domesticate freelist.Domesticate) int {
	iter := m.freeQueue.CloseAll(key)
	n := 0
	for !iter.Empty() {
		iter.Take(domesticate)
		n++
	}
	return n
}
