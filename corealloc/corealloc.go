// Package corealloc implements the per-core-allocator slow path: the
// set of slabs one allocator owns, the state-machine transitions that
// move them between the available and laden sets (slabmeta), and the
// inbox that lets every other thread in the process free into this
// core's slabs (remote.Queue).
//
// Structurally this plays the role pointerstore.Store plays for the
// teacher's object store -- "owns every slab/slot for one
// size-partitioned allocator" -- generalized from one global
// mutex-protected Store to a per-thread, almost entirely lock-free Core:
// the only synchronized state is the inbox, because only it can be
// touched by a thread other than the owner.
package corealloc

import (
	"fmt"

	"github.com/fmstephe/snmallocator/backend"
	"github.com/fmstephe/snmallocator/entropy"
	"github.com/fmstephe/snmallocator/freelist"
	"github.com/fmstephe/snmallocator/remote"
	"github.com/fmstephe/snmallocator/sizeclass"
	"github.com/fmstephe/snmallocator/slabmeta"
)

// Stats is a read-only snapshot of one Core's bookkeeping, used by
// diagnostics and by allocator.Allocator's aggregate Stats().
type Stats struct {
	// Allocs counts allocations that reached the Core: one per
	// AllocSlow and one per AllocLarge call. Objects a Cache hands out
	// from an iterator it already holds are not counted.
	Allocs      uint64
	Frees       uint64
	SlabsLive   int
	SlabsCached int
}

// Core is one per-thread allocator: a set of available/laden slabs per
// small sizeclass, plus the MPSC inbox other threads use to return
// objects this Core owns.
type Core struct {
	id  uint64
	cfg *sizeclass.Config
	be  *backend.Backend
	key freelist.Key

	inbox remote.Queue

	available []*slabmeta.Metadata
	laden     []*slabmeta.Metadata
	empty     [][]*slabmeta.Metadata

	stats Stats
}

// New builds a Core identified by id (a value stable for the Core's
// lifetime, used both as the remote-cache destination id other threads
// slot their frees by, and as this Core's own selfID when posting its
// own outgoing frees -- see localcache.Cache).
func New(id uint64, cfg *sizeclass.Config, be *backend.Backend, ts *entropy.ThreadState, signing, randomization bool) *Core {
	n := cfg.NumSmallSizeclasses()
	c := &Core{
		id:        id,
		cfg:       cfg,
		be:        be,
		key:       freelist.NewKey(ts, signing, randomization),
		available: make([]*slabmeta.Metadata, n),
		laden:     make([]*slabmeta.Metadata, n),
		empty:     make([][]*slabmeta.Metadata, n),
	}
	c.inbox.Init()
	return c
}

// ID returns this Core's stable identity.
func (c *Core) ID() uint64 {
	return c.id
}

// Queue returns this Core's inbox, the destination other threads enqueue
// foreign frees into.
func (c *Core) Queue() *remote.Queue {
	return &c.inbox
}

func pushList(head **slabmeta.Metadata, m *slabmeta.Metadata) {
	m.Next = *head
	*head = m
}

func removeFromList(head **slabmeta.Metadata, target *slabmeta.Metadata) bool {
	cur := *head
	var prev *slabmeta.Metadata
	for cur != nil {
		if cur == target {
			if prev == nil {
				*head = cur.Next
			} else {
				prev.Next = cur.Next
			}
			cur.Next = nil
			return true
		}
		prev = cur
		cur = cur.Next
	}
	return false
}

func (c *Core) applyTransition(idx int, m *slabmeta.Metadata, t slabmeta.Transition) {
	switch t {
	case slabmeta.StillActive:
		// No membership change.
	case slabmeta.WentLaden:
		removeFromList(&c.available[idx], m)
		pushList(&c.laden[idx], m)
	case slabmeta.Woken:
		removeFromList(&c.laden[idx], m)
		pushList(&c.available[idx], m)
	case slabmeta.BecameEmpty:
		removeFromList(&c.available[idx], m)
		removeFromList(&c.laden[idx], m)
		c.empty[idx] = append(c.empty[idx], m)
		c.stats.SlabsLive--
		c.stats.SlabsCached++
	}
}

func (c *Core) objectAt(base uintptr, sc sizeclass.Sizeclass) func(uint64) freelist.Object {
	size := c.cfg.Size(sc)
	return func(i uint64) freelist.Object {
		return freelist.Object(base + uintptr(i*size))
	}
}

// refill produces a fresh available slab for sc, preferring a slab held
// in the empty cache (already backed by live address space) over asking
// the backend for a brand new chunk.
func (c *Core) refill(sc sizeclass.Sizeclass, idx int) *slabmeta.Metadata {
	if n := len(c.empty[idx]); n > 0 {
		m := c.empty[idx][n-1]
		c.empty[idx] = c.empty[idx][:n-1]
		chunkAddr, chunkSize := m.ChunkAddr, m.ChunkSize
		m.Initialise(sc, c.cfg, c.key, c.objectAt(chunkAddr, sc))
		m.ChunkAddr = chunkAddr
		m.ChunkSize = chunkSize
		pushList(&c.available[idx], m)
		c.stats.SlabsLive++
		c.stats.SlabsCached--
		return m
	}

	slabSize := c.cfg.SlabSize(sc)
	entry, err := c.be.AllocChunk(sc, uintptr(slabSize), false, c.id, &c.inbox)
	if err != nil {
		return nil
	}

	m := &slabmeta.Metadata{ChunkAddr: entry.ChunkAddr, ChunkSize: entry.ChunkSize}
	entry.Meta = m
	m.Initialise(sc, c.cfg, c.key, c.objectAt(entry.ChunkAddr, sc))
	m.ChunkAddr = entry.ChunkAddr
	m.ChunkSize = entry.ChunkSize

	pushList(&c.available[idx], m)
	c.stats.SlabsLive++
	return m
}

// AllocSlow services the slow path of an allocation for sc: drain the
// inbox first (spec section 4.6 step 1), then take a fresh batch of
// objects from the head of the available set, refilling from the empty
// cache or the backend if the available set is itself empty.
func (c *Core) AllocSlow(sc sizeclass.Sizeclass) (freelist.Iterator, bool) {
	c.HandleMessageQueue()

	idx := sc.Index()
	head := c.available[idx]
	if head == nil {
		head = c.refill(sc, idx)
		if head == nil {
			return freelist.Iterator{}, false
		}
	}

	iter, transition := head.AllocFreeList(sc, c.cfg, c.key)
	c.applyTransition(idx, head, transition)
	c.stats.Allocs++
	return iter, true
}

// AllocLarge services an allocation too big for any small sizeclass:
// one chunk, one object, no free list.
func (c *Core) AllocLarge(sc sizeclass.Sizeclass, size uintptr) (uintptr, *slabmeta.Metadata, bool) {
	entry, err := c.be.AllocChunk(sc, size, true, c.id, &c.inbox)
	if err != nil {
		return 0, nil, false
	}
	m := &slabmeta.Metadata{}
	m.InitialiseLarge(entry.ChunkAddr, entry.ChunkSize)
	entry.Meta = m
	c.stats.Allocs++
	c.stats.SlabsLive++
	return entry.ChunkAddr, m, true
}

// DeallocLocal returns obj, known to belong to a small-sizeclass slab m
// this Core owns, to m's free list.
func (c *Core) DeallocLocal(sc sizeclass.Sizeclass, m *slabmeta.Metadata, obj freelist.Object) {
	transition := m.LocalDealloc(sc, c.cfg, c.key, obj)
	c.applyTransition(sc.Index(), m, transition)
	c.stats.Frees++
}

// DeallocLarge returns a large allocation's chunk straight to the
// backend; large slabs never re-enter the empty cache.
func (c *Core) DeallocLarge(m *slabmeta.Metadata, chunkAddr uintptr) error {
	m.DeallocLarge()
	c.stats.Frees++
	c.stats.SlabsLive--
	return c.be.FreeChunk(chunkAddr)
}

// HandleMessageQueue drains the foreign frees currently sitting in this
// Core's inbox and applies them locally, per spec section 4.7's drain
// loop. The most recently enqueued object stays in the inbox until
// something is enqueued behind it (see remote.Queue.Dequeue). It must
// only ever be called by this Core's owning thread.
func (c *Core) HandleMessageQueue() {
	for {
		obj, ok := c.inbox.Dequeue(c.be.Domesticate)
		if !ok {
			return
		}

		entry := c.be.Lookup(uintptr(obj))
		if entry == nil || entry.Meta == nil {
			panic(fmt.Sprintf("corealloc: message queue delivered %#x with no backend metadata", uintptr(obj)))
		}
		if entry.OwnerID != c.id {
			panic("corealloc: message queue delivered an object owned by a different core")
		}

		if entry.Large {
			if err := c.DeallocLarge(entry.Meta, entry.ChunkAddr); err != nil {
				panic(fmt.Sprintf("corealloc: freeing large chunk during drain: %v", err))
			}
			continue
		}

		c.DeallocLocal(entry.Sizeclass, entry.Meta, obj)
	}
}

// DeallocLocalSlabs returns every slab currently held in sc's empty
// cache back to the backend, per spec section 4.7's reclamation sweep.
// It reports how many chunks were released.
func (c *Core) DeallocLocalSlabs(sc sizeclass.Sizeclass) int {
	idx := sc.Index()
	released := 0
	for _, m := range c.empty[idx] {
		m.ClearSlab(c.key, c.be.Domesticate)
		if err := c.be.FreeChunk(m.ChunkAddr); err == nil {
			released++
		}
	}
	c.empty[idx] = nil
	c.stats.SlabsCached -= released
	return released
}

// Stats returns a snapshot of this Core's bookkeeping.
func (c *Core) Stats() Stats {
	return c.stats
}
