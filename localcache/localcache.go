// Package localcache implements the per-thread fast path: a small
// freelist.Iterator per small sizeclass that Alloc drains without ever
// touching a CoreAllocator, and the per-thread remote.DeallocCache that
// batches frees destined for objects this thread does not own.
//
// Cache is the one structure in this module whose lifetime is the
// thread's, not any one CoreAllocator's: spec section 3 requires it to
// "survive across core-allocator attach/detach cycles during teardown",
// so its entropy.ThreadState and signing key are constructed once and
// carried across Attach/Detach calls, the way a goroutine-local value
// would be carried across whichever object pool slot backs it -- no
// teacher file plays quite this role, since offheap's Store is shared
// process-wide rather than attached per thread, so the attach/detach
// shape here is grounded directly on spec section 3's description
// rather than adapted from an existing file (see DESIGN.md).
package localcache

import (
	"fmt"

	"github.com/fmstephe/snmallocator/backend"
	"github.com/fmstephe/snmallocator/corealloc"
	"github.com/fmstephe/snmallocator/entropy"
	"github.com/fmstephe/snmallocator/freelist"
	"github.com/fmstephe/snmallocator/remote"
	"github.com/fmstephe/snmallocator/sizeclass"
)

// Cache is the fast-path state for one worker thread.
type Cache struct {
	cfg *sizeclass.Config
	be  *backend.Backend

	ts *entropy.ThreadState

	// remoteKey is used for every object that might cross a
	// remote.Queue: its signing must stay disabled, because
	// remote.Queue's Enqueue/Dequeue read and write next pointers as
	// raw addresses with no designated verifier on the consuming side
	// (the "QueueHeadsAreTame" configuration) -- see DESIGN.md for why
	// this differs from the local, potentially-signed free lists
	// corealloc.Core builds for its own slabs.
	remoteKey freelist.Key

	dealloc *remote.DeallocCache

	fast []freelist.Iterator

	core *corealloc.Core
}

// New builds a detached Cache. Attach must be called before Alloc or
// Dealloc.
func New(cfg *sizeclass.Config, be *backend.Backend, ts *entropy.ThreadState, randomization bool, dcCfg remote.Config) *Cache {
	return &Cache{
		cfg:       cfg,
		be:        be,
		ts:        ts,
		remoteKey: freelist.NewKey(ts, false, randomization),
		dealloc:   remote.NewDeallocCache(dcCfg),
		fast:      make([]freelist.Iterator, cfg.NumSmallSizeclasses()),
	}
}

// Attached reports whether this Cache currently owns a core.
func (c *Cache) Attached() bool {
	return c.core != nil
}

// Attach binds this Cache to core. The fast-path iterators start empty:
// the first allocation of each sizeclass after an Attach always takes
// the slow path once.
func (c *Cache) Attach(core *corealloc.Core) {
	c.core = core
	for i := range c.fast {
		c.fast[i] = freelist.Iterator{}
	}
}

// Detach flushes any batched remote frees (so nothing is left stranded
// under the old core's identity) and returns the core this Cache was
// attached to, leaving the Cache ready for a future Attach.
func (c *Cache) Detach() *corealloc.Core {
	if c.core == nil {
		return nil
	}
	if !c.dealloc.Empty() {
		c.dealloc.Post(c.core.ID(), c.remoteKey, c.be.RemoteLookup)
	}
	core := c.core
	c.core = nil
	return core
}

// Alloc services one allocation request of size bytes, running the fast
// path when the relevant sizeclass's iterator still has objects and
// falling back to corealloc.Core.AllocSlow otherwise. Returns (0, false)
// on allocator exhaustion (spec section 7's OOM contract: a null
// sentinel, not a panic).
func (c *Cache) Alloc(size uintptr) (uintptr, bool) {
	sc := c.cfg.SizeToSizeclassFull(uint64(size))
	if sc.IsLarge() {
		addr, _, ok := c.core.AllocLarge(sc, size)
		return addr, ok
	}

	idx := sc.Index()
	if c.fast[idx].Empty() {
		iter, ok := c.core.AllocSlow(sc)
		if !ok {
			return 0, false
		}
		c.fast[idx] = iter
	}

	obj := c.fast[idx].Take(c.be.Domesticate)
	return uintptr(obj), true
}

// Dealloc returns addr to its owning slab, either directly (if this
// thread's core owns it) or by batching it into the remote dealloc
// cache for eventual posting (spec section 4.6's ownership check).
func (c *Cache) Dealloc(addr uintptr) {
	entry := c.be.Lookup(addr)
	if entry == nil {
		panic(fmt.Sprintf("localcache: Dealloc of unknown pointer %#x", addr))
	}

	if entry.OwnerID == c.core.ID() {
		c.deallocLocal(entry, addr)
		return
	}

	size := entry.ChunkSize
	if !entry.Large {
		size = uintptr(c.cfg.Size(entry.Sizeclass))
	}

	c.dealloc.Dealloc(c.core.ID(), entry.OwnerID, entry.ChunkAddr, freelist.Object(addr), uint64(size), c.remoteKey, c.be.RemoteLookup)
}

func (c *Cache) deallocLocal(entry *backend.MetaEntry, addr uintptr) {
	if entry.Large {
		if err := c.core.DeallocLarge(entry.Meta, entry.ChunkAddr); err != nil {
			panic(fmt.Sprintf("localcache: freeing large chunk: %v", err))
		}
		return
	}
	c.core.DeallocLocal(entry.Sizeclass, entry.Meta, freelist.Object(addr))
}

// AllocSize returns the usable size of the allocation at addr.
func (c *Cache) AllocSize(addr uintptr) uintptr {
	entry := c.be.Lookup(addr)
	if entry == nil {
		panic(fmt.Sprintf("localcache: AllocSize of unknown pointer %#x", addr))
	}
	if entry.Large {
		return entry.ChunkSize
	}
	return uintptr(c.cfg.Size(entry.Sizeclass))
}
