// Package localalloc is the public fast-path surface a worker goroutine
// allocates and frees through. It is the Go-idiomatic substitute for a
// C thread-local allocator handle: Go has no thread-local storage and no
// destructor hook a goroutine's exit can reliably run, so ownership is
// explicit -- a caller creates one Allocator per goroutine-affine worker
// and calls Teardown before that worker exits, the same explicit
// lifecycle offheap.Store.Destroy() uses instead of relying on the
// garbage collector to notice an object store is no longer reachable.
package localalloc

import (
	"github.com/fmstephe/snmallocator/corepool"
	"github.com/fmstephe/snmallocator/localcache"
)

// Allocator is a single worker's allocation handle. It is not safe for
// concurrent use by multiple goroutines; create one per worker.
type Allocator struct {
	pool  *corepool.Pool
	cache *localcache.Cache

	tornDown bool
}

// New builds an Allocator over pool, with its own private fast-path
// cache. The underlying CoreAllocator is attached lazily, on first use,
// matching spec section 5's "lazy init" allocation-state rule.
func New(pool *corepool.Pool, cache *localcache.Cache) *Allocator {
	return &Allocator{pool: pool, cache: cache}
}

func (a *Allocator) ensureAttached() {
	// A call arriving after Teardown re-attaches rather than panicking,
	// per spec section 5's "late call after teardown must not corrupt
	// state" requirement.
	a.tornDown = false

	if !a.cache.Attached() {
		a.cache.Attach(a.pool.Acquire())
	}
}

// Alloc returns size bytes of newly allocated, unzeroed memory, or 0 on
// exhaustion.
func (a *Allocator) Alloc(size uintptr) uintptr {
	a.ensureAttached()
	addr, ok := a.cache.Alloc(size)
	if !ok {
		return 0
	}
	return addr
}

// Dealloc returns addr, previously returned by Alloc on any Allocator
// sharing this pool, to its owning slab. Freeing the zero pointer is a
// no-op.
func (a *Allocator) Dealloc(addr uintptr) {
	if addr == 0 {
		return
	}
	a.ensureAttached()
	a.cache.Dealloc(addr)
}

// DeallocSized is Dealloc with a caller-supplied size hint. The backend
// already knows the real size from the chunk's metadata, so this is
// exactly Dealloc; the separate name exists to match the four
// operations spec section 6 requires of the informative C ABI surface.
func (a *Allocator) DeallocSized(addr uintptr, _ uintptr) {
	a.Dealloc(addr)
}

// AllocSize returns the usable size of the allocation at addr.
func (a *Allocator) AllocSize(addr uintptr) uintptr {
	a.ensureAttached()
	return a.cache.AllocSize(addr)
}

// Teardown detaches this Allocator's core and returns it to the pool for
// reuse by another worker. Safe to call more than once; safe to keep
// using the Allocator afterward (it silently re-attaches).
func (a *Allocator) Teardown() {
	if a.tornDown {
		return
	}
	if core := a.cache.Detach(); core != nil {
		a.pool.Release(core)
	}
	a.tornDown = true
}
