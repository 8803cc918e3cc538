// Package snmallocator is a general-purpose, multi-threaded memory
// allocator core modeled on Microsoft's snmalloc: asymmetric-ownership
// allocation where a thread frees any object it allocated directly, and
// returns any other thread's object through a lock-free message queue
// rather than contending on a shared lock.
//
// # Usage
//
//	a := allocator.New()
//	local := a.NewLocal() // one per worker goroutine
//	defer local.Teardown()
//
//	ptr := local.Alloc(64)
//	// ... use the 64 bytes at ptr ...
//	local.Dealloc(ptr)
//
// A localalloc.Allocator is not safe for concurrent use by multiple
// goroutines; each worker goroutine constructs its own through
// allocator.Allocator.NewLocal and tears it down before exiting. Freeing
// an object from a goroutine other than the one that allocated it is
// always safe: the object's owning CoreAllocator is recovered from the
// allocator's pagemap and the free is routed there, batched and posted
// through the same message queue every other remote free uses.
//
// # Package layout
//
// sizeclass computes the size -> sizeclass -> slab-size table every
// other package is built against. freelist implements the obfuscated,
// optionally signed singly-linked free lists slabs are built from.
// slabmeta drives one slab's available/laden/empty state machine.
// remote implements the cross-thread message queue and the per-thread
// batching cache that posts to it. backend owns actual address space and
// answers "what is at this address" for any pointer in the process.
// corealloc is one thread's slow-path allocator; corepool pools
// CoreAllocators for reuse across worker lifetimes. localcache and
// localalloc are the per-thread fast path a worker goroutine actually
// calls into. allocator wires all of the above into one constructible
// value.
//
// # Concurrency guarantees
//
// 1: A localalloc.Allocator, and the localcache.Cache and
// corealloc.Core it is attached to, must only ever be used by the
// single goroutine that owns them.
//
// 2: Passing a pointer returned by Alloc to another goroutine, and
// having that goroutine call Dealloc on it, is always safe: this is the
// asymmetric-ownership contract the whole design exists to support.
//
// 3: Concurrent reads and writes to the memory an allocation covers
// follow the same rules as any other concurrently shared Go memory:
// the caller is responsible for establishing a happens-before
// relationship before more than one goroutine touches it, and for
// synchronizing concurrent writes.
//
// 4: Calling Dealloc twice on the same pointer, or calling Dealloc and
// then reading through a copy of the same pointer, is a bug. A best
// effort is made to detect it (see freelist's free-list signing) but
// detection is not guaranteed.
package snmallocator
