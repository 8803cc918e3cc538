// Package pal is the platform abstraction layer: the only place in this
// module allowed to ask the operating system for address space. It plays
// the same role here that offheap's internal pointerstore.MmapSlab plays
// for the teacher's object store, generalized to the handful of extra
// operations a slab allocator needs beyond "map some bytes": decommitting
// pages a slab no longer needs resident, and a source of entropy for
// freelist signing/randomization that does not depend on a goroutine ever
// calling into math/rand's global lock.
package pal

import "time"

// Interface is everything the backend needs from the operating system.
// The only production implementation is Unix (pal_unix.go); tests may
// supply a fake.
type Interface interface {
	// Reserve obtains size bytes of fresh, zeroed, readable/writable
	// address space, aligned to at least align bytes. size and align
	// are both expected to already be power-of-two slab sizes.
	Reserve(size, align uintptr) (uintptr, error)

	// Release returns address space obtained from Reserve. addr and
	// size must match a prior Reserve call exactly.
	Release(addr, size uintptr) error

	// Decommit tells the operating system the pages covering
	// [addr, addr+size) are not presently needed, without giving up the
	// address range itself; a later access makes them available again,
	// zeroed. No package in this module calls it: empty slabs are kept
	// in corealloc's empty cache or handed back with Release.
	Decommit(addr, size uintptr) error

	// EntropySeed returns two OS-sourced random words, used once per
	// thread to seed that thread's entropy.ThreadState.
	EntropySeed() (uint64, uint64)

	// Now returns a monotonic timestamp, used by allocator.Stats to
	// stamp SampledAt.
	Now() time.Time
}
