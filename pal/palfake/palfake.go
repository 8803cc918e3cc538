// Package palfake supplies a pal.Interface backed by plain Go heap
// allocations instead of real mmap/madvise syscalls, so tests elsewhere
// in this module (backend, corealloc, corepool, localcache, localalloc,
// allocator) can exercise address-space-shaped code without the unix
// build's actual syscalls. It is kept as its own importable package,
// rather than copy-pasted into every _test.go file that needs one,
// because six different packages' test suites all need the identical fake.
package palfake

import (
	"sync"
	"time"
	"unsafe"
)

// PAL is a pal.Interface implementation safe for concurrent use, since
// corepool.Pool may call EntropySeed/Reserve from multiple goroutines
// building CoreAllocators concurrently in a test.
type PAL struct {
	mu       sync.Mutex
	seed     uint64
	reserved [][]byte
	now      time.Time
}

// New builds a ready-to-use PAL.
func New() *PAL {
	return &PAL{now: time.Unix(1_700_000_000, 0)}
}

// Reserve allocates size+align bytes from the Go heap and returns an
// align-aligned address within it. The backing slice is retained for the
// life of the PAL so nothing is collected out from under the returned
// address.
func (p *PAL) Reserve(size, align uintptr) (uintptr, error) {
	buf := make([]byte, uintptr(size)+align)

	p.mu.Lock()
	p.reserved = append(p.reserved, buf)
	p.mu.Unlock()

	base := uintptr(unsafe.Pointer(&buf[0]))
	return (base + align - 1) &^ (align - 1), nil
}

// Release is a no-op: the fake never actually returns memory to the OS,
// it just stops tracking interest in the address range. The real
// allocator still calls it, and correctness of the calling code does not
// depend on the space actually being reclaimed.
func (p *PAL) Release(addr, size uintptr) error { return nil }

// Decommit is a no-op for the same reason Release is.
func (p *PAL) Decommit(addr, size uintptr) error { return nil }

// EntropySeed returns a deterministic, monotonically increasing sequence
// rather than real OS entropy, so tests built on this fake are
// reproducible.
func (p *PAL) EntropySeed() (uint64, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seed++
	return p.seed, ^p.seed
}

// Now returns a fixed, non-zero timestamp unless SetNow has overridden
// it, so tests asserting on Allocator.Stats().SampledAt don't depend on
// wall-clock time.
func (p *PAL) Now() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

// SetNow overrides the timestamp Now returns, for tests that need a
// particular Allocator.Stats().SampledAt.
func (p *PAL) SetNow(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = t
}
