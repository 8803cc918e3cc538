// Command allocstat runs a short synthetic workload against the
// allocator and reports aggregate Stats(), in the spirit of the
// teacher's cmd/bin: a small flag-driven entry point exercising one
// library package end to end rather than a production service.
package main

import (
	"flag"
	"fmt"
	"sync"

	"github.com/fmstephe/snmallocator/allocator"
)

var (
	workersFlag = flag.Int("workers", 4, "number of concurrent worker goroutines")
	opsFlag     = flag.Int("ops", 100_000, "allocation/free operations per worker")
	sizeFlag    = flag.Int("size", 64, "allocation size in bytes")
)

func main() {
	flag.Parse()

	if *workersFlag <= 0 || *opsFlag <= 0 || *sizeFlag <= 0 {
		fmt.Printf("workers, ops and size must all be positive\n")
		return
	}

	a := allocator.New()

	var wg sync.WaitGroup
	for w := 0; w < *workersFlag; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(a, *opsFlag, uintptr(*sizeFlag))
		}()
	}
	wg.Wait()

	stats := a.Stats()
	fmt.Printf("cores=%d allocs=%d frees=%d slabs_live=%d slabs_cached=%d sampled_at=%s\n",
		stats.Cores, stats.Allocs, stats.Frees, stats.SlabsLive, stats.SlabsCached, stats.SampledAt)
}

// runWorker keeps a ring of up to 64 live objects: after each allocation
// that takes the ring past that size it frees the oldest one, and it
// frees whatever is left at the end. Every object is freed by the worker
// that allocated it, so only the local free path is exercised.
func runWorker(a *allocator.Allocator, ops int, size uintptr) {
	local := a.NewLocal()
	defer local.Teardown()

	const ringSize = 64
	ring := make([]uintptr, 0, ringSize)

	for i := 0; i < ops; i++ {
		addr := local.Alloc(size)
		if addr == 0 {
			continue
		}
		ring = append(ring, addr)
		if len(ring) > ringSize {
			local.Dealloc(ring[0])
			ring = ring[1:]
		}
	}
	for _, addr := range ring {
		local.Dealloc(addr)
	}
}
