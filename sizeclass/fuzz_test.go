package sizeclass

import (
	"testing"
)

// FuzzSizeToSizeclass exercises property 1 from spec section 8 (round-trip
// of sizes) the way offheap.FuzzObjectStore exercises store invariants:
// native go test fuzzing over raw input bytes.
func FuzzSizeToSizeclass(f *testing.F) {
	cfg := NewConfig(DefaultParams())

	f.Add(uint64(0))
	f.Add(uint64(1))
	f.Add(cfg.MaxSmallSize())
	f.Add(cfg.MaxSmallSize() + 1)

	f.Fuzz(func(t *testing.T, size uint64) {
		size %= cfg.MaxSmallSize() * 2

		sc := cfg.SizeToSizeclassFull(size)
		rounded := cfg.Size(sc)

		if rounded < size {
			t.Fatalf("size %d rounded down to %d via sizeclass %v", size, rounded, sc)
		}
	})
}
