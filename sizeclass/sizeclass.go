// Package sizeclass implements the size->sizeclass->slab-size translation
// table that underlies every allocation the core services.
//
// A Sizeclass is a single machine word that is either a "small" index into
// Config's precomputed table, or a "large" encoding of a power-of-two chunk
// size. The table itself is built once, at Config construction, from a
// handful of tuning constants (see NewConfig) the same way
// pointerstore.NewAllocConfigBySize builds a single AllocConfig from
// requested object/slab sizes.
package sizeclass

import (
	"math/bits"

	"github.com/fmstephe/flib/fmath"
)

// Sizeclass is a tagged value: bit 0 distinguishes small (0) from large (1).
// For small sizeclasses the remaining bits are the index into Config's
// table. For large sizeclasses the remaining bits hold
// bits.Len64(size-1), i.e. ceil(log2(size)).
type Sizeclass uint16

const smallTag = 0

const largeTag = 1

// IsLarge reports whether sc encodes a large (chunk-sized or bigger)
// sizeclass rather than a small, slab-resident one.
func (sc Sizeclass) IsLarge() bool {
	return sc&1 == largeTag
}

// Index returns the small-sizeclass table index. Only valid when
// !sc.IsLarge().
func (sc Sizeclass) Index() int {
	return int(sc >> 1)
}

// LargeBits returns bits.Len64(size-1) for the large allocation this
// sizeclass describes. Only valid when sc.IsLarge().
func (sc Sizeclass) LargeBits() int {
	return int(sc >> 1)
}

func smallSizeclass(idx int) Sizeclass {
	return Sizeclass(idx)<<1 | smallTag
}

func largeSizeclass(logBits int) Sizeclass {
	return Sizeclass(logBits)<<1 | largeTag
}

// Tuning constants. Defaults mirror a conservative, cache-friendly choice:
// smallest object is 16 bytes (2 pointers on a 64-bit machine), largest
// small object is 64 KiB, and every slab holds at
// least 16 objects so a slab never degenerates into a handful of giant
// allocations.
type Params struct {
	// MinAllocBits is log2 of the smallest allocation size.
	MinAllocBits uint

	// IntermediateBits controls how many sizeclasses exist between
	// consecutive powers of two (fractional log granularity). 0 means
	// sizeclasses are powers of two only.
	IntermediateBits uint

	// MaxSmallSizeclassBits is log2 of the largest size served by a
	// small sizeclass. Slab sizes are derived per sizeclass from
	// MinObjectCount and MinChunkBits, not from this value.
	MaxSmallSizeclassBits uint

	// MinChunkBits is log2 of the smallest chunk the backend will ever
	// hand out; slab sizes never fall below this.
	MinChunkBits uint

	// MinObjectCount is the minimum number of objects a slab must hold;
	// slab size is widened until this holds.
	MinObjectCount uint64
}

// DefaultParams matches the values documented above.
func DefaultParams() Params {
	return Params{
		MinAllocBits:          4,
		IntermediateBits:      2,
		MaxSmallSizeclassBits: 16,
		MinChunkBits:          14,
		MinObjectCount:        16,
	}
}

type info struct {
	size      uint64
	slabSize  uint64
	capacity  uint64
	waking    uint64
	recip     reciprocal
	recipSlab reciprocal
}

// Config is the statically-computable sizeclass table described by
// spec section 4.1. It is immutable after NewConfig returns and is safe
// to share across every goroutine/allocator in the process.
type Config struct {
	params Params

	// table maps (size-1)>>MinAllocBits to a Sizeclass, used by
	// SizeToSizeclass for sizes up to the largest small size.
	table []Sizeclass

	small []info

	minChunkSize uint64
}

// NewConfig builds a Config from p. NewConfig never fails: every field
// of p is clamped to a sane minimum rather than rejected, mirroring the
// "total on all representable inputs" contract spec section 4.1 requires
// of the whole component.
func NewConfig(p Params) *Config {
	if p.MinAllocBits == 0 {
		p.MinAllocBits = 1
	}
	if p.MinObjectCount == 0 {
		p.MinObjectCount = 1
	}
	if p.MaxSmallSizeclassBits < p.MinAllocBits {
		p.MaxSmallSizeclassBits = p.MinAllocBits
	}

	minChunkSize := uint64(1) << p.MinChunkBits

	c := &Config{
		params:       p,
		minChunkSize: minChunkSize,
	}

	c.buildSmallTable()
	c.buildLookupTable()

	return c
}

// buildSmallTable enumerates every small sizeclass from the smallest
// object size up to 2^MaxSmallSizeclassBits, spacing sizeclasses within
// each power-of-two octave by 2^IntermediateBits steps. Steps that are
// not a multiple of the smallest object size are skipped, so spacing is
// never finer than 2^MinAllocBits.
func (c *Config) buildSmallTable() {
	p := c.params
	minSize := uint64(1) << p.MinAllocBits
	maxSize := uint64(1) << p.MaxSmallSizeclassBits

	steps := uint64(1) << p.IntermediateBits

	var sizes []uint64
	size := minSize
	for size <= maxSize {
		base := size
		for i := uint64(0); i < steps && base <= maxSize; i++ {
			// The lookup table resolves sizes in MinAllocBits-sized
			// buckets, so only sizes on that grid can be reached through it.
			if base%minSize == 0 {
				sizes = append(sizes, base)
			}
			// advance by 1/steps of this octave
			base = base + (size / steps)
			if size/steps == 0 {
				break
			}
		}
		size <<= 1
	}

	c.small = make([]info, 0, len(sizes))
	for _, sz := range sizes {
		slabSize := nextPow2(c.params.MinObjectCount * sz)
		if slabSize < c.minChunkSize {
			slabSize = c.minChunkSize
		}
		capacity := slabSize / sz
		waking := capacity / 4
		if waking > 32 {
			waking = 32
		}
		if waking == 0 {
			waking = 1
		}

		c.small = append(c.small, info{
			size:      sz,
			slabSize:  slabSize,
			capacity:  capacity,
			waking:    waking,
			recip:     newReciprocal(sz),
			recipSlab: newReciprocal(slabSize),
		})
	}
}

// buildLookupTable constructs the (size-1)>>MinAllocBits indexed table
// used by SizeToSizeclass for O(1) lookup, matching the teacher's
// fixed-bucket-table idiom in NewAllocConfigBySize generalized from one
// bucket to a dense lookup table.
func (c *Config) buildLookupTable() {
	maxSize := c.small[len(c.small)-1].size
	n := int((maxSize-1)>>c.params.MinAllocBits) + 1
	c.table = make([]Sizeclass, n)

	ti := 0
	for i := range c.table {
		bucketTop := (uint64(i) + 1) << c.params.MinAllocBits
		for ti < len(c.small)-1 && c.small[ti].size < bucketTop {
			ti++
		}
		c.table[i] = smallSizeclass(ti)
	}
}

// MaxSmallSize is the largest size served by a small sizeclass.
func (c *Config) MaxSmallSize() uint64 {
	return c.small[len(c.small)-1].size
}

// NumSmallSizeclasses is the number of distinct small sizeclasses.
func (c *Config) NumSmallSizeclasses() int {
	return len(c.small)
}

// SizeToSizeclass returns the small sizeclass that will service size.
// size==0 maps to the smallest sizeclass, matching spec section 4.1.
// Precondition: size <= c.MaxSmallSize().
func (c *Config) SizeToSizeclass(size uint64) Sizeclass {
	if size == 0 {
		return smallSizeclass(0)
	}
	idx := (size - 1) >> c.params.MinAllocBits
	if int(idx) >= len(c.table) {
		idx = uint64(len(c.table) - 1)
	}
	return c.table[idx]
}

// SizeToSizeclassFull picks a small or large sizeclass depending on
// whether size fits in a small sizeclass.
func (c *Config) SizeToSizeclassFull(size uint64) Sizeclass {
	if size <= c.MaxSmallSize() {
		return c.SizeToSizeclass(size)
	}
	if size == 0 {
		size = 1
	}
	return largeSizeclass(bits.Len64(size - 1))
}

// Size returns the object size served by sc.
func (c *Config) Size(sc Sizeclass) uint64 {
	if sc.IsLarge() {
		return uint64(1) << sc.LargeBits()
	}
	return c.small[sc.Index()].size
}

// SlabSize returns the slab size backing sc. Only meaningful for small
// sizeclasses; for large sizeclasses the "slab" is the allocation itself.
func (c *Config) SlabSize(sc Sizeclass) uint64 {
	if sc.IsLarge() {
		return c.Size(sc)
	}
	return c.small[sc.Index()].slabSize
}

// Capacity is the number of objects that fit in one slab of sc.
func (c *Config) Capacity(sc Sizeclass) uint64 {
	if sc.IsLarge() {
		return 1
	}
	return c.small[sc.Index()].capacity
}

// Waking is the number of free objects at which a laden (sleeping) slab
// becomes eligible for reinsertion into its sizeclass's available set.
func (c *Config) Waking(sc Sizeclass) uint64 {
	if sc.IsLarge() {
		return 1
	}
	return c.small[sc.Index()].waking
}

// RoundSize maps size to the allocation size actually served by the
// sizeclass size would be routed to.
func (c *Config) RoundSize(size uint64) uint64 {
	return c.Size(c.SizeToSizeclassFull(size))
}

// StartOfObject returns the offset of the object that contains offset,
// where both are offsets from the start of a slab of sizeclass sc. It
// uses reciprocal-multiply division (see reciprocal.go) instead of a
// hardware divide.
func (c *Config) StartOfObject(sc Sizeclass, offset uint64) uint64 {
	if sc.IsLarge() {
		return 0
	}
	inf := c.small[sc.Index()]
	n := inf.recip.div(offset)
	return n * inf.size
}

// IsStartOfObject reports whether offset is exactly the start of an
// object of sizeclass sc.
func (c *Config) IsStartOfObject(sc Sizeclass, offset uint64) bool {
	if sc.IsLarge() {
		return offset == 0
	}
	return c.small[sc.Index()].recip.divisible(offset)
}

// nextPow2 rounds x up to a power of two, the same way
// pointerstore.NewAllocConfigBySize rounds object and slab sizes before
// ever dividing one by the other.
func nextPow2(x uint64) uint64 {
	return uint64(fmath.NxtPowerOfTwo(int64(x)))
}
