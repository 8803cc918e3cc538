package remote

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/fmstephe/snmallocator/freelist"
)

// Lookup resolves the owning Queue and a stable numeric ID for the
// allocator that owns the object at addr. It is backed by the backend's
// address->metadata map (spec section 4.5: "The destination is
// recovered from the address->metadata map, not carried in the
// message.").
type Lookup func(addr uintptr) (dest *Queue, destID uint64)

// Config tunes a DeallocCache. Slots must be a power of two.
type Config struct {
	// Slots is R from spec section 4.5, the number of per-destination
	// builders. Default 128.
	Slots int

	// AlignBits is the number of low bits of every allocator ID that
	// are guaranteed to be zero (REMOTE_MIN_ALIGN from spec section 6),
	// so the slot function can skip over them and use the bits that
	// actually vary between allocators.
	AlignBits uint

	// Budget is REMOTE_CACHE, the number of bytes of batched
	// deallocations this cache holds before it must Post.
	Budget int64

	// HashSlots mixes the destination ID through xxhash before slotting
	// instead of using spec section 4.5's literal bit-group extraction.
	// This is an additional domain-stack dependency (see DESIGN.md) that
	// gives better slot spread when allocator addresses cluster in a
	// way that defeats raw bit-group extraction; off by default so the
	// worst-case round bound documented on Post still applies.
	HashSlots bool

	// UseBatchingRing enables the small set-associative table that
	// coalesces consecutive frees to the same slab into one multi
	// object message before it ever reaches the per-destination
	// builders (spec section 4.5's optional batching ring).
	UseBatchingRing bool
}

// DefaultConfig matches the tuning spec section 3's RemoteDeallocCache
// describes: "R = 2^k (default 64-256)".
func DefaultConfig() Config {
	return Config{
		Slots:           128,
		AlignBits:       0,
		Budget:          128 * 1024,
		HashSlots:       false,
		UseBatchingRing: true,
	}
}

const ringSize = 4

type ringEntry struct {
	slabKey uintptr
	destID  uint64
	valid   bool
	pending freelist.Builder
}

// DeallocCache is the per-thread structure that fans out foreign frees
// to per-destination builders and posts them in bulk, per spec section
// 4.5.
type DeallocCache struct {
	cfg      Config
	slotBits uint
	mask     uint64

	builders []freelist.Builder
	capacity int64

	ring [ringSize]ringEntry
}

// NewDeallocCache builds an empty, ready-to-use cache.
func NewDeallocCache(cfg Config) *DeallocCache {
	if cfg.Slots <= 0 {
		cfg.Slots = 128
	}
	slotBits := uint(bits.Len(uint(cfg.Slots - 1)))
	if slotBits == 0 {
		slotBits = 1
	}

	return &DeallocCache{
		cfg:      cfg,
		slotBits: slotBits,
		mask:     uint64(cfg.Slots) - 1,
		builders: make([]freelist.Builder, cfg.Slots),
		capacity: cfg.Budget,
	}
}

func (c *DeallocCache) slot(id uint64, round int) int {
	if c.cfg.HashSlots {
		var buf [16]byte
		putUint64(buf[0:8], id)
		putUint64(buf[8:16], uint64(round))
		return int(xxhash.Sum64(buf[:]) & c.mask)
	}

	shift := c.cfg.AlignBits + uint(round)*c.slotBits
	if shift >= 64 {
		shift = 63
	}
	return int((id >> shift) & c.mask)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func ringIndex(slabKey uintptr) int {
	return int(slabKey>>4) % ringSize
}

// Dealloc stashes obj, destined for destID, into the cache. size is the
// full sizeclass size of the freed object, used to track the byte
// budget. If adding obj would use up the rest of the budget, the cache posts
// everything it currently holds first, per spec section 4.6 step 3
// ("check remote-cache budget; if space, stash; else post first, then
// stash").
func (c *DeallocCache) Dealloc(selfID, destID uint64, slabKey uintptr, obj freelist.Object, size uint64, key freelist.Key, lookup Lookup) {
	if !c.cfg.UseBatchingRing {
		c.reserveThenMaybePost(size, selfID, key, lookup)
		c.builders[c.slot(destID, 0)].Add(obj, key)
		return
	}

	// Reserve (and possibly Post) before picking the ring entry: a Post
	// flushes the whole ring, which would invalidate an entry set up
	// beforehand.
	c.reserveThenMaybePost(size, selfID, key, lookup)

	idx := ringIndex(slabKey)
	entry := &c.ring[idx]

	if entry.valid && entry.slabKey != slabKey {
		c.flushRingEntry(entry, key)
	}

	if !entry.valid {
		entry.valid = true
		entry.slabKey = slabKey
		entry.destID = destID
	}

	entry.pending.Add(obj, key)
}

func (c *DeallocCache) reserveThenMaybePost(size uint64, selfID uint64, key freelist.Key, lookup Lookup) {
	if c.capacity > int64(size) {
		c.capacity -= int64(size)
		return
	}
	c.Post(selfID, key, lookup)
	c.capacity -= int64(size)
}

func (c *DeallocCache) flushRingEntry(e *ringEntry, key freelist.Key) {
	if e.pending.Empty() {
		e.valid = false
		return
	}
	first, last, n := e.pending.ExtractSegment(key)
	c.builders[c.slot(e.destID, 0)].AddRange(first, last, n, key)
	e.valid = false
}

func (c *DeallocCache) flushRing(key freelist.Key) {
	for i := range c.ring {
		if c.ring[i].valid {
			c.flushRingEntry(&c.ring[i], key)
		}
	}
}

// Empty reports whether the cache currently holds nothing batched.
func (c *DeallocCache) Empty() bool {
	for i := range c.ring {
		if c.ring[i].valid && !c.ring[i].pending.Empty() {
			return false
		}
	}
	for i := range c.builders {
		if !c.builders[i].Empty() {
			return false
		}
	}
	return true
}

// Post implements spec section 4.5's multi-round posting algorithm:
// every builder except the one matching selfID's current-round slot is
// flushed straight to its destination's queue; the self-slot builder is
// redistributed into next round's slots and the process repeats until
// the self slot is empty. This guarantees termination because each
// round looks at a disjoint group of selfID's bits, and distinct
// allocator IDs eventually disagree in some bit group. Without
// HashSlots this bounds Post at one round per slotBits-wide group of the
// 64-bit ID above AlignBits.
func (c *DeallocCache) Post(selfID uint64, key freelist.Key, lookup Lookup) {
	c.flushRing(key)

	round := 0
	for {
		my := c.slot(selfID, round)

		for i := range c.builders {
			if i == my {
				continue
			}
			if c.builders[i].Empty() {
				continue
			}
			first, last, _ := c.builders[i].ExtractSegment(key)
			dest, _ := lookup(uintptr(first))
			dest.Enqueue(first, last)
		}

		if c.builders[my].Empty() {
			break
		}

		iter := c.builders[my].CloseAll(key)
		round++

		for !iter.Empty() {
			obj := iter.TakeTame()
			_, destID := lookup(uintptr(obj))
			newSlot := c.slot(destID, round)
			c.builders[newSlot].Add(obj, key)
		}
	}

	c.capacity = c.cfg.Budget
}
