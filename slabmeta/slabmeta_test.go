package slabmeta

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmstephe/snmallocator/entropy"
	"github.com/fmstephe/snmallocator/freelist"
	"github.com/fmstephe/snmallocator/sizeclass"
)

type testSlab struct {
	buf      []byte
	objSize  uint64
	lo, hi   uintptr
}

func newTestSlab(cfg *sizeclass.Config, sc sizeclass.Sizeclass) *testSlab {
	size := cfg.Size(sc)
	capacity := cfg.Capacity(sc)
	buf := make([]byte, size*capacity)
	lo := uintptr(unsafe.Pointer(&buf[0]))
	return &testSlab{
		buf:     buf,
		objSize: size,
		lo:      lo,
		hi:      lo + uintptr(len(buf)),
	}
}

func (s *testSlab) object(i uint64) freelist.Object {
	return freelist.Object(s.lo + uintptr(i*s.objSize))
}

func (s *testSlab) domesticate() freelist.Domesticate {
	return func(w freelist.Wild) (freelist.Object, bool) {
		addr := uintptr(w)
		if addr < s.lo || addr >= s.hi {
			return 0, false
		}
		return freelist.Object(addr), true
	}
}

func newKey() freelist.Key {
	ts := entropy.NewThreadState(11, 13)
	return freelist.NewKey(&ts, false, false)
}

func TestInitialiseBuildsFullFreeList(t *testing.T) {
	cfg := sizeclass.NewConfig(sizeclass.DefaultParams())
	sc := cfg.SizeToSizeclass(32)
	slab := newTestSlab(cfg, sc)
	defer runtime.KeepAlive(slab)

	key := newKey()

	var m Metadata
	m.Initialise(sc, cfg, key, slab.object)

	assert.False(t, m.Sleeping())
	assert.False(t, m.Large())

	// The whole slab is handed out, leaving fewer free objects than the
	// waking threshold, so the slab goes to sleep.
	iter, transition := m.AllocFreeList(sc, cfg, key)
	assert.Equal(t, WentLaden, transition)

	count := 0
	for !iter.Empty() {
		iter.Take(slab.domesticate())
		count++
	}
	assert.Equal(t, int(cfg.Capacity(sc)), count)
}

func TestSlabGoesLadenThenWakes(t *testing.T) {
	cfg := sizeclass.NewConfig(sizeclass.DefaultParams())
	sc := cfg.SizeToSizeclass(32)
	slab := newTestSlab(cfg, sc)
	defer runtime.KeepAlive(slab)

	key := newKey()

	var m Metadata
	m.Initialise(sc, cfg, key, slab.object)

	// Handing out the whole slab leaves nothing on its free list, which
	// is below the waking threshold, so the slab goes to sleep.
	iter, transition := m.AllocFreeList(sc, cfg, key)
	assert.Equal(t, WentLaden, transition)
	assert.True(t, m.Sleeping())

	// Drain every object out of the iterator (simulating them being
	// handed to a local cache and allocated by client code), then free
	// them back one at a time until the slab wakes.
	var objs []freelist.Object
	for !iter.Empty() {
		objs = append(objs, iter.Take(slab.domesticate()))
	}
	require.Equal(t, int(cfg.Capacity(sc)), len(objs))

	waking := cfg.Waking(sc)
	needed := m.Needed()
	require.Equal(t, waking, needed)

	for i := uint64(0); i < needed-1; i++ {
		transition = m.LocalDealloc(sc, cfg, key, objs[i])
		assert.Equal(t, StillActive, transition)
	}

	transition = m.LocalDealloc(sc, cfg, key, objs[needed-1])
	assert.Equal(t, Woken, transition)
	assert.False(t, m.Sleeping())
}

func TestSlabBecomesEmpty(t *testing.T) {
	cfg := sizeclass.NewConfig(sizeclass.DefaultParams())
	sc := cfg.SizeToSizeclass(32)
	slab := newTestSlab(cfg, sc)
	defer runtime.KeepAlive(slab)

	key := newKey()

	var m Metadata
	m.Initialise(sc, cfg, key, slab.object)

	iter, _ := m.AllocFreeList(sc, cfg, key)
	var objs []freelist.Object
	for !iter.Empty() {
		objs = append(objs, iter.Take(slab.domesticate()))
	}

	var last Transition
	for _, obj := range objs {
		last = m.LocalDealloc(sc, cfg, key, obj)
	}

	assert.Equal(t, BecameEmpty, last)
}

func TestLargeSlabLifecycle(t *testing.T) {
	var m Metadata
	m.InitialiseLarge(0x1000, 1<<20)

	assert.True(t, m.Large())
	assert.True(t, m.Sleeping())
	assert.Equal(t, uint64(1), m.Needed())

	m.DeallocLarge()
	assert.Equal(t, uint64(0), m.Needed())

	assert.Panics(t, func() { m.AllocFreeList(0, nil, freelist.Key{}) })
	assert.Panics(t, func() { m.LocalDealloc(0, nil, freelist.Key{}, 0) })
}
