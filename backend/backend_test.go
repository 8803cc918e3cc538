package backend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmstephe/snmallocator/freelist"
	"github.com/fmstephe/snmallocator/pal/palfake"
	"github.com/fmstephe/snmallocator/remote"
	"github.com/fmstephe/snmallocator/sizeclass"
)

func TestAllocChunkRegistersLookupableMetadata(t *testing.T) {
	be := New(palfake.New(), 14)

	var q remote.Queue
	q.Init()

	sc := sizeclass.NewConfig(sizeclass.DefaultParams()).SizeToSizeclassFull(32)
	entry, err := be.AllocChunk(sc, uintptr(be.ChunkSize()), false, 7, &q)
	require.NoError(t, err)
	require.Equal(t, uint64(7), entry.OwnerID)

	mid := entry.ChunkAddr + entry.ChunkSize/2
	got := be.Lookup(mid)
	require.Same(t, entry, got)
}

func TestLookupRejectsUnknownAddress(t *testing.T) {
	be := New(palfake.New(), 14)
	require.Nil(t, be.Lookup(0xdeadbeef))
}

func TestLookupRejectsAddressOutsideChunkBounds(t *testing.T) {
	be := New(palfake.New(), 14)

	var q remote.Queue
	q.Init()

	sc := sizeclass.NewConfig(sizeclass.DefaultParams()).SizeToSizeclassFull(32)
	entry, err := be.AllocChunk(sc, uintptr(be.ChunkSize()), false, 1, &q)
	require.NoError(t, err)

	require.Nil(t, be.Lookup(entry.ChunkAddr+entry.ChunkSize))
}

func TestFreeChunkForgetsMetadata(t *testing.T) {
	be := New(palfake.New(), 14)

	var q remote.Queue
	q.Init()

	sc := sizeclass.NewConfig(sizeclass.DefaultParams()).SizeToSizeclassFull(32)
	entry, err := be.AllocChunk(sc, uintptr(be.ChunkSize()), false, 1, &q)
	require.NoError(t, err)

	require.NoError(t, be.FreeChunk(entry.ChunkAddr))
	require.Nil(t, be.Lookup(entry.ChunkAddr))
	require.Error(t, be.FreeChunk(entry.ChunkAddr))
}

func TestDomesticateAcceptsOnlyKnownChunks(t *testing.T) {
	be := New(palfake.New(), 14)

	var q remote.Queue
	q.Init()

	sc := sizeclass.NewConfig(sizeclass.DefaultParams()).SizeToSizeclassFull(32)
	entry, err := be.AllocChunk(sc, uintptr(be.ChunkSize()), false, 1, &q)
	require.NoError(t, err)

	obj, ok := be.Domesticate(freelist.Wild(entry.ChunkAddr))
	require.True(t, ok)
	require.Equal(t, entry.ChunkAddr, uintptr(obj))

	_, ok = be.Domesticate(freelist.Wild(0xbad))
	require.False(t, ok)
}

func TestRemoteLookupReturnsOwnerQueueAndID(t *testing.T) {
	be := New(palfake.New(), 14)

	var q remote.Queue
	q.Init()

	sc := sizeclass.NewConfig(sizeclass.DefaultParams()).SizeToSizeclassFull(32)
	entry, err := be.AllocChunk(sc, uintptr(be.ChunkSize()), false, 42, &q)
	require.NoError(t, err)

	dest, id := be.RemoteLookup(entry.ChunkAddr)
	require.Same(t, &q, dest)
	require.Equal(t, uint64(42), id)
}

func TestRemoteLookupPanicsOnUnknownAddress(t *testing.T) {
	be := New(palfake.New(), 14)
	require.Panics(t, func() {
		be.RemoteLookup(0xdeadbeef)
	})
}
