// Package backend is the layer below every CoreAllocator: it owns actual
// address space (via pal.Interface), hands out chunk-sized slabs, and
// answers the one question the rest of this module cannot answer for
// itself -- "what is at this address" -- through a pagemap-style
// metadata table.
//
// The pagemap borrows the RWMutex-guarded table shape of the teacher's
// pointerstore.Store, but is a Go map keyed by chunk base address: Lookup
// masks any address down to its chunk base before consulting it.
// Generation tagging on each entry
// is adapted from pointerstore's Reference, which smuggles an 8-bit
// generation into the pointer's top bits to catch stale-reference bugs;
// here the generation lives in the MetaEntry instead of the pointer
// itself, since pointer_store.go's allocator doesn't have to cope with
// domesticating pointers arriving from client code the way this one
// does.
package backend

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fmstephe/snmallocator/freelist"
	"github.com/fmstephe/snmallocator/pal"
	"github.com/fmstephe/snmallocator/remote"
	"github.com/fmstephe/snmallocator/sizeclass"
	"github.com/fmstephe/snmallocator/slabmeta"
)

// MetaEntry is the backend's record of one chunk: which sizeclass it is
// sliced into (or the large-object marker), which CoreAllocator it is
// currently owned by, and a generation counter bumped every time the
// chunk is recycled to a new owner.
type MetaEntry struct {
	ChunkAddr uintptr
	ChunkSize uintptr
	Sizeclass sizeclass.Sizeclass
	Large     bool

	// OwnerID identifies which CoreAllocator this chunk currently belongs
	// to. OwnerQueue is that core's remote dealloc MPSC queue -- the
	// only thing a foreign thread freeing into this chunk needs.
	OwnerID    uint64
	OwnerQueue *remote.Queue

	// Meta is the owning CoreAllocator's bookkeeping for this chunk. It
	// is nil for the brief window between AllocChunk returning and the
	// caller attaching a freshly built slabmeta.Metadata; nothing else
	// may observe the entry during that window since the chunk address
	// has not yet been published anywhere else.
	Meta *slabmeta.Metadata

	// Generation is drawn from a counter that increments every time
	// AllocChunk hands out a chunk, in the spirit of
	// pointerstore.Reference's generation tag. It is recorded only: no
	// code path in this module compares generations.
	Generation uint64
}

// Backend owns chunk-granularity address space and the metadata table
// describing how each chunk is currently sliced up.
type Backend struct {
	pal       pal.Interface
	chunkBits uint
	chunkSize uintptr

	mu      sync.RWMutex
	entries map[uintptr]*MetaEntry // keyed by chunk base address

	nextGeneration atomic.Uint64
}

// New builds a Backend whose chunks are 1<<chunkBits bytes, reserved
// through pal.
func New(p pal.Interface, chunkBits uint) *Backend {
	return &Backend{
		pal:       p,
		chunkBits: chunkBits,
		chunkSize: uintptr(1) << chunkBits,
		entries:   make(map[uintptr]*MetaEntry),
	}
}

func (b *Backend) ChunkSize() uintptr {
	return b.chunkSize
}

// chunkBase masks addr down to the start of the chunk that contains it.
func (b *Backend) chunkBase(addr uintptr) uintptr {
	return addr &^ (b.chunkSize - 1)
}

// AllocChunk reserves a new region of size bytes rounded up to a chunk
// multiple (at least one chunk), aligned to the chunk size, and registers
// a MetaEntry for it, owned by ownerID/ownerQueue.
func (b *Backend) AllocChunk(sc sizeclass.Sizeclass, size uintptr, large bool, ownerID uint64, ownerQueue *remote.Queue) (*MetaEntry, error) {
	chunkSize := b.chunkSize
	if size > chunkSize {
		chunkSize = roundUpToChunk(size, b.chunkSize)
	}

	addr, err := b.pal.Reserve(chunkSize, b.chunkSize)
	if err != nil {
		return nil, fmt.Errorf("backend: reserving chunk: %w", err)
	}

	entry := &MetaEntry{
		ChunkAddr:  addr,
		ChunkSize:  chunkSize,
		Sizeclass:  sc,
		Large:      large,
		OwnerID:    ownerID,
		OwnerQueue: ownerQueue,
		Generation: b.nextGeneration.Add(1),
	}

	b.mu.Lock()
	b.entries[addr] = entry
	b.mu.Unlock()

	return entry, nil
}

func roundUpToChunk(size, chunkSize uintptr) uintptr {
	return (size + chunkSize - 1) &^ (chunkSize - 1)
}

// FreeChunk releases a chunk back to pal and forgets its metadata. After
// FreeChunk, any pointer still referencing addr is a dangling reference
// and must not be domesticated again (Domesticate below rejects it as
// soon as the entry is gone).
func (b *Backend) FreeChunk(addr uintptr) error {
	b.mu.Lock()
	entry, ok := b.entries[addr]
	if ok {
		delete(b.entries, addr)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("backend: FreeChunk on unknown chunk %#x", addr)
	}

	return b.pal.Release(addr, entry.ChunkSize)
}

// Lookup returns the MetaEntry covering addr, or nil if addr is not
// inside any chunk this backend currently owns.
func (b *Backend) Lookup(addr uintptr) *MetaEntry {
	base := b.chunkBase(addr)

	b.mu.RLock()
	entry := b.entries[base]
	b.mu.RUnlock()

	if entry == nil {
		return nil
	}
	if addr < entry.ChunkAddr || addr >= entry.ChunkAddr+entry.ChunkSize {
		return nil
	}
	return entry
}

// Domesticate verifies that a Wild pointer genuinely lies within a chunk
// this backend currently owns, satisfying freelist.Domesticate. This is
// the pointer-provenance check spec section 9 requires before any
// untrusted next pointer is followed.
func (b *Backend) Domesticate(w freelist.Wild) (freelist.Object, bool) {
	addr := uintptr(w)
	if b.Lookup(addr) == nil {
		return 0, false
	}
	return freelist.Object(addr), true
}

// RemoteLookup adapts Lookup into the shape remote.DeallocCache.Post
// needs: given the address of a foreign free, recover its destination
// queue and a stable numeric id for that destination.
func (b *Backend) RemoteLookup(addr uintptr) (*remote.Queue, uint64) {
	entry := b.Lookup(addr)
	if entry == nil {
		panic("backend: RemoteLookup on address with no metadata; corrupted remote message")
	}
	return entry.OwnerQueue, entry.OwnerID
}
