// Package corepool implements the pool of per-thread CoreAllocators that
// localalloc attaches to and detaches from: a lock-free stack of
// currently-idle cores for the fast reuse path, plus a
// mutex-guarded list of every core ever created, consulted only off the
// hot path (diagnostics, CoreCount/EachCore).
//
// The idle stack is grounded on the same compare-and-swap retry idiom as
// the teacher's pointerstore.Store.acquireAllocIdx, generalized from
// incrementing a counter to a full Treiber stack push/pop over
// *corealloc.Core nodes linked through slabmeta-style intrusive
// pointers -- this package supplies its own link field rather than
// reusing slabmeta.Metadata.Next, since a Core is not a slab.
package corepool

import (
	"sync"
	"sync/atomic"

	"github.com/fmstephe/snmallocator/corealloc"
	"github.com/fmstephe/snmallocator/internal/cpuid"
)

type node struct {
	core *corealloc.Core
	next *node
}

// Pool hands out idle Cores and remembers every Core it has ever
// created, so allocator.Allocator can report aggregate Stats().
type Pool struct {
	idle atomic.Pointer[node]

	allMu sync.Mutex
	all   []*corealloc.Core

	nextID atomic.Uint64

	newCore func(id uint64) *corealloc.Core
}

// New builds an empty Pool. newCore is called (never concurrently with
// itself for the same id) whenever Acquire finds no idle Core to reuse.
// The all-list starts pre-sized for one Core per logical CPU, the
// common case of one worker goroutine per GOMAXPROCS slot, so the first
// wave of Acquire calls does not force repeated slice growth.
func New(newCore func(id uint64) *corealloc.Core) *Pool {
	return &Pool{
		newCore: newCore,
		all:     make([]*corealloc.Core, 0, cpuid.NumCPU()),
	}
}

// Acquire pops an idle Core if one is available, or creates a fresh one.
// The returned Core is recorded in the pool's all-list exactly once,
// the first time it is created.
func (p *Pool) Acquire() *corealloc.Core {
	for {
		top := p.idle.Load()
		if top == nil {
			break
		}
		if p.idle.CompareAndSwap(top, top.next) {
			return top.core
		}
	}

	id := p.nextID.Add(1)
	core := p.newCore(id)

	p.allMu.Lock()
	p.all = append(p.all, core)
	p.allMu.Unlock()

	return core
}

// Release returns core to the idle stack for reuse by a future Acquire.
// The caller must not touch core again until it acquires it back.
func (p *Pool) Release(core *corealloc.Core) {
	n := &node{core: core}
	for {
		top := p.idle.Load()
		n.next = top
		if p.idle.CompareAndSwap(top, n) {
			return
		}
	}
}

// CoreCount returns the number of Cores ever created by this Pool.
func (p *Pool) CoreCount() int {
	p.allMu.Lock()
	defer p.allMu.Unlock()
	return len(p.all)
}

// EachCore calls f once for every Core ever created by this Pool,
// including ones currently attached to a live localalloc.Allocator. f
// runs on a copy of the pool's list, without the pool lock held, so it
// may race with concurrent allocation work on attached cores; it is
// intended for best-effort diagnostics (cmd/allocstat), not hot-path use.
func (p *Pool) EachCore(f func(*corealloc.Core)) {
	p.allMu.Lock()
	cores := append([]*corealloc.Core(nil), p.all...)
	p.allMu.Unlock()

	for _, c := range cores {
		f(c)
	}
}
