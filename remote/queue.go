// Package remote implements the cross-thread deallocation pipeline: the
// per-CoreAllocator MPSC queue (spec section 4.4) and the per-thread
// batching cache that fans foreign frees out to their destinations and
// posts them in bulk (spec section 4.5).
//
// The queue is grounded on the same "single atomic word, CAS/exchange on
// contention" idiom the teacher uses for its allocation-index counter
// (pointerstore.Store.acquireAllocIdx), generalized here from a single
// compare-and-swap loop over a uint64 into the classic Michael-Scott
// stub-based MPSC queue spec section 4.4 describes: always-present stub
// object, atomic exchange on the producer side, plain pointer on the
// single-consumer side.
package remote

import (
	"sync/atomic"
	"unsafe"

	"github.com/fmstephe/snmallocator/freelist"
)

// Queue is the MPSC message queue owned by exactly one CoreAllocator.
// Any number of goroutines may Enqueue; only the owner may Dequeue.
type Queue struct {
	// back is the atomic enqueue side; any producer may swap into it.
	back atomic.Uintptr

	// front is the dequeue side; owner-only, never touched by a
	// producer, so it needs no atomic synchronization of its own -- the
	// happens-before edge a consumer needs comes from the
	// release/acquire pair on each message's own next pointer, not from
	// front itself (spec section 5).
	front freelist.Object

	// stub is a permanently-embedded sentinel object living inside the
	// Queue value itself, so Init never needs a heap allocation (spec
	// section 4.4: "the queue always contains a stub object"). It must
	// be at least freelist.HeaderSize bytes and aligned to 8 bytes,
	// which two uint64 words satisfy directly.
	stub [2]uint64
}

func (q *Queue) stubObject() freelist.Object {
	return freelist.Object(uintptr(unsafe.Pointer(&q.stub[0])))
}

// Init prepares the queue for use. Must be called before any
// Enqueue/Dequeue, and must not run concurrently with either.
func (q *Queue) Init() {
	stub := q.stubObject()
	stub.AtomicStoreNext(0)
	q.front = stub
	q.back.Store(uintptr(stub))
}

// IsEmpty reports whether the queue currently holds no real messages,
// i.e. front == back. It may race harmlessly with a concurrent Enqueue:
// a false "empty" briefly after a producer starts its Enqueue is
// expected and resolves itself on the next poll.
func (q *Queue) IsEmpty() bool {
	return q.back.Load() == uintptr(q.front)
}

// Enqueue publishes the linked chain [first, last] to the queue. Any
// number of goroutines may call Enqueue concurrently; each call is
// linearizable with respect to every other Enqueue, per spec section
// 4.4's three-step algorithm:
//
//  1. terminate the new tail
//  2. atomically swap it into back, recovering the previous tail
//  3. publish first by writing it into the previous tail's next field
//
// Step 3's write is the synchronization edge a consumer's Dequeue
// acquires: once it is observed, every write the enqueuing thread made
// to first..last (including the free-list links within the batch) is
// visible to the dequeuing thread (spec section 5).
func (q *Queue) Enqueue(first, last freelist.Object) {
	last.AtomicStoreNext(0)

	prev := freelist.Object(q.back.Swap(uintptr(last)))

	prev.AtomicStoreNext(uint64(first))
}

// Dequeue removes and returns the front message, or reports false if the
// queue currently has nothing new to offer. domesticateHead verifies the
// pointer read from front's next field before it is trusted; callers in
// a QueueHeadsAreTame configuration may pass a no-op verifier (spec
// section 4.2).
//
// Following the same mpscq.h this queue is grounded on: the message
// returned is the OLD front, not the object its next pointer names --
// front only ever advances to the next link, and that link becomes the
// thing a *later* Dequeue call hands back. This means the most recently
// enqueued object in the whole batch is never returned until something
// else is enqueued after it (it sits as the new front instead); that is
// an accepted property of this queue, not a bug, since it is eventually
// delivered (or recovered by Destroy) rather than lost.
//
// Because this queue's stub is embedded directly in the Queue value
// (not a heap-allocated node), the very first object Dequeue would ever
// return is that stub itself -- queue-owned bookkeeping memory, never a
// real allocation. Handing it to a caller as though it were a freed
// object would corrupt the Queue. That one delivery is absorbed here by
// looping past it rather than returning it.
func (q *Queue) Dequeue(domesticateHead freelist.Domesticate) (freelist.Object, bool) {
	stub := q.stubObject()

	for {
		first := q.front

		next := freelist.Wild(first.AtomicLoadNext())
		if next.IsNil() {
			return 0, false
		}

		nextObj, ok := domesticateHead(next)
		if !ok {
			panic("remote: corrupted queue pointer does not belong to this allocator")
		}

		q.front = nextObj

		if first == stub {
			continue
		}

		return first, true
	}
}

// Destroy tears the queue down, returning whatever object still sits at
// front. After Destroy the Queue must not be used again without a fresh
// Init.
func (q *Queue) Destroy() freelist.Object {
	front := q.front
	q.back.Store(0)
	q.front = 0
	return front
}
