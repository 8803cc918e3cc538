// Package freelist implements the in-object singly-linked free list used
// by every slab (spec section 4.2). Free objects are not heap values the
// Go runtime knows about: they are raw addresses inside slabs owned by
// the backend, so this package works entirely in terms of uintptr and
// unsafe.Pointer, the same way offheap's internal pointerstore package
// manipulates raw object/metadata addresses rather than typed Go values.
//
// Two data-oriented object layout decisions follow directly from spec
// section 3 and section 9:
//
//   - The next pointer lives at offset 0 of the object's storage, so it
//     can be read before anything is known about the object's real type.
//   - A second machine word at offset 8 carries the "signed free list"
//     check field when that mitigation is enabled (see Key).
//
// Spec section 9's pointer-provenance guidance ("distinct newtype
// wrappers for ... Alloc ... and Wild") is followed with two address
// types: Object (verified to be within this allocator's memory) and
// Wild (just read off a list and not yet verified). The only way to
// turn a Wild into an Object is through a Domesticate function supplied
// by the backend.
package freelist

import (
	"sync/atomic"
	"unsafe"
)

// Object is the address of a free object that this package's caller has
// already established is within allocator-owned memory: either because
// it was handed to us directly by the backend, or because it has passed
// through a Domesticate call.
type Object uintptr

// Wild is the address of a free object read directly from a next
// pointer stored in client-writable memory. It must be domesticated
// before its contents are trusted.
type Wild uintptr

// Domesticate verifies that a Wild pointer genuinely lies within this
// allocator's managed memory, returning an Object and true, or false if
// the pointer cannot be verified. Supplied by backend.Interface.
type Domesticate func(Wild) (Object, bool)

// IsNil reports whether o is the null/terminator object.
func (o Object) IsNil() bool {
	return o == 0
}

// IsNil reports whether w is the null/terminator pointer.
func (w Wild) IsNil() bool {
	return w == 0
}

const (
	nextOffset         = 0
	prevEncodedOffset  = 8
	minObjectSizeBytes = 16
)

func (o Object) nextWordPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(o) + nextOffset))
}

func (o Object) prevEncodedWordPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(o) + prevEncodedOffset))
}

func (o Object) storeNextRaw(v uint64) {
	*o.nextWordPtr() = v
}

func (o Object) loadNextRaw() uint64 {
	return *o.nextWordPtr()
}

func (o Object) storePrevEncoded(v uint64) {
	*o.prevEncodedWordPtr() = v
}

func (o Object) loadPrevEncoded() uint64 {
	return *o.prevEncodedWordPtr()
}

// AtomicStoreNext writes the next-pointer word with sequentially
// consistent ordering (strictly stronger than the release the MPSC
// queue algorithm requires, but Go's atomic package does not expose a
// bare release store on raw pointers). Used only by package remote,
// where the next field of an in-flight message may be written and read
// from different goroutines concurrently.
func (o Object) AtomicStoreNext(v uint64) {
	atomic.StoreUint64(o.nextWordPtr(), v)
}

// AtomicLoadNext reads the next-pointer word with sequentially
// consistent ordering. See AtomicStoreNext.
func (o Object) AtomicLoadNext() uint64 {
	return atomic.LoadUint64(o.nextWordPtr())
}

// HeaderSize is the number of bytes at the front of an object this
// package reserves for list bookkeeping (next pointer plus the signed
// check field). Any real object handed into a Builder must be at least
// this large; the sizeclass table guarantees the smallest sizeclass
// already is.
const HeaderSize = minObjectSizeBytes
