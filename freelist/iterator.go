package freelist

// Iterator is a one-shot, destructive walk over a free list materialized
// by Builder.Close. Each Take call consumes the current head and
// advances to the next object, verifying the signed-list check field
// along the way if signing is enabled.
type Iterator struct {
	cur Object
	key Key
}

// Empty reports whether the iterator has been fully consumed.
func (it *Iterator) Empty() bool {
	return it.cur.IsNil()
}

// Peek returns the next object Take would return, without consuming it.
// Only valid when !Empty().
func (it *Iterator) Peek() Object {
	return it.cur
}

// Take removes and returns the head of the list, advancing the iterator.
// Every pointer read off the list is passed through domesticate before
// being trusted; a failed domestication or a signature mismatch panics
// with a corruption diagnostic, matching spec section 7's "detected by
// the signed-free-list check ... Reaction: abort."
func (it *Iterator) Take(domesticate Domesticate) Object {
	this := it.cur
	if this.IsNil() {
		panic("freelist: Take called on empty iterator")
	}

	nextRaw := it.key.obfuscate(this.loadNextRaw())
	if nextRaw == 0 {
		it.cur = 0
		return this
	}

	nextObj, ok := domesticate(Wild(nextRaw))
	if !ok {
		panic("freelist: corrupted next pointer does not belong to this allocator")
	}

	if it.key.signingEnabled {
		want := it.key.sign(uintptr(this), uintptr(nextObj))
		got := nextObj.loadPrevEncoded()
		if want != got {
			panic("free list corrupted")
		}
	}

	it.cur = nextObj
	return this
}

// TakeTame behaves like Take but skips domestication, for use only when
// the source of the next pointer is already known-tame.
// remote.DeallocCache.Post uses it to walk a list built from its own
// self-slot builder.
func (it *Iterator) TakeTame() Object {
	return it.Take(func(w Wild) (Object, bool) {
		return Object(w), true
	})
}
