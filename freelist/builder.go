package freelist

// Builder accumulates free objects into one or two singly-linked
// sublists as they are pushed (spec section 4.2). With randomization
// disabled it behaves as a plain append-only list; with randomization
// enabled, Add distributes objects between two internal sublists using
// one bit of per-thread randomness per object, and Close hands back the
// longer sublist while keeping the shorter one for next time, per spec
// section 4.2's "forcing more frequent re-entry to the slow path and
// interleaving allocations across the slab".
//
// A zero-value Builder is a valid, empty builder.
type Builder struct {
	head   [2]Object
	tail   [2]Object
	length [2]int
}

// Empty reports whether the builder currently holds no objects.
func (b *Builder) Empty() bool {
	return b.length[0] == 0 && b.length[1] == 0
}

// Len returns the total number of objects currently held across both
// sublists.
func (b *Builder) Len() int {
	return b.length[0] + b.length[1]
}

// Add appends obj to the builder. Its next pointer is terminated (set to
// the nil sentinel); the previous tail of the chosen sublist, if any, is
// linked to point at obj.
func (b *Builder) Add(obj Object, key Key) {
	slot := 0
	if key.nextBit() {
		slot = 1
	}

	obj.storeNextRaw(key.obfuscate(0))

	if b.length[slot] == 0 {
		b.head[slot] = obj
		b.tail[slot] = obj
		b.length[slot] = 1
		return
	}

	prev := b.tail[slot]
	prev.storeNextRaw(key.obfuscate(uint64(obj)))
	if key.signingEnabled {
		obj.storePrevEncoded(key.sign(uintptr(prev), uintptr(obj)))
	}

	b.tail[slot] = obj
	b.length[slot]++
}

// AddRange appends an already-linked [first, last] chain of n objects in
// one step, used when a whole batch arrives from the remote queue (spec
// section 4.7's drain loop) and does not need re-signing because it was
// already signed by whichever thread built it.
func (b *Builder) AddRange(first, last Object, n int, key Key) {
	slot := 0
	if key.nextBit() {
		slot = 1
	}

	if b.length[slot] == 0 {
		b.head[slot] = first
	} else {
		prev := b.tail[slot]
		prev.storeNextRaw(key.obfuscate(uint64(first)))
		if key.signingEnabled {
			first.storePrevEncoded(key.sign(uintptr(prev), uintptr(first)))
		}
	}

	b.tail[slot] = last
	b.length[slot] += n
}

// Close finalizes the builder, returning an Iterator over the sublist
// that should be served next (the longer one when randomization is
// enabled, sublist 0 otherwise) and a fresh Builder pre-loaded with
// whatever remains.
func (b *Builder) Close(key Key) (Iterator, Builder) {
	emit, keep := 0, 1
	if b.length[1] > b.length[0] {
		emit, keep = 1, 0
	}

	iter := Iterator{cur: b.head[emit], key: key}

	remaining := Builder{}
	remaining.head[0] = b.head[keep]
	remaining.tail[0] = b.tail[keep]
	remaining.length[0] = b.length[keep]

	*b = Builder{}

	return iter, remaining
}

// CloseAll concatenates both sublists into a single Iterator covering
// every object currently held, leaving the builder empty. Used by
// remote.DeallocCache's posting algorithm to walk a builder's full
// contents when redistributing them into next round's slots.
func (b *Builder) CloseAll(key Key) Iterator {
	first, _, _ := b.ExtractSegment(key)
	return Iterator{cur: first, key: key}
}

// ExtractSegment closes the builder the way remote.DeallocCache needs to
// when posting: it returns the first and last object of the combined
// list (both sublists concatenated, signing re-applied across the
// splice point) along with the object count, leaving the builder empty.
func (b *Builder) ExtractSegment(key Key) (first, last Object, n int) {
	if b.length[0] == 0 {
		first, last, n = b.head[1], b.tail[1], b.length[1]
		*b = Builder{}
		return
	}
	if b.length[1] == 0 {
		first, last, n = b.head[0], b.tail[0], b.length[0]
		*b = Builder{}
		return
	}

	// Splice sublist 1 onto the tail of sublist 0.
	tail0 := b.tail[0]
	head1 := b.head[1]
	tail0.storeNextRaw(key.obfuscate(uint64(head1)))
	if key.signingEnabled {
		head1.storePrevEncoded(key.sign(uintptr(tail0), uintptr(head1)))
	}

	first, last, n = b.head[0], b.tail[1], b.length[0]+b.length[1]
	*b = Builder{}
	return
}
