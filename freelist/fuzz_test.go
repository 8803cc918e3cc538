package freelist

import (
	"testing"

	"github.com/fmstephe/snmallocator/entropy"
)

// FuzzBuilderRoundTrip exercises arbitrary Add/Close sequences, checking
// that the list produced always contains exactly the objects added and
// never anything it was never given (spec section 8 property 5's
// "delivered exactly once" generalizes to single-threaded free lists
// too: nothing should be lost or duplicated).
func FuzzBuilderRoundTrip(f *testing.F) {
	f.Add([]byte{0, 1, 2, 3, 4, 5, 6, 7})
	f.Add([]byte{1, 1, 1, 1})

	f.Fuzz(func(t *testing.T, steps []byte) {
		const n = 32
		const objSize = 32
		arena := newTestArena(n, objSize)
		ts := entropy.NewThreadState(7, 9)
		key := NewKey(&ts, true, true)
		domesticate := tameDomesticate(arena, n, objSize)

		added := map[Object]bool{}

		var b Builder
		for _, step := range steps {
			idx := int(step) % n
			obj := arena.object(idx, objSize)
			if added[obj] {
				continue
			}
			added[obj] = true
			b.Add(obj, key)
		}

		iter, rest := b.Close(key)

		seen := map[Object]bool{}
		for !iter.Empty() {
			seen[iter.Take(domesticate)] = true
		}

		iter2, rest2 := rest.Close(key)
		for !iter2.Empty() {
			seen[iter2.Take(domesticate)] = true
		}

		if !rest2.Empty() {
			t.Fatalf("objects remain after closing both sublists")
		}

		if len(seen) != len(added) {
			t.Fatalf("expected %d distinct objects, saw %d", len(added), len(seen))
		}
		for obj := range seen {
			if !added[obj] {
				t.Fatalf("iterator produced an object that was never added: %v", obj)
			}
		}
	})
}
