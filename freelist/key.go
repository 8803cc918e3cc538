package freelist

import "github.com/fmstephe/snmallocator/entropy"

// Key bundles the per-thread signing keys, the randomization toggle and
// the RNG used to decide which sublist an object lands in. It is the
// "compile-time policy that wraps the pointer-load and pointer-store
// operations" spec section 9 asks for, implemented in Go as an
// immutable-per-allocation value checked with a single branch rather
// than scattered ifdefs, since Go has no template specialization to do
// the equivalent at compile time.
type Key struct {
	ts *entropy.ThreadState

	signingEnabled      bool
	randomizationEnabled bool
}

// NewKey builds a Key bound to ts's current signing keys and RNG. ts must
// outlive the Key.
func NewKey(ts *entropy.ThreadState, signingEnabled, randomizationEnabled bool) Key {
	return Key{
		ts:                    ts,
		signingEnabled:        signingEnabled,
		randomizationEnabled: randomizationEnabled,
	}
}

func (k Key) obfuscate(v uint64) uint64 {
	if !k.signingEnabled {
		return v
	}
	k1, k2 := k.ts.Keys()
	return v ^ k1 ^ k2
}

// sign computes the prev_encoded check field for an object at address
// objAddr whose predecessor in the walk is at prevAddr, per spec section
// 4.2: prev_encoded = (prev_addr + K1) * (this_addr + K2).
func (k Key) sign(prevAddr, objAddr uintptr) uint64 {
	k1, k2 := k.ts.Keys()
	return (uint64(prevAddr) + k1) * (uint64(objAddr) + k2)
}

func (k Key) nextBit() bool {
	if !k.randomizationEnabled {
		return false
	}
	return k.ts.NextBit()
}
