// Package entropy provides the per-thread PRNG state and free-list signing
// keys consumed by freelist and remote. There is exactly one ThreadState
// per LocalAllocator (spec section 3, component C10); it is never shared
// across goroutines.
package entropy

import "math/rand/v2"

// ThreadState holds one thread's free-list signing keys and PRNG. The
// teacher repo has no PRNG of its own (object identity/generation is
// enough for its use case), so this wraps the standard library's
// math/rand/v2 PCG generator rather than hand-rolling one, following the
// pack's general idiom of reaching for an existing generator rather than
// inventing bit-twiddling from scratch.
type ThreadState struct {
	rng *rand.Rand

	k1, k2 uint64
}

// NewThreadState seeds a ThreadState from two 64 bit words, typically
// drawn from pal.Interface.EntropySeed(). The same seed always produces the
// same keys and random sequence, which is useful for deterministic tests.
func NewThreadState(seed0, seed1 uint64) ThreadState {
	ts := ThreadState{
		rng: rand.New(rand.NewPCG(seed0, seed1)),
	}
	ts.RefreshKeys()
	return ts
}

// NextBit returns a single random bit, used by freelist's randomization
// policy to choose which of the two sublists an object is added to.
func (ts *ThreadState) NextBit() bool {
	return ts.rng.Uint64()&1 == 1
}

// NextUint64 returns a full 64 bits of randomness from the PRNG.
func (ts *ThreadState) NextUint64() uint64 {
	return ts.rng.Uint64()
}

// RefreshKeys draws fresh signing keys K1/K2 from the PRNG. Called once
// at ThreadState construction; a long-lived allocator may choose to call
// it again on a slow path to limit the blast radius of a leaked key, but
// the core never calls it on the fast path.
func (ts *ThreadState) RefreshKeys() {
	ts.k1 = ts.rng.Uint64()
	ts.k2 = ts.rng.Uint64()
}

// Keys returns the current free-list signing keys.
func (ts *ThreadState) Keys() (k1, k2 uint64) {
	return ts.k1, ts.k2
}
