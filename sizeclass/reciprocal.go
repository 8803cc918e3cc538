package sizeclass

import (
	"math/big"
	"math/bits"
)

// reciprocal implements unsigned division and divisibility testing by a
// fixed divisor using precomputed multiply-shift constants, avoiding a
// hardware divide instruction on the allocation fast path (spec section
// 4.1's "reciprocal constants for O(1) division and divisibility tests").
//
// Division: n/d == (n * mul) >> shift for every n representable in a
// slab offset (n < 2^32 is comfortably enough headroom for any slab size
// this allocator will ever build).
//
// Divisibility: after stripping d's trailing zero bits, n%odd==0 iff
// (n * inverse) <= threshold, the standard Granlund-Montgomery test,
// where inverse is odd's multiplicative inverse mod 2^64.
//
// The constants are computed once per sizeclass using math/big (this
// runs a handful of times at Config construction, never on the
// allocation or deallocation fast path) rather than hand-rolled 128-bit
// arithmetic, which is both clearer and exact.
type reciprocal struct {
	divisor uint64
	mul     uint64
	shift   uint

	trailingZeros uint
	oddDivisor    uint64
	inverse       uint64
	threshold     uint64
}

// divBits bounds the largest numerator this reciprocal will ever be
// asked to divide (an offset within a single slab); 40 bits covers slabs
// far larger than this allocator's largest sizeclass with room to spare.
const divBits = 40

func newReciprocal(d uint64) reciprocal {
	if d == 0 {
		d = 1
	}

	shift := uint(bits.Len64(d-1)) + divBits
	if shift > 63 {
		shift = 63
	}
	// mul = ceil(2^shift / d)
	num := new(big.Int).Lsh(big.NewInt(1), shift)
	bigD := new(big.Int).SetUint64(d)
	q, r := new(big.Int).DivMod(num, bigD, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	mul := q.Uint64()

	tz := uint(bits.TrailingZeros64(d))
	odd := d >> tz
	inv := modInverse64(odd)
	threshold := (^uint64(0)) / odd

	return reciprocal{
		divisor:       d,
		mul:           mul,
		shift:         shift,
		trailingZeros: tz,
		oddDivisor:    odd,
		inverse:       inv,
		threshold:     threshold,
	}
}

// div computes n / r.divisor without a hardware divide.
func (r reciprocal) div(n uint64) uint64 {
	if r.divisor == 1 {
		return n
	}
	hi, lo := bits.Mul64(n, r.mul)
	// hi:lo holds n*mul as a 128 bit value; the quotient is that value
	// shifted right by r.shift, which is always < 64 by construction.
	if r.shift == 0 {
		return hi
	}
	return (hi << (64 - r.shift)) | (lo >> r.shift)
}

// divisible reports whether n is an exact multiple of r.divisor.
func (r reciprocal) divisible(n uint64) bool {
	if n&((uint64(1)<<r.trailingZeros)-1) != 0 {
		return false
	}
	n >>= r.trailingZeros
	return (n * r.inverse) <= r.threshold
}

// modInverse64 returns the multiplicative inverse of the odd number odd
// modulo 2^64 via Newton's iteration (each step doubles the number of
// correct low bits, starting from 3 correct bits).
func modInverse64(odd uint64) uint64 {
	x := odd
	for i := 0; i < 5; i++ {
		x = x * (2 - odd*x)
	}
	return x
}
