package minhash

import (
	"math/bits"
	"math/rand"
	"sync"
)

// mersennePrime is M = 2^61 - 1, the modulus of the universal hash
// permutation family h_i(x) = (a_i*x + b_i) mod M.
const mersennePrime = (uint64(1) << 61) - 1

// permTable holds the shared (A, B) coefficient arrays for one
// (seed, numPerm) pair. It is built once and never mutated afterwards,
// so any number of sketches can share a single instance read-only.
type permTable struct {
	a []uint64
	b []uint64
}

// permCacheKey identifies a permutation table by the two parameters it
// is a pure function of.
type permCacheKey struct {
	seed    uint32
	numPerm uint32
}

// permCache memoizes permTable by (seed, numPerm), mirroring the
// decayTableCache idiom used for per-parameter table memoization
// elsewhere in this codebase's lineage: compute once, share read-only.
var permCache sync.Map // permCacheKey -> *permTable

// getPermTable returns the shared, read-only (A, B) arrays for
// (seed, numPerm), computing them on first use. Identical (seed,
// numPerm) pairs always yield byte-identical arrays, in this process
// or any other, because both are pure functions of a seeded PRNG
// stream.
func getPermTable(seed, numPerm uint32) *permTable {
	key := permCacheKey{seed: seed, numPerm: numPerm}
	if v, ok := permCache.Load(key); ok {
		return v.(*permTable)
	}

	pt := buildPermTable(seed, numPerm)
	actual, _ := permCache.LoadOrStore(key, pt)
	return actual.(*permTable)
}

// buildPermTable draws numPerm (a, b) pairs from a PRNG stream seeded
// deterministically from seed. a is uniform in [1, M), b is uniform in
// [0, M). Using math/rand with an explicit seed (rather than a
// process-global or time-seeded source) is what makes two independent
// constructions with the same (seed, numPerm) reproduce the same
// coefficients byte for byte.
func buildPermTable(seed uint32, numPerm uint32) *permTable {
	src := rand.New(rand.NewSource(int64(seed)))

	a := make([]uint64, numPerm)
	b := make([]uint64, numPerm)
	for i := range a {
		// a_i uniform in [1, M).
		a[i] = 1 + uint64(src.Int63n(int64(mersennePrime-1)))
		// b_i uniform in [0, M).
		b[i] = uint64(src.Int63n(int64(mersennePrime)))
	}

	return &permTable{a: a, b: b}
}

// reduceModM folds a value of up to 64 bits down into [0, M), exploiting
// the Mersenne-prime identity 2^61 ≡ 1 (mod M): splitting v into its low
// 61 bits and the bits above them and adding the two halves back
// together converges to a value below M in at most two iterations.
func reduceModM(v uint64) uint64 {
	for v > mersennePrime {
		v = (v & mersennePrime) + (v >> 61)
	}
	if v == mersennePrime {
		return 0
	}
	return v
}

// addModM returns (x + y) mod M for x, y already in [0, M).
func addModM(x, y uint64) uint64 {
	return reduceModM(x + y)
}

// mulModM returns (a * x) mod M for a in [0, M) and x an arbitrary
// uint64 (in practice the 32-bit value read off a caller's hash
// digest). The product can need up to 93 bits, too wide for a uint64,
// so it is computed as a 128-bit hi:lo pair and folded back down using
// 2^64 ≡ 8 (mod M), itself a consequence of 2^61 ≡ 1 (mod M).
func mulModM(a, x uint64) uint64 {
	hi, lo := bits.Mul64(a, x)
	sum, carry := bits.Add64(lo, hi<<3, 0)
	if carry != 0 {
		sum += 8
	}
	return reduceModM(sum)
}
