// Package lsh implements MinHash LSH: a banding scheme over MinHash
// registers that groups sketches into hash buckets so that
// resemblance search runs sub-linear in the number of indexed sketches,
// at the cost of approximate recall/precision governed by the band
// layout.
//
// A MinHash signature of numPerm registers is split into b bands of r
// rows (b*r <= numPerm); two sketches land in the same bucket for a
// band when all r registers in that band agree. A pair that shares any
// bucket across any band is a candidate match. Index is insert-only:
// there is no delete, and re-inserting an existing key fails rather
// than replacing it.
package lsh

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"

	"resemblance.dev/minhash"
	"resemblance.dev/sketcherr"
)

const (
	// DefaultThreshold is the similarity threshold Solve targets when
	// Params.Threshold is not otherwise specified.
	DefaultThreshold = 0.5

	// DefaultNumPerm is the register count Params.NumPerm defaults to.
	DefaultNumPerm uint32 = 128

	// DefaultWeightFP and DefaultWeightFN weight false positives and
	// false negatives equally in Solve's cost function by default.
	DefaultWeightFP = 0.5
	DefaultWeightFN = 0.5

	// integrationSamples is the number of trapezoidal-rule samples Solve
	// uses per side of the threshold when scoring a candidate (b, r).
	integrationSamples = 1000

	magic         = "LSH1"
	formatVersion = 1
)

// Params configures an Index's banding layout.
type Params struct {
	// Threshold is the similarity value Solve optimizes the false
	// positive/negative tradeoff around.
	Threshold float64
	// NumPerm is the MinHash register count every indexed sketch must
	// share.
	NumPerm uint32
	// WeightFP and WeightFN weight the two error costs Solve trades off
	// against each other when choosing (b, r).
	WeightFP float64
	WeightFN float64
}

// DefaultParams returns the Params used when building an Index without
// overriding anything.
func DefaultParams() Params {
	return Params{
		Threshold: DefaultThreshold,
		NumPerm:   DefaultNumPerm,
		WeightFP:  DefaultWeightFP,
		WeightFN:  DefaultWeightFN,
	}
}

func (p Params) validate() error {
	if p.Threshold <= 0 || p.Threshold >= 1 {
		return sketcherr.NewParameterError("threshold", p.Threshold, "must be in (0, 1)")
	}
	if p.NumPerm < 1 {
		return sketcherr.NewParameterError("num_perm", p.NumPerm, "must be >= 1")
	}
	if p.WeightFP < 0 || p.WeightFN < 0 {
		return sketcherr.NewParameterError("weight", [2]float64{p.WeightFP, p.WeightFN}, "must be non-negative")
	}
	return nil
}

// candidateProb is the probability that two sketches with true Jaccard
// similarity s land in the same bucket for at least one of b bands of r
// rows: 1 - (1 - s^r)^b.
func candidateProb(s float64, b, r uint32) float64 {
	return 1 - math.Pow(1-math.Pow(s, float64(r)), float64(b))
}

// integrate approximates the integral of f over [lo, hi] with the
// trapezoidal rule over n intervals.
func integrate(lo, hi float64, n int, f func(float64) float64) float64 {
	if n < 2 {
		n = 2
	}
	h := (hi - lo) / float64(n)
	sum := 0.5 * (f(lo) + f(hi))
	for i := 1; i < n; i++ {
		sum += f(lo + float64(i)*h)
	}
	return sum * h
}

// cost scores a candidate (b, r) banding as the weighted sum of its
// false-positive mass below threshold and false-negative mass above it.
func cost(threshold float64, b, r uint32, wFP, wFN float64) float64 {
	fp := integrate(0, threshold, integrationSamples, func(s float64) float64 {
		return candidateProb(s, b, r)
	})
	fn := integrate(threshold, 1, integrationSamples, func(s float64) float64 {
		return 1 - candidateProb(s, b, r)
	})
	return wFP*fp + wFN*fn
}

// Solve picks the (b, r) banding, with b*r <= numPerm, that minimizes
// the weighted false-positive/false-negative cost around threshold.
// Every (b, r) pair with b*r <= numPerm is scored, not just the single
// maximal r for each b: the cost surface isn't monotonic in r at fixed
// b, so a full grid search is what "exhaustive" means here. Solve is a
// pure function of its inputs: the same arguments always produce the
// same (b, r), and ties are broken toward the larger b, then the
// larger r.
func Solve(threshold float64, numPerm uint32, weightFP, weightFN float64) (b, r uint32) {
	if numPerm < 1 {
		return 0, 0
	}

	bestB, bestR := uint32(1), numPerm
	bestCost := math.Inf(1)

	for candidateB := numPerm; candidateB >= 1; candidateB-- {
		maxR := numPerm / candidateB
		for candidateR := maxR; candidateR >= 1; candidateR-- {
			c := cost(threshold, candidateB, candidateR, weightFP, weightFN)
			if c < bestCost {
				bestCost = c
				bestB, bestR = candidateB, candidateR
			}
		}
	}
	return bestB, bestR
}

// Index is a MinHash LSH table: b hash tables, one per band, each
// mapping a band's bucket hash to the set of keys that landed there.
type Index struct {
	mu     sync.RWMutex
	params Params
	b, r   uint32
	tables []map[uint64]map[string]struct{}
	keys   map[string][]uint64 // key -> bucket hash per band, for exact re-derivation on unmarshal
}

// NewIndex builds an empty Index, deriving its band layout from params
// via Solve.
func NewIndex(params Params) (*Index, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	b, r := Solve(params.Threshold, params.NumPerm, params.WeightFP, params.WeightFN)
	tables := make([]map[uint64]map[string]struct{}, b)
	for i := range tables {
		tables[i] = make(map[uint64]map[string]struct{})
	}

	return &Index{
		params: params,
		b:      b,
		r:      r,
		tables: tables,
		keys:   make(map[string][]uint64),
	}, nil
}

// Bands returns the (b, r) banding layout this index was built with.
func (idx *Index) Bands() (b, r uint32) {
	return idx.b, idx.r
}

// bucketHashes computes the b band bucket hashes for a MinHash register
// array, hashing each band's registers (as little-endian u64 bytes)
// with xxhash. This is an internal collision-resistant hash over the
// index's own derived bucket keys, not a hash of caller elements.
func bucketHashes(registers []uint64, b, r uint32) []uint64 {
	out := make([]uint64, b)
	buf := make([]byte, 8*r)
	for band := uint32(0); band < b; band++ {
		off := 0
		for row := uint32(0); row < r; row++ {
			binary.LittleEndian.PutUint64(buf[off:], registers[band*r+row])
			off += 8
		}
		out[band] = xxhash.Sum64(buf)
	}
	return out
}

func (idx *Index) checkSketch(m *minhash.Sketch) error {
	if m == nil {
		return sketcherr.NewIncompatibleSketchError("sketch", "non-nil sketch", nil)
	}
	if m.NumPerm() != idx.params.NumPerm {
		return sketcherr.NewIncompatibleSketchError("num_perm", idx.params.NumPerm, m.NumPerm())
	}
	return nil
}

// Insert adds key, indexed under m's band buckets. m must have NumPerm
// matching the index's Params. Insert fails with
// *sketcherr.DuplicateKeyError if key is already indexed.
func (idx *Index) Insert(key string, m *minhash.Sketch) error {
	if err := idx.checkSketch(m); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.keys[key]; exists {
		return sketcherr.NewDuplicateKeyError(key)
	}

	hashes := bucketHashes(m.Registers(), idx.b, idx.r)
	for band, h := range hashes {
		bucket := idx.tables[band][h]
		if bucket == nil {
			bucket = make(map[string]struct{})
			idx.tables[band][h] = bucket
		}
		bucket[key] = struct{}{}
	}
	idx.keys[key] = hashes
	return nil
}

// Query returns the deduplicated set of keys that share at least one
// band bucket with m: candidates for resemblance search, not a
// guaranteed similarity ranking.
func (idx *Index) Query(m *minhash.Sketch) ([]string, error) {
	if err := idx.checkSketch(m); err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	hashes := bucketHashes(m.Registers(), idx.b, idx.r)
	seen := make(map[string]struct{})
	for band, h := range hashes {
		for key := range idx.tables[band][h] {
			seen[key] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	return out, nil
}

// Bytesize reports the exact length of the persisted form.
func (idx *Index) Bytesize() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	size := len(magic) + 1 + 8 + 4 + 8 + 8 + 4 + 4 + 4 // header + threshold + numPerm + weights*2 + b + r + key count
	for key, hashes := range idx.keys {
		size += 4 + len(key) + 4 + len(hashes)*8
	}
	return size
}

// MarshalBinary encodes the index's persisted form: header (magic,
// version, params, b, r), then each key with its per-band bucket
// hashes. The hash tables themselves are rebuilt from this on load.
func (idx *Index) MarshalBinary() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]byte, idx.Bytesize())
	off := 0
	copy(out[off:], magic)
	off += len(magic)
	out[off] = formatVersion
	off++
	binary.LittleEndian.PutUint64(out[off:], math.Float64bits(idx.params.Threshold))
	off += 8
	binary.LittleEndian.PutUint32(out[off:], idx.params.NumPerm)
	off += 4
	binary.LittleEndian.PutUint64(out[off:], math.Float64bits(idx.params.WeightFP))
	off += 8
	binary.LittleEndian.PutUint64(out[off:], math.Float64bits(idx.params.WeightFN))
	off += 8
	binary.LittleEndian.PutUint32(out[off:], idx.b)
	off += 4
	binary.LittleEndian.PutUint32(out[off:], idx.r)
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(len(idx.keys)))
	off += 4

	for key, hashes := range idx.keys {
		binary.LittleEndian.PutUint32(out[off:], uint32(len(key)))
		off += 4
		copy(out[off:], key)
		off += len(key)
		binary.LittleEndian.PutUint32(out[off:], uint32(len(hashes)))
		off += 4
		for _, h := range hashes {
			binary.LittleEndian.PutUint64(out[off:], h)
			off += 8
		}
	}
	return out, nil
}

// UnmarshalBinary decodes a buffer produced by MarshalBinary, replacing
// idx's contents and rebuilding its bucket tables from the persisted
// per-key band hashes.
func (idx *Index) UnmarshalBinary(data []byte) error {
	const headerLen = len(magic) + 1 + 8 + 4 + 8 + 8 + 4 + 4 + 4
	if len(data) < headerLen {
		return sketcherr.NewSerializationError("buffer shorter than header")
	}
	if string(data[:len(magic)]) != magic {
		return sketcherr.NewSerializationError("bad magic")
	}
	off := len(magic)
	version := data[off]
	off++
	if version != formatVersion {
		return sketcherr.NewSerializationError("unsupported version")
	}

	threshold := math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	numPerm := binary.LittleEndian.Uint32(data[off:])
	off += 4
	weightFP := math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	weightFN := math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	b := binary.LittleEndian.Uint32(data[off:])
	off += 4
	r := binary.LittleEndian.Uint32(data[off:])
	off += 4
	keyCount := binary.LittleEndian.Uint32(data[off:])
	off += 4

	tables := make([]map[uint64]map[string]struct{}, b)
	for i := range tables {
		tables[i] = make(map[uint64]map[string]struct{})
	}
	keys := make(map[string][]uint64, keyCount)

	for i := uint32(0); i < keyCount; i++ {
		if len(data) < off+4 {
			return sketcherr.NewSerializationError("truncated key entry")
		}
		keyLen := binary.LittleEndian.Uint32(data[off:])
		off += 4
		if len(data) < off+int(keyLen)+4 {
			return sketcherr.NewSerializationError("truncated key entry")
		}
		key := string(data[off : off+int(keyLen)])
		off += int(keyLen)
		hashCount := binary.LittleEndian.Uint32(data[off:])
		off += 4
		if len(data) < off+int(hashCount)*8 {
			return sketcherr.NewSerializationError("truncated bucket hashes")
		}
		hashes := make([]uint64, hashCount)
		for band := range hashes {
			h := binary.LittleEndian.Uint64(data[off:])
			off += 8
			hashes[band] = h
			bucket := tables[band][h]
			if bucket == nil {
				bucket = make(map[string]struct{})
				tables[band][h] = bucket
			}
			bucket[key] = struct{}{}
		}
		keys[key] = hashes
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.params = Params{Threshold: threshold, NumPerm: numPerm, WeightFP: weightFP, WeightFN: weightFN}
	idx.b = b
	idx.r = r
	idx.tables = tables
	idx.keys = keys
	return nil
}
