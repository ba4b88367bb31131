// Package hyperloglog implements the classic HyperLogLog cardinality
// estimator: a dense array of 2^p single-byte registers, each tracking
// the longest run of leading zeros seen in a 32-bit hash, combined into
// a cardinality estimate via a harmonic mean with small- and
// large-range corrections.
//
// Like the other sketches in this module, HyperLogLog never hashes
// caller elements itself; Add reads a fixed 4-byte little-endian prefix
// off a digest the caller already produced.
package hyperloglog

import (
	"math"
	"math/bits"
	"sync"

	"resemblance.dev/internal/digest"
	"resemblance.dev/sketcherr"
)

const (
	// DefaultP is the precision used when Option P is not supplied.
	DefaultP uint8 = 8

	minP uint8 = 4
	maxP uint8 = 16

	hashWidth = 32

	magic         = "HLL1"
	formatVersion = 1
)

// Sketch is a classic HyperLogLog register array.
type Sketch struct {
	mu sync.RWMutex
	p  uint8
	m  uint32
	r  []uint8
}

// Option configures a Sketch at construction time.
type Option func(*config)

type config struct {
	p uint8
}

// WithP overrides the precision (default 8). Must be in [4, 16]: m = 2^p
// registers.
func WithP(p uint8) Option {
	return func(c *config) { c.p = p }
}

// New builds an empty HyperLogLog sketch with m = 2^p one-byte
// registers, all zeroed.
func New(opts ...Option) (*Sketch, error) {
	cfg := config{p: DefaultP}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.p < minP || cfg.p > maxP {
		return nil, sketcherr.NewParameterError("p", cfg.p, "must be in [4, 16]")
	}

	m := uint32(1) << cfg.p
	return &Sketch{
		p: cfg.p,
		m: m,
		r: make([]uint8, m),
	}, nil
}

// P returns the sketch's precision.
func (s *Sketch) P() uint8 { return s.p }

// Add folds one element's hash bytes into the register array. Only the
// low 4 bytes of hashBytes are read, little-endian; Add fails with
// *sketcherr.HashWidthError if fewer than 4 bytes are supplied.
func (s *Sketch) Add(hashBytes []byte) error {
	x, ok := digest.Uint32LE(hashBytes)
	if !ok {
		return sketcherr.NewHashWidthError(4, len(hashBytes))
	}

	j := x & (s.m - 1)
	rank := rho32(x>>s.p, s.p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if rank > s.r[j] {
		s.r[j] = rank
	}
	return nil
}

// rho32 returns 1 plus the number of leading zeros in the low
// (hashWidth - p) bits of wPrime, which is exactly
// bits.LeadingZeros32(wPrime) - p + 1: wPrime's top p bits are always
// zero (it is x shifted right by p), so LeadingZeros32 already counts
// those p structural zeros before it reaches any bit that could be set,
// and subtracting p removes exactly that padding. This also handles
// wPrime == 0 without a special case, since LeadingZeros32(0) == 32.
func rho32(wPrime uint32, p uint8) uint8 {
	return uint8(bits.LeadingZeros32(wPrime)) - p + 1
}

// Merge folds other's registers into s elementwise, R[j] = max(R[j],
// other.R[j]). Both sketches must share p.
func (s *Sketch) Merge(other *Sketch) error {
	if other == nil {
		return sketcherr.NewIncompatibleSketchError("other", "non-nil sketch", nil)
	}
	if s.p != other.p {
		return sketcherr.NewIncompatibleSketchError("p", s.p, other.p)
	}
	if s == other {
		return nil
	}

	other.mu.RLock()
	otherR := make([]uint8, len(other.r))
	copy(otherR, other.r)
	other.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.r {
		if otherR[i] > s.r[i] {
			s.r[i] = otherR[i]
		}
	}
	return nil
}

// alpha returns the bias correction constant for m registers: a
// tabulated value for the three small sizes the original paper calls
// out (m in {16, 32, 64}), and the general m >= 128 formula otherwise.
func alpha(m uint32) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	default:
		return 0.7213 / (1 + 1.079/float64(m))
	}
}

// Count returns the current cardinality estimate: the raw harmonic-mean
// estimator, corrected for the small- and large-range regimes described
// in the original HyperLogLog paper.
func (s *Sketch) Count() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sumInv := 0.0
	zeros := 0
	for _, v := range s.r {
		sumInv += 1.0 / float64(uint64(1)<<v)
		if v == 0 {
			zeros++
		}
	}

	mf := float64(s.m)
	e := alpha(s.m) * mf * mf / sumInv

	if e <= 2.5*mf && zeros > 0 {
		return mf * math.Log(mf/float64(zeros))
	}

	const two32 = 1 << 32
	if e > two32/30 {
		return -two32 * math.Log(1-e/two32)
	}

	return e
}

// Bytesize reports the exact length of the persisted form: magic,
// version, p, then m registers of one byte each.
func (s *Sketch) Bytesize() int {
	return len(magic) + 1 + 1 + int(s.m)
}

// MarshalBinary encodes the sketch's persisted form.
func (s *Sketch) MarshalBinary() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]byte, s.Bytesize())
	off := 0
	copy(out[off:], magic)
	off += len(magic)
	out[off] = formatVersion
	off++
	out[off] = s.p
	off++
	copy(out[off:], s.r)
	return out, nil
}

// UnmarshalBinary decodes a buffer produced by MarshalBinary, replacing
// s's contents.
func (s *Sketch) UnmarshalBinary(data []byte) error {
	const headerLen = len(magic) + 1 + 1
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
	p := data[off]
	off++
	if p < minP || p > maxP {
		return sketcherr.NewSerializationError("invalid precision in header")
	}

	m := uint32(1) << p
	need := off + int(m)
	if len(data) < need {
		return sketcherr.NewSerializationError("truncated register data")
	}

	r := make([]uint8, m)
	copy(r, data[off:need])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = p
	s.m = m
	s.r = r
	return nil
}
