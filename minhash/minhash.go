// Package minhash implements the MinHash sketch: a fixed-width array of
// running minima under a family of universal hash permutations, used to
// estimate Jaccard similarity and cardinality of streamed sets in
// bounded memory.
//
// MinHash never hashes caller elements itself. Add (called Digest here)
// takes bytes the caller already hashed with whatever function it
// chooses (SHA-1, BLAKE3, ...); MinHash only reinterprets a fixed
// 4-byte prefix of those bytes.
//
// Two sketches are mergeable, and their Jaccard estimates are
// comparable, only when they share the same (seed, numPerm): those two
// parameters are what determine the permutation family, and the family
// must match for the running minima to mean the same thing in both
// sketches.
package minhash

import (
	"encoding/binary"
	"sync"

	"resemblance.dev/internal/digest"
	"resemblance.dev/sketcherr"
)

const (
	// DefaultNumPerm is the register count used when Option NumPerm is
	// not supplied.
	DefaultNumPerm uint32 = 128

	// DefaultSeed is the permutation-family seed used when Option Seed
	// is not supplied.
	DefaultSeed uint32 = 1

	magic         = "MNH1"
	formatVersion = 1
)

// emptyRegister is the sentinel value (M-1) every register starts at:
// the largest value any (a*x+b) mod M can ever produce, so the first
// real digest always lowers it.
var emptyRegister = mersennePrime - 1

// Sketch is a fixed-width MinHash. The zero value is not usable; build
// one with New.
type Sketch struct {
	mu      sync.RWMutex
	seed    uint32
	numPerm uint32
	perm    *permTable
	h       []uint64
}

// Option configures a Sketch at construction time. Sketch parameters
// cannot be changed after New returns.
type Option func(*config)

type config struct {
	seed    uint32
	numPerm uint32
}

// WithSeed overrides the permutation-family seed (default 1).
func WithSeed(seed uint32) Option {
	return func(c *config) { c.seed = seed }
}

// WithNumPerm overrides the register count (default 128). Must be >= 1.
func WithNumPerm(numPerm uint32) Option {
	return func(c *config) { c.numPerm = numPerm }
}

// New builds an empty MinHash sketch. Every register starts at the
// sentinel max value M-1, so the first Digest call always lowers it.
func New(opts ...Option) (*Sketch, error) {
	cfg := config{seed: DefaultSeed, numPerm: DefaultNumPerm}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.numPerm < 1 {
		return nil, sketcherr.NewParameterError("num_perm", cfg.numPerm, "must be >= 1")
	}

	h := make([]uint64, cfg.numPerm)
	for i := range h {
		h[i] = emptyRegister
	}

	return &Sketch{
		seed:    cfg.seed,
		numPerm: cfg.numPerm,
		perm:    getPermTable(cfg.seed, cfg.numPerm),
		h:       h,
	}, nil
}

// Seed returns the permutation-family seed this sketch was built with.
func (s *Sketch) Seed() uint32 { return s.seed }

// NumPerm returns the register count this sketch was built with.
func (s *Sketch) NumPerm() uint32 { return s.numPerm }

// Digest folds one element's hash bytes into every register. Only the
// low 4 bytes of hashBytes are read, little-endian; Digest fails with
// *sketcherr.HashWidthError if fewer than 4 bytes are supplied.
func (s *Sketch) Digest(hashBytes []byte) error {
	x, ok := digest.Uint32LE(hashBytes)
	if !ok {
		return sketcherr.NewHashWidthError(4, len(hashBytes))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	xv := uint64(x)
	a, b := s.perm.a, s.perm.b
	for i := range s.h {
		p := addModM(mulModM(a[i], xv), b[i])
		if p < s.h[i] {
			s.h[i] = p
		}
	}
	return nil
}

// Merge folds other's registers into s elementwise, H[i] = min(H[i],
// other.H[i]). Both sketches must share (seed, numPerm); merge is
// commutative, associative, and idempotent. Merge is a writer on s and
// a reader on other: per the package's concurrency contract, the caller
// must not run Merge concurrently with another writer on either s or
// other.
func (s *Sketch) Merge(other *Sketch) error {
	if err := s.checkCompatible(other); err != nil {
		return err
	}

	if s == other {
		return nil
	}

	other.mu.RLock()
	otherH := make([]uint64, len(other.h))
	copy(otherH, other.h)
	other.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.h {
		if otherH[i] < s.h[i] {
			s.h[i] = otherH[i]
		}
	}
	return nil
}

// Jaccard estimates the Jaccard similarity between the sets underlying
// s and other: the fraction of registers where the two sketches agree.
// Both sketches must share (seed, numPerm).
func (s *Sketch) Jaccard(other *Sketch) (float64, error) {
	if err := s.checkCompatible(other); err != nil {
		return 0, err
	}

	if s == other {
		return 1.0, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	matches := 0
	for i := range s.h {
		if s.h[i] == other.h[i] {
			matches++
		}
	}
	return float64(matches) / float64(s.numPerm), nil
}

// Count returns the cardinality estimator
// numPerm / (sum((H[i]+1)/M)) - 1, or 0 if every register is still at
// the empty sentinel.
func (s *Sketch) Count() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allEmpty := true
	sum := 0.0
	mf := float64(mersennePrime)
	for _, v := range s.h {
		if v != emptyRegister {
			allEmpty = false
		}
		sum += (float64(v) + 1) / mf
	}
	if allEmpty {
		return 0
	}
	return float64(s.numPerm)/sum - 1
}

// Bytesize reports the exact length of the serialized form MarshalBinary
// produces: a 4-byte magic, a 1-byte version, seed and numPerm as u32,
// and numPerm registers as u64, all little-endian.
func (s *Sketch) Bytesize() int {
	return len(magic) + 1 + 4 + 4 + int(s.numPerm)*8
}

// checkCompatible validates that s and other share (seed, numPerm).
func (s *Sketch) checkCompatible(other *Sketch) error {
	if other == nil {
		return sketcherr.NewIncompatibleSketchError("other", "non-nil sketch", nil)
	}
	if s.seed != other.seed {
		return sketcherr.NewIncompatibleSketchError("seed", s.seed, other.seed)
	}
	if s.numPerm != other.numPerm {
		return sketcherr.NewIncompatibleSketchError("num_perm", s.numPerm, other.numPerm)
	}
	return nil
}

// MarshalBinary encodes the sketch's persisted form: magic, version,
// seed, numPerm, then H as numPerm little-endian u64 registers. A and B
// are not persisted; UnmarshalBinary recomputes them from (seed,
// numPerm).
func (s *Sketch) MarshalBinary() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]byte, s.Bytesize())
	off := 0
	copy(out[off:], magic)
	off += len(magic)
	out[off] = formatVersion
	off++
	binary.LittleEndian.PutUint32(out[off:], s.seed)
	off += 4
	binary.LittleEndian.PutUint32(out[off:], s.numPerm)
	off += 4
	for _, v := range s.h {
		binary.LittleEndian.PutUint64(out[off:], v)
		off += 8
	}
	return out, nil
}

// UnmarshalBinary decodes a buffer produced by MarshalBinary, replacing
// s's contents. It fails with *sketcherr.SerializationError on a bad
// magic, an unknown version, or a truncated buffer.
func (s *Sketch) UnmarshalBinary(data []byte) error {
	if len(data) < len(magic)+1+4+4 {
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
	seed := binary.LittleEndian.Uint32(data[off:])
	off += 4
	numPerm := binary.LittleEndian.Uint32(data[off:])
	off += 4

	need := off + int(numPerm)*8
	if len(data) < need {
		return sketcherr.NewSerializationError("truncated register data")
	}

	h := make([]uint64, numPerm)
	for i := range h {
		h[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seed = seed
	s.numPerm = numPerm
	s.perm = getPermTable(seed, numPerm)
	s.h = h
	return nil
}

// Registers returns a copy of the sketch's current register minima.
// Used by callers (such as the lsh package) that need to read the raw
// H array without taking part in the Sketch's own locking discipline.
func (s *Sketch) Registers() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, len(s.h))
	copy(out, s.h)
	return out
}
