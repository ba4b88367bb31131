// Package sketcherr defines the shared error taxonomy raised by the
// sketch packages (minhash, bbitminhash, hyperloglog, hyperloglogpp, lsh).
//
// Every error is a concrete struct type rather than a sentinel value, so
// callers can recover the offending parameters with errors.As instead of
// just comparing against errors.Is:
//
//	var pe *sketcherr.ParameterError
//	if errors.As(err, &pe) {
//	    log.Printf("bad %s: %v (%s)", pe.Field, pe.Value, pe.Reason)
//	}
//
// Validation always precedes mutation in the sketch packages: none of
// these errors can leave a sketch partially updated.
package sketcherr

import "fmt"

// ParameterError reports an out-of-range or otherwise invalid
// construction parameter (num_perm, p, b, weights, threshold, ...).
type ParameterError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("sketch: invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// NewParameterError builds a ParameterError.
func NewParameterError(field string, value any, reason string) *ParameterError {
	return &ParameterError{Field: field, Value: value, Reason: reason}
}

// IncompatibleSketchError reports an operation (merge, jaccard, insert)
// attempted across two sketches whose parameters don't match.
type IncompatibleSketchError struct {
	Field string
	Want  any
	Got   any
}

func (e *IncompatibleSketchError) Error() string {
	return fmt.Sprintf("sketch: incompatible %s: want %v, got %v", e.Field, e.Want, e.Got)
}

// NewIncompatibleSketchError builds an IncompatibleSketchError.
func NewIncompatibleSketchError(field string, want, got any) *IncompatibleSketchError {
	return &IncompatibleSketchError{Field: field, Want: want, Got: got}
}

// HashWidthError reports a caller-supplied digest shorter than the
// sketch needs to read its fixed-width prefix from.
type HashWidthError struct {
	Need int
	Got  int
}

func (e *HashWidthError) Error() string {
	return fmt.Sprintf("sketch: hash digest too short: need %d bytes, got %d", e.Need, e.Got)
}

// NewHashWidthError builds a HashWidthError.
func NewHashWidthError(need, got int) *HashWidthError {
	return &HashWidthError{Need: need, Got: got}
}

// DuplicateKeyError reports an LSH Insert on a key that already occupies
// the index. LSH is insert-only: re-inserting a key fails rather than
// silently replacing it.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("sketch: duplicate key %q", e.Key)
}

// NewDuplicateKeyError builds a DuplicateKeyError.
func NewDuplicateKeyError(key string) *DuplicateKeyError {
	return &DuplicateKeyError{Key: key}
}

// SerializationError reports a bad magic tag, a version mismatch, or a
// truncated buffer on load.
type SerializationError struct {
	Reason string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("sketch: serialization error: %s", e.Reason)
}

// NewSerializationError builds a SerializationError.
func NewSerializationError(reason string) *SerializationError {
	return &SerializationError{Reason: reason}
}
