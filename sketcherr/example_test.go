package sketcherr_test

import (
	"errors"
	"fmt"

	"resemblance.dev/sketcherr"
)

// Example shows the errors.As recovery pattern every sketch package's
// constructors and operations use: each failure is a concrete struct,
// not a sentinel, so the caller can pull the offending field back out.
func Example() {
	err := sketcherr.NewParameterError("num_perm", 0, "must be >= 1")

	var pe *sketcherr.ParameterError
	if errors.As(err, &pe) {
		fmt.Printf("rejected %s = %v: %s\n", pe.Field, pe.Value, pe.Reason)
	}
	// Output: rejected num_perm = 0: must be >= 1
}
