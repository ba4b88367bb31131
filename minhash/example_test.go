package minhash_test

import (
	"crypto/sha1"
	"fmt"

	"resemblance.dev/minhash"
)

// Example builds two MinHash sketches from the same token set and shows
// their estimated Jaccard similarity converging to the true value of 1.
func Example() {
	tokens := []string{
		"minhash", "is", "a", "probabilistic", "data", "structure",
		"for", "estimating", "the", "similarity", "between", "datasets",
	}

	m1, _ := minhash.New()
	m2, _ := minhash.New()

	for _, tok := range tokens {
		sum := sha1.Sum([]byte(tok))
		_ = m1.Digest(sum[:])
		_ = m2.Digest(sum[:])
	}

	j, _ := m1.Jaccard(m2)
	fmt.Println(j)
	// Output: 1
}
