package lsh_test

import (
	"crypto/sha1"
	"fmt"

	"resemblance.dev/lsh"
	"resemblance.dev/minhash"
)

func sketchFromTokens(tokens []string) *minhash.Sketch {
	m, _ := minhash.New(minhash.WithNumPerm(lsh.DefaultNumPerm))
	for _, tok := range tokens {
		sum := sha1.Sum([]byte(tok))
		_ = m.Digest(sum[:])
	}
	return m
}

// Example indexes an exact duplicate and an unrelated document, then
// shows a query finding the duplicate while leaving the unrelated
// document out.
func Example() {
	idx, _ := lsh.NewIndex(lsh.DefaultParams())

	shared := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		shared = append(shared, fmt.Sprintf("tok-%d", i))
	}

	_ = idx.Insert("doc-a", sketchFromTokens(shared))
	_ = idx.Insert("doc-c", sketchFromTokens([]string{"completely", "different", "words"}))

	query := sketchFromTokens(shared)
	results, _ := idx.Query(query)

	foundA, foundC := false, false
	for _, key := range results {
		switch key {
		case "doc-a":
			foundA = true
		case "doc-c":
			foundC = true
		}
	}
	fmt.Println(foundA, foundC)
	// Output: true false
}
