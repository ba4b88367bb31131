package lsh_test

import (
	"crypto/sha1"
	"errors"
	"strconv"
	"testing"

	"resemblance.dev/lsh"
	"resemblance.dev/minhash"
	"resemblance.dev/sketcherr"
)

func hashOf(s string) []byte {
	sum := sha1.Sum([]byte(s))
	return sum[:]
}

func sketchFrom(t *testing.T, numPerm uint32, items []string) *minhash.Sketch {
	t.Helper()
	m, err := minhash.New(minhash.WithNumPerm(numPerm))
	if err != nil {
		t.Fatalf("minhash.New: %v", err)
	}
	for _, it := range items {
		if err := m.Digest(hashOf(it)); err != nil {
			t.Fatalf("Digest(%q): %v", it, err)
		}
	}
	return m
}

// Scenario D: the parameter solver is deterministic and always returns
// a layout with b*r <= numPerm.
func TestSolveIsDeterministicAndRespectsBudget(t *testing.T) {
	const numPerm = 128
	b1, r1 := lsh.Solve(0.5, numPerm, 0.5, 0.5)
	b2, r2 := lsh.Solve(0.5, numPerm, 0.5, 0.5)
	if b1 != b2 || r1 != r2 {
		t.Fatalf("Solve not deterministic: (%d,%d) != (%d,%d)", b1, r1, b2, r2)
	}
	if b1*r1 > numPerm {
		t.Fatalf("b*r = %d exceeds numPerm = %d", b1*r1, numPerm)
	}
	if b1 == 0 || r1 == 0 {
		t.Fatalf("Solve returned degenerate layout (%d, %d)", b1, r1)
	}
}

func TestSolveFavorsManyBandsForLowThreshold(t *testing.T) {
	bLow, _ := lsh.Solve(0.1, 128, 0.5, 0.5)
	bHigh, _ := lsh.Solve(0.9, 128, 0.5, 0.5)
	if bLow <= bHigh {
		t.Fatalf("expected more bands for a low threshold: bLow=%d bHigh=%d", bLow, bHigh)
	}
}

func TestNewIndexRejectsInvalidParams(t *testing.T) {
	bad := []lsh.Params{
		{Threshold: 0, NumPerm: 128, WeightFP: 0.5, WeightFN: 0.5},
		{Threshold: 1, NumPerm: 128, WeightFP: 0.5, WeightFN: 0.5},
		{Threshold: 0.5, NumPerm: 0, WeightFP: 0.5, WeightFN: 0.5},
		{Threshold: 0.5, NumPerm: 128, WeightFP: -1, WeightFN: 0.5},
	}
	for _, p := range bad {
		if _, err := lsh.NewIndex(p); err == nil {
			t.Fatalf("params %+v: expected error", p)
		} else {
			var pe *sketcherr.ParameterError
			if !errors.As(err, &pe) {
				t.Fatalf("params %+v: expected *sketcherr.ParameterError, got %T", p, err)
			}
		}
	}
}

// Scenario C: a sketch with near-identical content to an indexed item
// is returned by Query; an unrelated sketch is not.
func TestScenarioC_QueryFindsResemblingItems(t *testing.T) {
	idx, err := lsh.NewIndex(lsh.DefaultParams())
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	shared := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		shared = append(shared, "tok-"+strconv.Itoa(i))
	}

	docA := sketchFrom(t, lsh.DefaultNumPerm, shared)
	docBItems := append(append([]string{}, shared[:190]...), "unique-b-1", "unique-b-2", "unique-b-3", "unique-b-4", "unique-b-5")
	docB := sketchFrom(t, lsh.DefaultNumPerm, docBItems)

	unrelated := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		unrelated = append(unrelated, "other-"+strconv.Itoa(i))
	}
	docC := sketchFrom(t, lsh.DefaultNumPerm, unrelated)

	if err := idx.Insert("docA", docA); err != nil {
		t.Fatalf("Insert docA: %v", err)
	}
	if err := idx.Insert("docC", docC); err != nil {
		t.Fatalf("Insert docC: %v", err)
	}

	results, err := idx.Query(docB)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	found := false
	for _, key := range results {
		if key == "docA" {
			found = true
		}
		if key == "docC" {
			t.Fatalf("unrelated document docC unexpectedly matched")
		}
	}
	if !found {
		t.Fatalf("expected docA (near-duplicate) among query results %v", results)
	}
}

func TestInsertRejectsDuplicateKey(t *testing.T) {
	idx, _ := lsh.NewIndex(lsh.DefaultParams())
	m := sketchFrom(t, lsh.DefaultNumPerm, []string{"a", "b", "c"})
	if err := idx.Insert("k", m); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := idx.Insert("k", m)
	var dup *sketcherr.DuplicateKeyError
	if !errors.As(err, &dup) {
		t.Fatalf("expected *sketcherr.DuplicateKeyError, got %v (%T)", err, err)
	}
}

func TestInsertRejectsMismatchedNumPerm(t *testing.T) {
	idx, _ := lsh.NewIndex(lsh.DefaultParams())
	m, _ := minhash.New(minhash.WithNumPerm(64))
	err := idx.Insert("k", m)
	if err == nil {
		t.Fatal("expected incompatible sketch error for mismatched num_perm")
	}
}

func TestRoundTripSerialization(t *testing.T) {
	idx, _ := lsh.NewIndex(lsh.DefaultParams())
	m := sketchFrom(t, lsh.DefaultNumPerm, []string{"a", "b", "c", "d"})
	if err := idx.Insert("only-key", m); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	buf, err := idx.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != idx.Bytesize() {
		t.Fatalf("len(buf) = %d, Bytesize() = %d", len(buf), idx.Bytesize())
	}

	loaded := &lsh.Index{}
	if err := loaded.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}

	results, err := loaded.Query(m)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0] != "only-key" {
		t.Fatalf("Query after round trip = %v, want [only-key]", results)
	}
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	idx := &lsh.Index{}
	buf := append([]byte("XXXX"), make([]byte, 64)...)
	if err := idx.UnmarshalBinary(buf); err == nil {
		t.Fatal("expected serialization error for bad magic")
	}
}
