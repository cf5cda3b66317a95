package enrich

import (
	"math"
	"testing"
)

func TestAssembleMissingVsZero(t *testing.T) {
	results := map[string][]Result{
		"secA": {
			{Set: "h|hypoxia", Context: "h", Condition: "hypoxia", ES: 0.8, PAdj: 0.001},
			{Set: "h|emt", Context: "h", Condition: "emt", ES: -0.5, PAdj: 0.01},
		},
		"secB": {
			{Set: "h|hypoxia", Context: "h", Condition: "hypoxia", ES: 0.6, PAdj: 1.0},
		},
	}

	m, err := Assemble([]string{"secA", "secB"}, results)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if len(m.Rows) != 2 || len(m.Cols) != 2 {
		t.Fatalf("matrix is %dx%d, want 2x2", len(m.Rows), len(m.Cols))
	}

	// Present cell: sign(ES) * -log10(padj).
	v, ok := m.Value("h|hypoxia", "secA")
	if !ok {
		t.Fatal("hypoxia/secA should be present")
	}
	if math.Abs(v-3) > 1e-12 {
		t.Errorf("hypoxia/secA = %v, want 3", v)
	}

	v, ok = m.Value("h|emt", "secA")
	if !ok || math.Abs(v-(-2)) > 1e-12 {
		t.Errorf("emt/secA = %v (present=%v), want -2", v, ok)
	}

	// Tested with padj 1 is a real zero, not a missing cell.
	v, ok = m.Value("h|hypoxia", "secB")
	if !ok {
		t.Fatal("hypoxia/secB was tested and must be present")
	}
	if v != 0 {
		t.Errorf("hypoxia/secB = %v, want 0", v)
	}

	// Never evaluated stays missing.
	if _, ok := m.Value("h|emt", "secB"); ok {
		t.Error("emt/secB was never evaluated and must be missing")
	}
}

func TestAssembleRowOrderIsPermutation(t *testing.T) {
	results := map[string][]Result{
		"c1": {
			{Set: "a", ES: 1, PAdj: 0.001},
			{Set: "b", ES: 1, PAdj: 0.002},
			{Set: "c", ES: -1, PAdj: 0.001},
			{Set: "d", ES: -1, PAdj: 0.003},
		},
		"c2": {
			{Set: "a", ES: 1, PAdj: 0.002},
			{Set: "b", ES: 1, PAdj: 0.001},
			{Set: "c", ES: -1, PAdj: 0.002},
		},
	}

	m, err := Assemble([]string{"c1", "c2"}, results)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if len(m.RowOrder) != len(m.Rows) {
		t.Fatalf("RowOrder has %d entries, want %d", len(m.RowOrder), len(m.Rows))
	}
	seen := make(map[int]bool)
	for _, ri := range m.RowOrder {
		if ri < 0 || ri >= len(m.Rows) {
			t.Fatalf("RowOrder index %d out of range", ri)
		}
		if seen[ri] {
			t.Fatalf("RowOrder repeats index %d", ri)
		}
		seen[ri] = true
	}

	// The permutation only affects presentation: the matrix itself keeps
	// discovery order.
	if m.Rows[0] != "a" || m.Rows[3] != "d" {
		t.Errorf("Rows mutated: %v", m.Rows)
	}

	// Similar rows (a,b positive; c,d negative) end up adjacent.
	pos := make(map[string]int)
	for i, ri := range m.RowOrder {
		pos[m.Rows[ri]] = i
	}
	if d := pos["a"] - pos["b"]; d != 1 && d != -1 {
		t.Errorf("a and b should be adjacent after clustering: %v", pos)
	}
}

func TestAssembleDuplicateResult(t *testing.T) {
	results := map[string][]Result{
		"c1": {
			{Set: "a", ES: 1, PAdj: 0.01},
			{Set: "a", ES: 1, PAdj: 0.02},
		},
	}
	if _, err := Assemble([]string{"c1"}, results); err == nil {
		t.Error("expected error for duplicate set within a comparison")
	}
}

func TestAssembleNoComparisons(t *testing.T) {
	if _, err := Assemble(nil, nil); err == nil {
		t.Error("expected error for empty comparison list")
	}
}

func TestSignedLogP(t *testing.T) {
	if v := signedLogP(0.5, 0.01); math.Abs(v-2) > 1e-12 {
		t.Errorf("positive ES: %v, want 2", v)
	}
	if v := signedLogP(-0.5, 0.1); math.Abs(v-(-1)) > 1e-12 {
		t.Errorf("negative ES: %v, want -1", v)
	}
	if v := signedLogP(0.5, 1); v != 0 {
		t.Errorf("padj 1: %v, want 0", v)
	}
}
