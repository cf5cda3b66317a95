package section

import (
	"errors"
	"testing"
)

func makeSection(t *testing.T) *Section {
	t.Helper()
	spots := []string{"s1", "s2", "s3"}
	genes := []string{"EPCAM", "PTPRC"}
	counts := [][]float64{
		{5, 0, 2},
		{0, 3, 1},
	}
	embedding := [][]float64{
		{0.1, 0.2},
		{0.3, 0.4},
		{0.5, 0.6},
	}
	sec, err := New("sectionA", spots, genes, counts, embedding)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return sec
}

func TestNewValidation(t *testing.T) {
	spots := []string{"s1", "s2"}
	genes := []string{"g1"}

	// Row count must match gene count
	if _, err := New("x", spots, genes, [][]float64{{1, 2}, {3, 4}}, nil); err == nil {
		t.Error("expected error for extra count rows")
	}

	// Row width must match spot count
	if _, err := New("x", spots, genes, [][]float64{{1}}, nil); err == nil {
		t.Error("expected error for short count row")
	}

	// Counts must be finite and non-negative
	if _, err := New("x", spots, genes, [][]float64{{1, -2}}, nil); err == nil {
		t.Error("expected error for negative count")
	}

	// Duplicate spots are rejected
	if _, err := New("x", []string{"s1", "s1"}, genes, [][]float64{{1, 2}}, nil); err == nil {
		t.Error("expected error for duplicate spot")
	}

	// Embedding rows must match spots
	if _, err := New("x", spots, genes, [][]float64{{1, 2}}, [][]float64{{0.1}}); err == nil {
		t.Error("expected error for embedding row mismatch")
	}
}

func TestRawCounts(t *testing.T) {
	sec := makeSection(t)

	vals, err := sec.RawCounts("EPCAM")
	if err != nil {
		t.Fatalf("RawCounts failed: %v", err)
	}
	want := []float64{5, 0, 2}
	for i, v := range want {
		if vals[i] != v {
			t.Errorf("RawCounts[%d] = %v, want %v", i, vals[i], v)
		}
	}

	if _, err := sec.RawCounts("MISSING"); !errors.Is(err, ErrUnknownGene) {
		t.Errorf("expected ErrUnknownGene, got %v", err)
	}
}

func TestExpressionPrefersNormalized(t *testing.T) {
	sec := makeSection(t)
	gi, _ := sec.GeneIndex("EPCAM")

	// Without Norm, Expression returns raw counts
	if got := sec.Expression(gi)[0]; got != 5 {
		t.Errorf("Expression without norm = %v, want 5", got)
	}

	norm := [][]float64{
		{1.5, 0, 0.9},
		{0, 1.2, 0.4},
	}
	if err := sec.SetNormalized(norm); err != nil {
		t.Fatalf("SetNormalized failed: %v", err)
	}
	if got := sec.Expression(gi)[0]; got != 1.5 {
		t.Errorf("Expression with norm = %v, want 1.5", got)
	}

	// Shape mismatch is rejected
	if err := sec.SetNormalized([][]float64{{1, 2, 3}}); err == nil {
		t.Error("expected error for norm row mismatch")
	}
}

func TestLabelingGroups(t *testing.T) {
	sec := makeSection(t)
	lab, err := NewLabeling(sec, "partition", map[string]string{
		"s1": "0", "s2": "1", "s3": "0",
	})
	if err != nil {
		t.Fatalf("NewLabeling failed: %v", err)
	}

	g0 := lab.Group("0")
	if len(g0) != 2 || g0[0] != "s1" || g0[1] != "s3" {
		t.Errorf("Group(0) = %v, want [s1 s3]", g0)
	}

	names := lab.GroupNames()
	if len(names) != 2 || names[0] != "0" || names[1] != "1" {
		t.Errorf("GroupNames = %v, want [0 1]", names)
	}

	// Every spot must be labeled
	if _, err := NewLabeling(sec, "partition", map[string]string{"s1": "0"}); err == nil {
		t.Error("expected error for incomplete labeling")
	}

	// Unknown spots are rejected
	if _, err := NewLabeling(sec, "partition", map[string]string{
		"s1": "0", "s2": "1", "s3": "0", "ghost": "1",
	}); err == nil {
		t.Error("expected error for unknown spot in labeling")
	}
}
