package de

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/spotsig/spotsig/internal/section"
)

// synthSection builds a section with nGenes genes over two spot groups of
// size n each. shift is added to group-1 expression of the first gene.
func synthSection(t *testing.T, nGenes, n int, shift float64, seed int64) (*section.Section, []string, []string) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	spots := make([]string, 2*n)
	for i := range spots {
		spots[i] = fmt.Sprintf("s%03d", i)
	}
	genes := make([]string, nGenes)
	counts := make([][]float64, nGenes)
	for g := range genes {
		genes[g] = fmt.Sprintf("g%03d", g)
		row := make([]float64, 2*n)
		for s := range row {
			v := rng.ExpFloat64() * 2
			if g == 0 && s < n {
				v += shift
			}
			row[s] = v
		}
		counts[g] = row
	}

	sec, err := section.New("synth", spots, genes, counts, nil)
	if err != nil {
		t.Fatalf("section.New failed: %v", err)
	}
	return sec, spots[:n], spots[n:]
}

func TestCompareDetectsShift(t *testing.T) {
	sec, g1, g2 := synthSection(t, 20, 60, 8, 42)

	tab, err := Compare(sec, "tumor_vs_normal", g1, g2, 0.1)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	r, ok := tab.Lookup("g000")
	if !ok {
		t.Fatal("shifted gene missing from results")
	}
	if r.Log2FC <= 0 {
		t.Errorf("shifted gene log2FC = %v, want > 0", r.Log2FC)
	}
	if r.PAdj > 0.01 {
		t.Errorf("shifted gene adjusted p = %v, want <= 0.01", r.PAdj)
	}

	// Results are sorted by adjusted p, so the shifted gene leads.
	if tab.Results[0].Gene != "g000" {
		t.Errorf("top gene = %s, want g000", tab.Results[0].Gene)
	}
}

func TestCompareNullIsCalibrated(t *testing.T) {
	sec, g1, g2 := synthSection(t, 50, 50, 0, 7)

	tab, err := Compare(sec, "null", g1, g2, 0)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	// With no true effect the raw p-values are roughly uniform and effects
	// hover near zero.
	small := 0
	for _, r := range tab.Results {
		if r.P < 0.05 {
			small++
		}
	}
	if small > len(tab.Results)/5 {
		t.Errorf("%d of %d null genes below p=0.05, want about 5%%", small, len(tab.Results))
	}
	var meanFC float64
	for _, r := range tab.Results {
		meanFC += r.Log2FC
	}
	meanFC /= float64(len(tab.Results))
	if math.Abs(meanFC) > 0.25 {
		t.Errorf("mean null log2FC = %v, want near 0", meanFC)
	}
}

func TestCompareDetectionFilter(t *testing.T) {
	spots := []string{"a1", "a2", "b1", "b2"}
	genes := []string{"silent", "loud"}
	counts := [][]float64{
		{0, 0, 0, 0},
		{5, 6, 1, 2},
	}
	sec, err := section.New("filter", spots, genes, counts, nil)
	if err != nil {
		t.Fatalf("section.New failed: %v", err)
	}

	tab, err := Compare(sec, "c", []string{"a1", "a2"}, []string{"b1", "b2"}, 0.5)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	if _, ok := tab.Lookup("silent"); ok {
		t.Error("undetected gene entered the tested family")
	}
	r, ok := tab.Lookup("loud")
	if !ok {
		t.Fatal("detected gene missing from results")
	}
	// Family size is 1, so PAdj equals P.
	if r.PAdj != r.P {
		t.Errorf("single-gene family: padj=%v, p=%v", r.PAdj, r.P)
	}
}

func TestCompareKeepsGeneDetectedInOneGroupOnly(t *testing.T) {
	spots := []string{"a1", "a2", "b1", "b2"}
	genes := []string{"onesided"}
	counts := [][]float64{{4, 5, 0, 0}}
	sec, err := section.New("oneside", spots, genes, counts, nil)
	if err != nil {
		t.Fatalf("section.New failed: %v", err)
	}

	tab, err := Compare(sec, "c", []string{"a1", "a2"}, []string{"b1", "b2"}, 0.9)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if _, ok := tab.Lookup("onesided"); !ok {
		t.Error("gene detected in only one group should still be tested")
	}
}

func TestCompareErrors(t *testing.T) {
	sec, g1, g2 := synthSection(t, 3, 5, 0, 1)

	// Unknown spots in a group
	if _, err := Compare(sec, "c", []string{"ghost"}, g2, 0); err == nil {
		t.Error("expected error for unknown spot")
	}

	// Empty group
	if _, err := Compare(sec, "c", nil, g2, 0); !errors.Is(err, ErrEmptyGroup) {
		t.Errorf("expected ErrEmptyGroup, got %v", err)
	}

	// Overlapping groups
	if _, err := Compare(sec, "c", g1, g1, 0); err == nil {
		t.Error("expected error for overlapping groups")
	}
}

func TestRankSumPBasics(t *testing.T) {
	// Identical distributions give a p-value near 1.
	same := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	p := RankSumP(same, same)
	if p < 0.9 || p > 1 {
		t.Errorf("identical samples: p = %v, want near 1", p)
	}

	// Fully separated samples give a small p-value.
	lo := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	hi := []float64{101, 102, 103, 104, 105, 106, 107, 108, 109, 110}
	p = RankSumP(lo, hi)
	if p > 0.001 {
		t.Errorf("separated samples: p = %v, want < 0.001", p)
	}

	// Symmetry: swapping the groups does not change the two-sided p.
	if p2 := RankSumP(hi, lo); math.Abs(p-p2) > 1e-12 {
		t.Errorf("p not symmetric: %v vs %v", p, p2)
	}
}
