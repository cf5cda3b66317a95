// Package de implements pairwise differential expression between two spot
// groups of one section: a Mann-Whitney rank-sum test per gene with a
// Bonferroni family-wise correction, log2 fold change of group means, and
// per-group detection fractions.
package de

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/spotsig/spotsig/internal/section"
)

var (
	// ErrEmptyGroup indicates a group has no spots left after intersecting
	// with the section's spot universe.
	ErrEmptyGroup = errors.New("de: empty spot group")

	// ErrNonFinite indicates a statistic came out NaN or infinite. This is a
	// defect in the inputs or the engine and always fails loudly.
	ErrNonFinite = errors.New("de: non-finite statistic")
)

// pseudocount keeps the fold-change ratio defined when a group mean is zero.
const pseudocount = 1e-9

// Result holds the DE statistics for one gene in one (section, contrast)
// pair. Immutable once computed.
type Result struct {
	Gene   string
	Log2FC float64
	P      float64
	PAdj   float64
	Pct1   float64
	Pct2   float64
}

// Table is the DE output for one (section, contrast) pair, ordered by
// adjusted p-value then absolute fold change.
type Table struct {
	SectionID string
	Contrast  string
	Results   []Result

	byGene map[string]int
}

// Lookup returns the result for one gene, if it was tested.
func (t *Table) Lookup(gene string) (Result, bool) {
	i, ok := t.byGene[gene]
	if !ok {
		return Result{}, false
	}
	return t.Results[i], true
}

// Compare tests every gene passing the detection filter between two disjoint
// spot groups. minFrac is the minimum expressing fraction: a gene enters the
// tested family when at least one group detects it in >= minFrac of spots.
// Genes outside the family do not count against the Bonferroni correction.
func Compare(sec *section.Section, contrast string, group1, group2 []string, minFrac float64) (*Table, error) {
	idx1, err := resolve(sec, group1)
	if err != nil {
		return nil, fmt.Errorf("%s/%s group1: %w", sec.ID, contrast, err)
	}
	idx2, err := resolve(sec, group2)
	if err != nil {
		return nil, fmt.Errorf("%s/%s group2: %w", sec.ID, contrast, err)
	}
	for _, i := range idx1 {
		for _, j := range idx2 {
			if i == j {
				return nil, fmt.Errorf("de: groups overlap at spot %s (section %s)", sec.Spots[i], sec.ID)
			}
		}
	}

	n1, n2 := len(idx1), len(idx2)
	results := make([]Result, 0, sec.NGenes())

	for gi, gene := range sec.Genes {
		row := sec.Expression(gi)

		v1 := gather(row, idx1)
		v2 := gather(row, idx2)

		pct1 := detected(v1) / float64(n1)
		pct2 := detected(v2) / float64(n2)
		if pct1 < minFrac && pct2 < minFrac {
			continue
		}

		mean1 := mean(v1)
		mean2 := mean(v2)
		log2fc := math.Log2((mean1 + pseudocount) / (mean2 + pseudocount))

		p := RankSumP(v1, v2)

		if !finite(log2fc) || !finite(p) {
			return nil, fmt.Errorf("%w: gene %s in %s/%s", ErrNonFinite, gene, sec.ID, contrast)
		}

		results = append(results, Result{
			Gene:   gene,
			Log2FC: log2fc,
			P:      p,
			Pct1:   pct1,
			Pct2:   pct2,
		})
	}

	// Bonferroni across the tested family only.
	family := float64(len(results))
	for i := range results {
		adj := results[i].P * family
		if adj > 1 {
			adj = 1
		}
		results[i].PAdj = adj
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].PAdj != results[j].PAdj {
			return results[i].PAdj < results[j].PAdj
		}
		if ai, aj := math.Abs(results[i].Log2FC), math.Abs(results[j].Log2FC); ai != aj {
			return ai > aj
		}
		return results[i].Gene < results[j].Gene
	})

	t := &Table{
		SectionID: sec.ID,
		Contrast:  contrast,
		Results:   results,
		byGene:    make(map[string]int, len(results)),
	}
	for i, r := range t.Results {
		t.byGene[r.Gene] = i
	}
	return t, nil
}

// RebuildIndex restores the gene lookup after a Table is deserialized.
func (t *Table) RebuildIndex() {
	t.byGene = make(map[string]int, len(t.Results))
	for i, r := range t.Results {
		t.byGene[r.Gene] = i
	}
}

func resolve(sec *section.Section, spots []string) ([]int, error) {
	var idx []int
	for _, s := range spots {
		if i, ok := sec.SpotIndex(s); ok {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil, ErrEmptyGroup
	}
	return idx, nil
}

func gather(row []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = row[j]
	}
	return out
}

func detected(vals []float64) float64 {
	var n float64
	for _, v := range vals {
		if v > 0 {
			n++
		}
	}
	return n
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var s float64
	for _, v := range vals {
		s += v
	}
	return s / float64(len(vals))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
