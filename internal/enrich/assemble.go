package enrich

import (
	"fmt"
	"math"
)

// Matrix is the dense gene-set by comparison score table. A cell holds
// sign(ES) * -log10(adjusted p); Present distinguishes a missing cell
// (gene set omitted for that comparison) from a zero (tested, adjusted p of
// 1). Missing cells are never zero-filled.
type Matrix struct {
	Rows    []string // gene set names, union across comparisons, discovery order
	Cols    []string // comparison names, input order
	Cells   [][]float64
	Present [][]bool

	// RowOrder is a presentation permutation of Rows derived from
	// hierarchical clustering over the filled cells. It never mutates the
	// matrix itself.
	RowOrder []int
}

// Value returns the cell for (set, comparison) and whether it is present.
func (m *Matrix) Value(set, comparison string) (float64, bool) {
	ri, ci := -1, -1
	for i, r := range m.Rows {
		if r == set {
			ri = i
			break
		}
	}
	for j, c := range m.Cols {
		if c == comparison {
			ci = j
			break
		}
	}
	if ri < 0 || ci < 0 || !m.Present[ri][ci] {
		return 0, false
	}
	return m.Cells[ri][ci], true
}

// Assemble arranges per-comparison enrichment results into one matrix. The
// row universe is the union of gene sets observed across comparisons, in
// first-seen order; comparisons keep their input order.
func Assemble(comparisons []string, results map[string][]Result) (*Matrix, error) {
	if len(comparisons) == 0 {
		return nil, fmt.Errorf("enrich: no comparisons to assemble")
	}

	m := &Matrix{Cols: append([]string(nil), comparisons...)}
	rowIdx := make(map[string]int)
	for _, comp := range comparisons {
		for _, r := range results[comp] {
			if _, ok := rowIdx[r.Set]; !ok {
				rowIdx[r.Set] = len(m.Rows)
				m.Rows = append(m.Rows, r.Set)
			}
		}
	}

	m.Cells = make([][]float64, len(m.Rows))
	m.Present = make([][]bool, len(m.Rows))
	for i := range m.Cells {
		m.Cells[i] = make([]float64, len(m.Cols))
		m.Present[i] = make([]bool, len(m.Cols))
	}

	for ci, comp := range comparisons {
		for _, r := range results[comp] {
			ri := rowIdx[r.Set]
			if m.Present[ri][ci] {
				return nil, fmt.Errorf("enrich: duplicate result for set %s in comparison %s", r.Set, comp)
			}
			v := signedLogP(r.ES, r.PAdj)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("enrich: non-finite cell for set %s in comparison %s", r.Set, comp)
			}
			m.Cells[ri][ci] = v
			m.Present[ri][ci] = true
		}
	}

	m.RowOrder = clusterRows(m)
	return m, nil
}

// signedLogP encodes direction and strength in one value.
func signedLogP(es, padj float64) float64 {
	v := -math.Log10(padj)
	if es < 0 {
		return -v
	}
	return v
}
