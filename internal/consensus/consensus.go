// Package consensus merges per-section DE tables for one logical contrast
// into a single reproducible signature. Tables are outer-joined on gene
// identity, then each gene is voted on: how many sections called it
// significant, and whether every section that tested it agreed on the sign
// of the effect.
package consensus

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/spotsig/spotsig/internal/de"
)

var (
	// ErrNoTables indicates Build was called without any DE tables.
	ErrNoTables = errors.New("consensus: no DE tables")

	// ErrContrastMismatch indicates the input tables are not all for the
	// same logical contrast.
	ErrContrastMismatch = errors.New("consensus: tables disagree on contrast")
)

// GeneConsensus is the across-section vote for one gene. MeanLog2FC averages
// only the sections where the gene was tested; sections missing the gene
// contribute nothing.
type GeneConsensus struct {
	Gene           string
	SigCount       int     // sections with adjusted p < alpha
	Tested         int     // sections where the gene entered the tested family
	SignConsistent bool    // exactly one distinct non-zero effect sign
	MeanLog2FC     float64 // mean over tested sections
	InSignature    bool
}

// Signature is the consensus output for one contrast: the full joined vote
// table plus the thresholds it was built with.
type Signature struct {
	Contrast    string
	Alpha       float64
	MinSections int
	Sections    []string
	All         []GeneConsensus
}

// Genes returns the genes admitted to the final signature, in join order.
func (s *Signature) Genes() []GeneConsensus {
	var out []GeneConsensus
	for _, g := range s.All {
		if g.InSignature {
			out = append(out, g)
		}
	}
	return out
}

// Build outer-joins the tables on gene identity and votes. A gene enters the
// final signature iff its significance count is strictly greater than
// minSections-1 and the sections that tested it produced exactly one
// distinct effect sign. The strict count keeps single-section hits out even
// though one sign can never disagree with itself.
func Build(tables []*de.Table, alpha float64, minSections int) (*Signature, error) {
	if len(tables) == 0 {
		return nil, ErrNoTables
	}
	if alpha <= 0 || alpha >= 1 {
		return nil, fmt.Errorf("consensus: alpha must be in (0,1), got %v", alpha)
	}
	if minSections < 1 {
		return nil, fmt.Errorf("consensus: minimum section count must be >= 1, got %d", minSections)
	}
	contrast := tables[0].Contrast
	for _, t := range tables[1:] {
		if t.Contrast != contrast {
			return nil, fmt.Errorf("%w: %q vs %q", ErrContrastMismatch, contrast, t.Contrast)
		}
	}

	// Union of gene universes, in discovery order across tables. Different
	// sections drop out different genes, so an inner join would discard
	// genes a subset of sections reproduced.
	var order []string
	seen := make(map[string]bool)
	sections := make([]string, len(tables))
	for ti, t := range tables {
		sections[ti] = t.SectionID
		for _, r := range t.Results {
			if !seen[r.Gene] {
				seen[r.Gene] = true
				order = append(order, r.Gene)
			}
		}
	}

	sig := &Signature{
		Contrast:    contrast,
		Alpha:       alpha,
		MinSections: minSections,
		Sections:    sections,
		All:         make([]GeneConsensus, 0, len(order)),
	}

	for _, gene := range order {
		gc := GeneConsensus{Gene: gene}
		var sumFC float64
		posSeen, negSeen := false, false
		for _, t := range tables {
			r, ok := t.Lookup(gene)
			if !ok {
				continue
			}
			gc.Tested++
			sumFC += r.Log2FC
			if r.PAdj < alpha {
				gc.SigCount++
			}
			// Zero effects carry no sign.
			if r.Log2FC > 0 {
				posSeen = true
			} else if r.Log2FC < 0 {
				negSeen = true
			}
		}
		if gc.Tested > 0 {
			gc.MeanLog2FC = sumFC / float64(gc.Tested)
		}
		distinctSigns := 0
		if posSeen {
			distinctSigns++
		}
		if negSeen {
			distinctSigns++
		}
		gc.SignConsistent = distinctSigns == 1
		gc.InSignature = gc.SigCount > minSections-1 && gc.SignConsistent

		if math.IsNaN(gc.MeanLog2FC) || math.IsInf(gc.MeanLog2FC, 0) {
			return nil, fmt.Errorf("%w: gene %s", de.ErrNonFinite, gene)
		}
		sig.All = append(sig.All, gc)
	}

	// Present strongest evidence first.
	sort.SliceStable(sig.All, func(i, j int) bool {
		if sig.All[i].SigCount != sig.All[j].SigCount {
			return sig.All[i].SigCount > sig.All[j].SigCount
		}
		return math.Abs(sig.All[i].MeanLog2FC) > math.Abs(sig.All[j].MeanLog2FC)
	})
	return sig, nil
}
