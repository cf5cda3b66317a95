// Package section defines the core data model for one tissue section:
// a gene-by-spot expression matrix plus a per-spot embedding.
package section

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrUnknownGene indicates a gene identifier not present in the section.
	ErrUnknownGene = errors.New("section: gene not found")

	// ErrUnknownSpot indicates a spot identifier not present in the section.
	ErrUnknownSpot = errors.New("section: spot not found")
)

// Section holds one tissue sample: an ordered spot universe, a gene-by-spot
// expression matrix and a spots-by-K embedding. Sections never share spots.
// Counts are raw non-negative values; Norm, when present, holds the
// externally normalized expression used for DE testing.
type Section struct {
	ID    string
	Spots []string
	Genes []string

	// Counts[g][s] is the raw count of gene g in spot s (indices follow
	// Genes and Spots ordering).
	Counts [][]float64

	// Norm[g][s] is normalized expression; nil means Counts are used as-is.
	Norm [][]float64

	// Embedding[s] is the K-dimensional projection of spot s.
	Embedding [][]float64

	spotIndex map[string]int
	geneIndex map[string]int
}

// New builds a Section and validates matrix shapes against the spot and
// gene universes.
func New(id string, spots, genes []string, counts, embedding [][]float64) (*Section, error) {
	if id == "" {
		return nil, errors.New("section: empty section id")
	}
	if len(spots) == 0 {
		return nil, fmt.Errorf("section %s: no spots", id)
	}
	if len(counts) != len(genes) {
		return nil, fmt.Errorf("section %s: counts has %d rows, want %d genes", id, len(counts), len(genes))
	}
	for gi, row := range counts {
		if len(row) != len(spots) {
			return nil, fmt.Errorf("section %s: gene %s has %d values, want %d spots", id, genes[gi], len(row), len(spots))
		}
		for si, v := range row {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("section %s: invalid count %v for gene %s spot %s", id, v, genes[gi], spots[si])
			}
		}
	}
	if embedding != nil && len(embedding) != len(spots) {
		return nil, fmt.Errorf("section %s: embedding has %d rows, want %d spots", id, len(embedding), len(spots))
	}

	s := &Section{
		ID:        id,
		Spots:     spots,
		Genes:     genes,
		Counts:    counts,
		Embedding: embedding,
		spotIndex: make(map[string]int, len(spots)),
		geneIndex: make(map[string]int, len(genes)),
	}
	for i, sp := range spots {
		if _, dup := s.spotIndex[sp]; dup {
			return nil, fmt.Errorf("section %s: duplicate spot %s", id, sp)
		}
		s.spotIndex[sp] = i
	}
	for i, g := range genes {
		if _, dup := s.geneIndex[g]; dup {
			return nil, fmt.Errorf("section %s: duplicate gene %s", id, g)
		}
		s.geneIndex[g] = i
	}
	return s, nil
}

// NSpots returns the number of spots.
func (s *Section) NSpots() int { return len(s.Spots) }

// NGenes returns the number of genes.
func (s *Section) NGenes() int { return len(s.Genes) }

// EmbeddingDims returns the embedding width K, or 0 when no embedding is set.
func (s *Section) EmbeddingDims() int {
	if len(s.Embedding) == 0 {
		return 0
	}
	return len(s.Embedding[0])
}

// SpotIndex resolves a spot identifier to its column index.
func (s *Section) SpotIndex(spot string) (int, bool) {
	i, ok := s.spotIndex[spot]
	return i, ok
}

// GeneIndex resolves a gene identifier to its row index.
func (s *Section) GeneIndex(gene string) (int, bool) {
	i, ok := s.geneIndex[gene]
	return i, ok
}

// RawCounts returns the raw count row for one gene.
func (s *Section) RawCounts(gene string) ([]float64, error) {
	gi, ok := s.geneIndex[gene]
	if !ok {
		return nil, fmt.Errorf("%w: %s in section %s", ErrUnknownGene, gene, s.ID)
	}
	return s.Counts[gi], nil
}

// Expression returns the expression row used for statistics: the normalized
// matrix when present, raw counts otherwise.
func (s *Section) Expression(geneIdx int) []float64 {
	if s.Norm != nil {
		return s.Norm[geneIdx]
	}
	return s.Counts[geneIdx]
}

// SetNormalized attaches an externally normalized expression matrix. The
// shape must match the raw matrix.
func (s *Section) SetNormalized(norm [][]float64) error {
	if len(norm) != len(s.Genes) {
		return fmt.Errorf("section %s: normalized matrix has %d rows, want %d", s.ID, len(norm), len(s.Genes))
	}
	for gi, row := range norm {
		if len(row) != len(s.Spots) {
			return fmt.Errorf("section %s: normalized gene %s has %d values, want %d", s.ID, s.Genes[gi], len(row), len(s.Spots))
		}
	}
	s.Norm = norm
	return nil
}

// Labeling maps every spot of one section to a categorical group label for
// one pipeline stage. Relabeling a section at the same stage replaces the
// mapping wholesale; labels from different stages never merge.
type Labeling struct {
	SectionID string
	Stage     string
	Labels    map[string]string
}

// NewLabeling builds a labeling. Every labeled spot must exist in the
// section and every spot in the section must carry a label.
func NewLabeling(sec *Section, stage string, labels map[string]string) (*Labeling, error) {
	for spot := range labels {
		if _, ok := sec.spotIndex[spot]; !ok {
			return nil, fmt.Errorf("%w: %s in section %s", ErrUnknownSpot, spot, sec.ID)
		}
	}
	if len(labels) != len(sec.Spots) {
		return nil, fmt.Errorf("section %s: labeling covers %d of %d spots", sec.ID, len(labels), len(sec.Spots))
	}
	return &Labeling{SectionID: sec.ID, Stage: stage, Labels: labels}, nil
}

// Group returns the spot identifiers carrying one label, sorted for
// deterministic downstream iteration.
func (l *Labeling) Group(label string) []string {
	var spots []string
	for spot, lab := range l.Labels {
		if lab == label {
			spots = append(spots, spot)
		}
	}
	sort.Strings(spots)
	return spots
}

// GroupNames returns the distinct labels in sorted order.
func (l *Labeling) GroupNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, lab := range l.Labels {
		if !seen[lab] {
			seen[lab] = true
			names = append(names, lab)
		}
	}
	sort.Strings(names)
	return names
}
