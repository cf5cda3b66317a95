// Package gate applies a hard raw-count threshold on one designated marker
// gene, producing a binary above/below labeling. The gate deliberately runs
// independent of the projection partitioner and may contradict it; callers
// pick which labeling governs downstream grouping and record that choice.
package gate

import (
	"errors"
	"fmt"

	"github.com/spotsig/spotsig/internal/section"
)

// ErrMissingMarker indicates the marker gene, or a spot's count for it, is
// absent from the input.
var ErrMissingMarker = errors.New("gate: missing marker count")

// Binary labels emitted by the gate.
const (
	LabelAbove = "above"
	LabelBelow = "below"
)

// Stage name used for gate labelings.
const Stage = "marker"

// Policy names which labeling governs downstream grouping for a run. It is
// recorded alongside results so a run can be reproduced.
type Policy string

const (
	PolicyPartition Policy = "partition"
	PolicyMarker    Policy = "marker"
)

// Valid reports whether p is a recognized policy.
func (p Policy) Valid() bool {
	return p == PolicyPartition || p == PolicyMarker
}

// Apply thresholds the section's raw counts for markerGene at cutoff. Every
// spot gets a label; strictly greater than cutoff is "above".
func Apply(sec *section.Section, markerGene string, cutoff float64) (*section.Labeling, error) {
	row, err := sec.RawCounts(markerGene)
	if err != nil {
		return nil, fmt.Errorf("%w: gene %s in section %s", ErrMissingMarker, markerGene, sec.ID)
	}
	labels := make(map[string]string, len(sec.Spots))
	for i, spot := range sec.Spots {
		if row[i] > cutoff {
			labels[spot] = LabelAbove
		} else {
			labels[spot] = LabelBelow
		}
	}
	return section.NewLabeling(sec, Stage, labels)
}

// ApplyCounts thresholds an externally supplied per-spot count table, for
// callers whose marker counts do not live in the section matrix. A spot
// listed without a count fails the section, not the batch.
func ApplyCounts(sec *section.Section, counts map[string]float64, cutoff float64) (*section.Labeling, error) {
	labels := make(map[string]string, len(sec.Spots))
	for _, spot := range sec.Spots {
		c, ok := counts[spot]
		if !ok {
			return nil, fmt.Errorf("%w: spot %s in section %s", ErrMissingMarker, spot, sec.ID)
		}
		if c > cutoff {
			labels[spot] = LabelAbove
		} else {
			labels[spot] = LabelBelow
		}
	}
	return section.NewLabeling(sec, Stage, labels)
}
