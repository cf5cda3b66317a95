// Package partition groups spots from a precomputed low-dimensional
// embedding. Two modes are supported: a seeded fixed-k centroid mode and a
// nearest-neighbor-graph community mode whose group count is an output.
package partition

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spotsig/spotsig/internal/section"
)

// Partition modes.
const (
	ModeCentroid  = "centroid"
	ModeCommunity = "community"
)

var (
	// ErrInsufficientDimensions indicates the embedding is narrower than the
	// requested dimension count.
	ErrInsufficientDimensions = errors.New("partition: requested dimensions exceed embedding width")

	// ErrNoEmbedding indicates the section carries no embedding matrix.
	ErrNoEmbedding = errors.New("partition: section has no embedding")
)

// Config selects the partition mode and its parameters.
type Config struct {
	Mode      string
	Dims      int   // embedding columns used (prefix)
	K         int   // group count, centroid mode only
	Restarts  int   // random restarts, centroid mode
	MaxIter   int   // relocation iterations per restart
	Neighbors int   // neighborhood size, community mode
	Seed      int64 // required for centroid mode determinism
}

// Stage name used for partition labelings.
const Stage = "partition"

// Partition clusters one section's spots and returns a labeling. Group
// labels are the decimal cluster indices; an external phenotype table maps
// them to names downstream.
func Partition(sec *section.Section, cfg Config) (*section.Labeling, error) {
	k := sec.EmbeddingDims()
	if k == 0 {
		return nil, fmt.Errorf("%w: section %s", ErrNoEmbedding, sec.ID)
	}
	if cfg.Dims <= 0 || cfg.Dims > k {
		return nil, fmt.Errorf("%w: want %d, embedding has %d (section %s)", ErrInsufficientDimensions, cfg.Dims, k, sec.ID)
	}

	points := make([][]float64, sec.NSpots())
	for i, row := range sec.Embedding {
		points[i] = row[:cfg.Dims]
	}

	var assign []int
	var err error
	switch cfg.Mode {
	case ModeCentroid:
		assign, err = kmeans(points, cfg.K, cfg.Restarts, cfg.MaxIter, cfg.Seed)
	case ModeCommunity:
		assign, err = communities(points, cfg.Neighbors)
	default:
		err = fmt.Errorf("partition: unknown mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	labels := make(map[string]string, len(assign))
	for i, c := range assign {
		labels[sec.Spots[i]] = strconv.Itoa(c)
	}
	return section.NewLabeling(sec, Stage, labels)
}

func sqDist(a, b []float64) float64 {
	var d float64
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return d
}
