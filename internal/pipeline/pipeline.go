// Package pipeline orchestrates a full spotsig run: per-section
// partitioning, marker gating and DE run concurrently across sections, then
// the cross-section consensus and per-comparison enrichment synchronization
// points.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/spotsig/spotsig/internal/config"
	"github.com/spotsig/spotsig/internal/consensus"
	"github.com/spotsig/spotsig/internal/de"
	"github.com/spotsig/spotsig/internal/enrich"
	"github.com/spotsig/spotsig/internal/gate"
	"github.com/spotsig/spotsig/internal/logger"
	"github.com/spotsig/spotsig/internal/partition"
	"github.com/spotsig/spotsig/internal/phenotype"
	"github.com/spotsig/spotsig/internal/runstore"
	"github.com/spotsig/spotsig/internal/section"
	"github.com/spotsig/spotsig/pkg/geneset"
)

// ConsensusComparison names the enrichment comparison ranked by the
// consensus signature's mean effect sizes.
const ConsensusComparison = "consensus"

// SectionInput is one section plus its analyst configuration.
type SectionInput struct {
	Sec        *section.Section
	Phenotypes phenotype.Table
}

// SectionResult collects the per-section stage outputs. Err is set when an
// input error failed this section; the rest of the batch continues.
type SectionResult struct {
	SectionID string
	Partition *section.Labeling
	Phenotype *section.Labeling
	Marker    *section.Labeling
	DE        *de.Table
	Err       *runstore.SectionError
}

// Result is the complete outcome of one run.
type Result struct {
	Params     runstore.RunParams
	Sections   []SectionResult
	Consensus  *consensus.Signature
	Enrichment map[string][]enrich.Result
	Skips      []runstore.SkipRow
	Matrix     *enrich.Matrix
}

// Progress is an optional callback reporting coarse phase progress.
type Progress func(phase string, done, total int)

// Runner executes runs for one validated configuration.
type Runner struct {
	cfg      *config.Config
	library  *geneset.Library
	progress Progress
}

// NewRunner builds a runner. The gene-set library may be nil when no
// enrichment is configured.
func NewRunner(cfg *config.Config, library *geneset.Library) *Runner {
	return &Runner{cfg: cfg, library: library}
}

// SetProgress installs a progress callback (used by the job daemon).
func (r *Runner) SetProgress(p Progress) { r.progress = p }

func (r *Runner) report(phase string, done, total int) {
	if r.progress != nil {
		r.progress(phase, done, total)
	}
}

// Params returns the reproducibility record for this configuration.
func (r *Runner) Params(sectionIDs []string) runstore.RunParams {
	return runstore.RunParams{
		Seed:              r.cfg.Run.Seed,
		LabelPolicy:       r.cfg.Run.LabelPolicy,
		PartitionMode:     r.cfg.Partition.Mode,
		K:                 r.cfg.Partition.K,
		Dims:              r.cfg.Partition.Dims,
		MarkerGene:        r.cfg.Marker.Gene,
		MarkerCutoff:      r.cfg.Marker.Cutoff,
		MinDetectFraction: r.cfg.DE.MinDetectFraction,
		Alpha:             r.cfg.DE.Alpha,
		MinSections:       r.cfg.Consensus.MinSections,
		MinOverlap:        r.cfg.Enrichment.MinOverlap,
		MaxSamples:        r.cfg.Enrichment.MaxSamples,
		Sections:          sectionIDs,
	}
}

// Execute runs the pipeline over the given sections. Per-section input
// errors become error records; only configuration or defect-class errors
// abort the run.
func (r *Runner) Execute(ctx context.Context, inputs []SectionInput) (*Result, error) {
	ids := make([]string, len(inputs))
	for i, in := range inputs {
		ids[i] = in.Sec.ID
	}
	res := &Result{
		Params:     r.Params(ids),
		Sections:   make([]SectionResult, len(inputs)),
		Enrichment: make(map[string][]enrich.Result),
	}

	// Sections are independent: no shared mutable state, each goroutine
	// writes only its own slot.
	r.report("sections", 0, len(inputs))
	var wg sync.WaitGroup
	var done sync.Mutex
	finished := 0
	for i := range inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res.Sections[i] = r.runSection(inputs[i])
			done.Lock()
			finished++
			r.report("sections", finished, len(inputs))
			done.Unlock()
		}(i)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Consensus waits for every section.
	var tables []*de.Table
	for _, sr := range res.Sections {
		if sr.Err == nil && sr.DE != nil {
			tables = append(tables, sr.DE)
		}
	}
	if len(tables) > 0 {
		r.report("consensus", 0, 1)
		sig, err := consensus.Build(tables, r.cfg.DE.Alpha, r.cfg.Consensus.MinSections)
		if err != nil {
			return nil, fmt.Errorf("consensus failed: %w", err)
		}
		res.Consensus = sig
		r.report("consensus", 1, 1)
	}

	// Enrichment: one comparison per section plus the consensus ranking.
	if r.library != nil && len(r.library.Sets()) > 0 {
		comparisons := r.comparisons(res)
		r.report("enrichment", 0, len(comparisons))
		for ci, comp := range comparisons {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ranked := comp.ranked
			if len(ranked) == 0 {
				logger.Warn("no significant genes to rank, skipping comparison",
					zap.String("comparison", comp.name))
				continue
			}
			ecfg := enrich.Config{
				MinOverlap:     r.cfg.Enrichment.MinOverlap,
				InitialSamples: r.cfg.Enrichment.InitialSamples,
				MaxSamples:     r.cfg.Enrichment.MaxSamples,
				Workers:        r.cfg.Enrichment.Workers,
				Seed:           deriveSeed(r.cfg.Run.Seed, comp.name),
			}
			results, skips, err := enrich.Score(ranked, r.library.Sets(), ecfg)
			if err != nil {
				return nil, fmt.Errorf("enrichment failed for %s: %w", comp.name, err)
			}
			res.Enrichment[comp.name] = results
			for _, sk := range skips {
				res.Skips = append(res.Skips, runstore.SkipRow{
					Comparison: comp.name,
					GeneSet:    sk.Set,
					Reason:     sk.Reason.Error(),
				})
			}
			r.report("enrichment", ci+1, len(comparisons))
		}

		// The matrix assembler waits for every comparison.
		var names []string
		for _, comp := range comparisons {
			if _, ok := res.Enrichment[comp.name]; ok {
				names = append(names, comp.name)
			}
		}
		if len(names) > 0 {
			m, err := enrich.Assemble(names, res.Enrichment)
			if err != nil {
				return nil, fmt.Errorf("matrix assembly failed: %w", err)
			}
			res.Matrix = m
		}
	}

	return res, nil
}

// runSection executes partition, gate and DE for one section. Input errors
// produce a SectionError record instead of failing the batch.
func (r *Runner) runSection(in SectionInput) SectionResult {
	sec := in.Sec
	sr := SectionResult{SectionID: sec.ID}

	fail := func(stage string, err error) SectionResult {
		logger.Warn("section failed",
			zap.String("section", sec.ID),
			zap.String("stage", stage),
			zap.Error(err))
		sr.Err = &runstore.SectionError{SectionID: sec.ID, Stage: stage, Message: err.Error()}
		return sr
	}

	part, err := partition.Partition(sec, partition.Config{
		Mode:      r.cfg.Partition.Mode,
		Dims:      r.cfg.Partition.Dims,
		K:         r.cfg.Partition.K,
		Restarts:  r.cfg.Partition.Restarts,
		MaxIter:   r.cfg.Partition.MaxIter,
		Neighbors: r.cfg.Partition.Neighbors,
		Seed:      deriveSeed(r.cfg.Run.Seed, sec.ID),
	})
	if err != nil {
		return fail(partition.Stage, err)
	}
	sr.Partition = part

	if len(in.Phenotypes) > 0 {
		named, err := phenotype.Apply(sec, part, in.Phenotypes)
		if err != nil {
			return fail("phenotype", err)
		}
		sr.Phenotype = named
	}

	if r.cfg.Marker.Gene != "" {
		marked, err := gate.Apply(sec, r.cfg.Marker.Gene, r.cfg.Marker.Cutoff)
		if err != nil {
			return fail(gate.Stage, err)
		}
		sr.Marker = marked
	}

	governing, err := r.governing(&sr)
	if err != nil {
		return fail("grouping", err)
	}

	var group1, group2 []string
	for _, lab := range r.cfg.DE.Group1 {
		group1 = append(group1, governing.Group(lab)...)
	}
	for _, lab := range r.cfg.DE.Group2 {
		group2 = append(group2, governing.Group(lab)...)
	}

	table, err := de.Compare(sec, r.cfg.DE.Contrast, group1, group2, r.cfg.DE.MinDetectFraction)
	if err != nil {
		return fail("de", err)
	}
	sr.DE = table
	return sr
}

// governing picks the labeling the configured policy says drives DE
// grouping.
func (r *Runner) governing(sr *SectionResult) (*section.Labeling, error) {
	switch gate.Policy(r.cfg.Run.LabelPolicy) {
	case gate.PolicyMarker:
		if sr.Marker == nil {
			return nil, fmt.Errorf("label policy is marker but no marker gate ran for section %s", sr.SectionID)
		}
		return sr.Marker, nil
	default:
		if sr.Phenotype != nil {
			return sr.Phenotype, nil
		}
		return sr.Partition, nil
	}
}

type comparison struct {
	name   string
	ranked []enrich.RankedGene
}

// comparisons builds the ranked gene lists: one per surviving section's DE
// table and one for the consensus signature. Scores are effect sizes of
// significant genes only.
func (r *Runner) comparisons(res *Result) []comparison {
	var comps []comparison
	for _, sr := range res.Sections {
		if sr.Err != nil || sr.DE == nil {
			continue
		}
		var ranked []enrich.RankedGene
		for _, dr := range sr.DE.Results {
			if dr.PAdj < r.cfg.DE.Alpha {
				ranked = append(ranked, enrich.RankedGene{Gene: dr.Gene, Score: dr.Log2FC})
			}
		}
		comps = append(comps, comparison{name: sr.SectionID, ranked: ranked})
	}
	if res.Consensus != nil {
		var ranked []enrich.RankedGene
		for _, gc := range res.Consensus.Genes() {
			ranked = append(ranked, enrich.RankedGene{Gene: gc.Gene, Score: gc.MeanLog2FC})
		}
		comps = append(comps, comparison{name: ConsensusComparison, ranked: ranked})
	}
	return comps
}

// deriveSeed gives every stochastic stage its own stable stream from the
// single configured seed.
func deriveSeed(master int64, name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	s := master ^ int64(h.Sum64())
	if s == 0 {
		s = master | 1
	}
	return s
}
