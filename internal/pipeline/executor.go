package pipeline

import (
	"context"
	"fmt"

	"github.com/spotsig/spotsig/internal/config"
	"github.com/spotsig/spotsig/internal/runstore"
)

// Executor returns a run executor for the job daemon. Each run re-reads its
// persisted parameters, overlays them on the daemon's base configuration and
// loads only the sections the run names.
func Executor(base *config.Config) func(ctx context.Context, store *runstore.Store, runID string) error {
	return func(ctx context.Context, store *runstore.Store, runID string) error {
		run, err := store.GetRun(runID)
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if run == nil {
			return fmt.Errorf("run %s not found", runID)
		}

		cfg := overlay(base, run.Params)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("run parameters: %w", err)
		}

		library, err := LoadLibrary(cfg)
		if err != nil {
			return err
		}
		inputs, err := LoadInputs(cfg)
		if err != nil {
			return err
		}

		runner := NewRunner(cfg, library)
		runner.SetProgress(func(phase string, done, total int) {
			store.UpdateRunProgress(runID, phase, done, total)
		})

		res, err := runner.Execute(ctx, inputs)
		if err != nil {
			return err
		}
		return SaveResult(store, runID, res)
	}
}

// overlay builds a per-run config from the base config and the run's
// recorded parameters.
func overlay(base *config.Config, p runstore.RunParams) *config.Config {
	cfg := *base
	cfg.Run.Seed = p.Seed
	cfg.Run.LabelPolicy = p.LabelPolicy
	cfg.Partition.Mode = p.PartitionMode
	cfg.Partition.K = p.K
	cfg.Partition.Dims = p.Dims
	cfg.Marker.Gene = p.MarkerGene
	cfg.Marker.Cutoff = p.MarkerCutoff
	cfg.DE.MinDetectFraction = p.MinDetectFraction
	cfg.DE.Alpha = p.Alpha
	cfg.Consensus.MinSections = p.MinSections
	cfg.Enrichment.MinOverlap = p.MinOverlap
	cfg.Enrichment.MaxSamples = p.MaxSamples

	if len(p.Sections) > 0 {
		wanted := make(map[string]bool, len(p.Sections))
		for _, id := range p.Sections {
			wanted[id] = true
		}
		sections := make([]config.SectionConfig, 0, len(p.Sections))
		for _, sc := range base.Data.Sections {
			if wanted[sc.ID] {
				sections = append(sections, sc)
			}
		}
		data := base.Data
		data.Sections = sections
		cfg.Data = data
	}
	return &cfg
}
