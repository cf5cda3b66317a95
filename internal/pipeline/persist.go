package pipeline

import (
	"fmt"

	"github.com/spotsig/spotsig/internal/runstore"
	"github.com/spotsig/spotsig/internal/section"
)

// SaveResult persists a completed run's tables so the daemon can serve them
// after a restart.
func SaveResult(store *runstore.Store, runID string, res *Result) error {
	for _, sr := range res.Sections {
		if sr.Err != nil {
			if err := store.InsertSectionError(runID, *sr.Err); err != nil {
				return fmt.Errorf("section error %s: %w", sr.Err.SectionID, err)
			}
			continue
		}
		for _, lab := range []*section.Labeling{sr.Partition, sr.Phenotype, sr.Marker} {
			if lab == nil {
				continue
			}
			if err := store.InsertLabels(runID, sr.SectionID, lab.Stage, lab.Labels); err != nil {
				return fmt.Errorf("labels %s/%s: %w", sr.SectionID, lab.Stage, err)
			}
		}
		if sr.DE != nil {
			rows := make([]runstore.DERow, 0, len(sr.DE.Results))
			for _, r := range sr.DE.Results {
				rows = append(rows, runstore.DERow{
					SectionID: sr.SectionID,
					Contrast:  sr.DE.Contrast,
					Gene:      r.Gene,
					Log2FC:    r.Log2FC,
					P:         r.P,
					PAdj:      r.PAdj,
					Pct1:      r.Pct1,
					Pct2:      r.Pct2,
				})
			}
			if err := store.InsertDEResults(runID, rows); err != nil {
				return fmt.Errorf("de results %s: %w", sr.SectionID, err)
			}
		}
	}

	if res.Consensus != nil {
		rows := make([]runstore.ConsensusRow, 0, len(res.Consensus.All))
		for _, gc := range res.Consensus.All {
			rows = append(rows, runstore.ConsensusRow{
				Contrast:       res.Consensus.Contrast,
				Gene:           gc.Gene,
				SigCount:       gc.SigCount,
				Tested:         gc.Tested,
				SignConsistent: gc.SignConsistent,
				MeanLog2FC:     gc.MeanLog2FC,
				InSignature:    gc.InSignature,
			})
		}
		if err := store.InsertConsensus(runID, rows); err != nil {
			return fmt.Errorf("consensus: %w", err)
		}
	}

	var enrichRows []runstore.EnrichmentRow
	for comp, results := range res.Enrichment {
		for _, r := range results {
			enrichRows = append(enrichRows, runstore.EnrichmentRow{
				Comparison: comp,
				GeneSet:    r.Set,
				Context:    r.Context,
				Condition:  r.Condition,
				Size:       r.Size,
				Overlap:    r.Overlap,
				ES:         r.ES,
				P:          r.P,
				PAdj:       r.PAdj,
				Samples:    r.Samples,
			})
		}
	}
	if len(enrichRows) > 0 || len(res.Skips) > 0 {
		if err := store.InsertEnrichment(runID, enrichRows, res.Skips); err != nil {
			return fmt.Errorf("enrichment: %w", err)
		}
	}

	if res.Matrix != nil {
		m := res.Matrix
		var cells []runstore.MatrixCell
		for ri, row := range m.Rows {
			for ci, col := range m.Cols {
				if m.Present[ri][ci] {
					cells = append(cells, runstore.MatrixCell{
						GeneSet:    row,
						Comparison: col,
						Value:      m.Cells[ri][ci],
					})
				}
			}
		}
		order := make([]string, len(m.RowOrder))
		for i, ri := range m.RowOrder {
			order[i] = m.Rows[ri]
		}
		if err := store.InsertMatrix(runID, cells, order); err != nil {
			return fmt.Errorf("matrix: %w", err)
		}
	}
	return nil
}
