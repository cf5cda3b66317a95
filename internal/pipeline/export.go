package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spotsig/spotsig/internal/data/table"
)

// missingCell marks an absent enrichment-matrix cell on disk. It is written
// only for cells that were never evaluated; a tested, non-significant cell
// carries a real 0.
const missingCell = "NA"

// WriteOutputs exports every result table of a run as flat TSV files with
// stable column names.
func WriteOutputs(dir string, res *Result) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	params, err := json.MarshalIndent(res.Params, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "run_params.json"), append(params, '\n'), 0644); err != nil {
		return err
	}

	var errRows [][]string
	for _, sr := range res.Sections {
		if sr.Err != nil {
			errRows = append(errRows, []string{sr.Err.SectionID, sr.Err.Stage, sr.Err.Message})
			continue
		}
		if err := writeLabels(dir, sr); err != nil {
			return err
		}
		if sr.DE != nil {
			if err := writeDE(dir, sr); err != nil {
				return err
			}
		}
	}
	if len(errRows) > 0 {
		t := &table.Table{Columns: []string{"section_id", "stage", "error"}, Rows: errRows}
		if err := table.WriteTable(filepath.Join(dir, "section_errors.tsv"), t); err != nil {
			return err
		}
	}

	if res.Consensus != nil {
		if err := writeConsensus(dir, res); err != nil {
			return err
		}
	}

	for comp, results := range res.Enrichment {
		t := &table.Table{Columns: []string{
			"gene_set", "context", "condition", "set_size", "overlap", "es", "p", "p_adj", "samples",
		}}
		for _, r := range results {
			t.Rows = append(t.Rows, []string{
				r.Set, r.Context, r.Condition,
				strconv.Itoa(r.Size), strconv.Itoa(r.Overlap),
				table.FormatFloat(r.ES), table.FormatFloat(r.P), table.FormatFloat(r.PAdj),
				strconv.Itoa(r.Samples),
			})
		}
		name := fmt.Sprintf("enrichment_%s.tsv", comp)
		if err := table.WriteTable(filepath.Join(dir, name), t); err != nil {
			return err
		}
	}

	if len(res.Skips) > 0 {
		t := &table.Table{Columns: []string{"comparison", "gene_set", "reason"}}
		for _, sk := range res.Skips {
			t.Rows = append(t.Rows, []string{sk.Comparison, sk.GeneSet, sk.Reason})
		}
		if err := table.WriteTable(filepath.Join(dir, "enrichment_skips.tsv"), t); err != nil {
			return err
		}
	}

	if res.Matrix != nil {
		if err := writeMatrix(dir, res); err != nil {
			return err
		}
	}
	return nil
}

func writeLabels(dir string, sr SectionResult) error {
	stages := map[string]map[string]string{}
	if sr.Partition != nil {
		stages[sr.Partition.Stage] = sr.Partition.Labels
	}
	if sr.Phenotype != nil {
		stages[sr.Phenotype.Stage] = sr.Phenotype.Labels
	}
	if sr.Marker != nil {
		stages[sr.Marker.Stage] = sr.Marker.Labels
	}
	for stage, labels := range stages {
		t := &table.Table{Columns: []string{"spot", "label"}}
		spots := make([]string, 0, len(labels))
		for spot := range labels {
			spots = append(spots, spot)
		}
		sort.Strings(spots)
		for _, spot := range spots {
			t.Rows = append(t.Rows, []string{spot, labels[spot]})
		}
		name := fmt.Sprintf("labels_%s_%s.tsv", sr.SectionID, stage)
		if err := table.WriteTable(filepath.Join(dir, name), t); err != nil {
			return err
		}
	}
	return nil
}

func writeDE(dir string, sr SectionResult) error {
	t := &table.Table{Columns: []string{"gene", "log2fc", "p", "p_adj", "pct1", "pct2"}}
	for _, r := range sr.DE.Results {
		t.Rows = append(t.Rows, []string{
			r.Gene,
			table.FormatFloat(r.Log2FC),
			table.FormatFloat(r.P),
			table.FormatFloat(r.PAdj),
			table.FormatFloat(r.Pct1),
			table.FormatFloat(r.Pct2),
		})
	}
	name := fmt.Sprintf("de_%s_%s.tsv", sr.SectionID, sr.DE.Contrast)
	return table.WriteTable(filepath.Join(dir, name), t)
}

func writeConsensus(dir string, res *Result) error {
	t := &table.Table{Columns: []string{
		"gene", "sig_count", "tested", "sign_consistent", "mean_log2fc", "in_signature",
	}}
	for _, gc := range res.Consensus.All {
		t.Rows = append(t.Rows, []string{
			gc.Gene,
			strconv.Itoa(gc.SigCount),
			strconv.Itoa(gc.Tested),
			strconv.FormatBool(gc.SignConsistent),
			table.FormatFloat(gc.MeanLog2FC),
			strconv.FormatBool(gc.InSignature),
		})
	}
	name := fmt.Sprintf("consensus_%s.tsv", res.Consensus.Contrast)
	return table.WriteTable(filepath.Join(dir, name), t)
}

// writeMatrix writes rows in the clustered presentation order with explicit
// NA for missing cells.
func writeMatrix(dir string, res *Result) error {
	m := res.Matrix
	t := &table.Table{Columns: append([]string{"gene_set"}, m.Cols...)}
	for _, ri := range m.RowOrder {
		row := make([]string, 0, len(m.Cols)+1)
		row = append(row, m.Rows[ri])
		for ci := range m.Cols {
			if m.Present[ri][ci] {
				row = append(row, table.FormatFloat(m.Cells[ri][ci]))
			} else {
				row = append(row, missingCell)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return table.WriteTable(filepath.Join(dir, "enrichment_matrix.tsv"), t)
}
