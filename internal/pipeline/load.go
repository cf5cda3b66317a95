package pipeline

import (
	"fmt"

	"github.com/spotsig/spotsig/internal/config"
	"github.com/spotsig/spotsig/internal/data/soma"
	"github.com/spotsig/spotsig/internal/data/table"
	"github.com/spotsig/spotsig/internal/phenotype"
	"github.com/spotsig/spotsig/internal/section"
	"github.com/spotsig/spotsig/pkg/geneset"
)

// LoadInputs materializes every configured section from flat tables or a
// TileDB-SOMA experiment.
func LoadInputs(cfg *config.Config) ([]SectionInput, error) {
	inputs := make([]SectionInput, 0, len(cfg.Data.Sections))
	for _, sc := range cfg.Data.Sections {
		sec, err := loadSection(sc)
		if err != nil {
			return nil, fmt.Errorf("failed to load section %s: %w", sc.ID, err)
		}
		inputs = append(inputs, SectionInput{
			Sec:        sec,
			Phenotypes: phenotype.Table(sc.Phenotypes),
		})
	}
	return inputs, nil
}

func loadSection(sc config.SectionConfig) (*section.Section, error) {
	if sc.SomaPath != "" {
		reader, err := soma.NewReader(sc.SomaPath)
		if err != nil {
			return nil, err
		}
		sec, err := reader.LoadSection(sc.ID, sc.EmbeddingKey)
		if err != nil {
			return nil, err
		}
		if sc.NormPath != "" {
			if err := attachNorm(sec, sc.NormPath); err != nil {
				return nil, err
			}
		}
		return sec, nil
	}

	counts, err := table.ReadMatrix(sc.CountsPath)
	if err != nil {
		return nil, err
	}

	var embedding [][]float64
	if sc.EmbeddingPath != "" {
		em, err := table.ReadMatrix(sc.EmbeddingPath)
		if err != nil {
			return nil, err
		}
		// Embedding rows are spots; realign them to the counts column order.
		pos := make(map[string]int, len(em.Rows))
		for i, spot := range em.Rows {
			pos[spot] = i
		}
		embedding = make([][]float64, len(counts.Cols))
		for i, spot := range counts.Cols {
			j, ok := pos[spot]
			if !ok {
				return nil, fmt.Errorf("embedding at %s is missing spot %s", sc.EmbeddingPath, spot)
			}
			embedding[i] = em.Values[j]
		}
	}

	sec, err := section.New(sc.ID, counts.Cols, counts.Rows, counts.Values, embedding)
	if err != nil {
		return nil, err
	}
	if sc.NormPath != "" {
		if err := attachNorm(sec, sc.NormPath); err != nil {
			return nil, err
		}
	}
	return sec, nil
}

// attachNorm loads an externally normalized matrix and aligns it to the
// section's gene and spot order.
func attachNorm(sec *section.Section, path string) error {
	nm, err := table.ReadMatrix(path)
	if err != nil {
		return err
	}
	spotPos := make(map[string]int, len(nm.Cols))
	for i, spot := range nm.Cols {
		spotPos[spot] = i
	}
	genePos := make(map[string]int, len(nm.Rows))
	for i, g := range nm.Rows {
		genePos[g] = i
	}
	norm := make([][]float64, sec.NGenes())
	for gi, gene := range sec.Genes {
		src, ok := genePos[gene]
		if !ok {
			return fmt.Errorf("normalized matrix at %s is missing gene %s", path, gene)
		}
		row := make([]float64, sec.NSpots())
		for si, spot := range sec.Spots {
			sj, ok := spotPos[spot]
			if !ok {
				return fmt.Errorf("normalized matrix at %s is missing spot %s", path, spot)
			}
			row[si] = nm.Values[src][sj]
		}
		norm[gi] = row
	}
	return sec.SetNormalized(norm)
}

// LoadLibrary reads the configured gene-set library, or returns nil when
// none is configured.
func LoadLibrary(cfg *config.Config) (*geneset.Library, error) {
	if cfg.Data.GeneSetPath == "" {
		return nil, nil
	}
	lines, err := table.ReadLines(cfg.Data.GeneSetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load gene sets: %w", err)
	}
	lib, err := geneset.Parse(lines)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gene sets: %w", err)
	}
	return lib, nil
}
