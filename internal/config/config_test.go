package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spotsig.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func validYAML() string {
	return `
run:
  seed: 42
  output_dir: ./results
de:
  alpha: 0.05
data:
  sections:
    - id: secA
      counts_path: /data/secA_counts.tsv
      embedding_path: /data/secA_pca.tsv
`
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML()))
	require.NoError(t, err)

	assert.Equal(t, int64(42), cfg.Run.Seed)
	assert.Equal(t, "./results", cfg.Run.OutputDir)

	// Unset fields fall back to defaults.
	assert.Equal(t, "partition", cfg.Run.LabelPolicy)
	assert.Equal(t, "centroid", cfg.Partition.Mode)
	assert.GreaterOrEqual(t, cfg.Partition.K, 2)
	assert.GreaterOrEqual(t, cfg.Partition.Dims, 1)
	assert.Equal(t, 0.05, cfg.DE.Alpha)
	assert.NotEmpty(t, cfg.DE.Contrast)
	assert.NotEmpty(t, cfg.DE.Group1)
	assert.NotEmpty(t, cfg.DE.Group2)
	assert.GreaterOrEqual(t, cfg.Consensus.MinSections, 1)
	assert.GreaterOrEqual(t, cfg.Enrichment.MinOverlap, 1)
	assert.GreaterOrEqual(t, cfg.Enrichment.MaxSamples, cfg.Enrichment.InitialSamples)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "run: [not a map"))
	assert.Error(t, err)
}

func TestValidateFatals(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(writeConfig(t, validYAML()))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing seed", func(c *Config) { c.Run.Seed = 0 }},
		{"bad policy", func(c *Config) { c.Run.LabelPolicy = "majority" }},
		{"marker policy without gene", func(c *Config) {
			c.Run.LabelPolicy = "marker"
			c.Marker.Gene = ""
		}},
		{"centroid k too small", func(c *Config) { c.Partition.K = 1 }},
		{"community without neighbors", func(c *Config) {
			c.Partition.Mode = "community"
			c.Partition.Neighbors = 0
		}},
		{"unknown mode", func(c *Config) { c.Partition.Mode = "voronoi" }},
		{"dims below one", func(c *Config) { c.Partition.Dims = 0 }},
		{"detect fraction above one", func(c *Config) { c.DE.MinDetectFraction = 1.5 }},
		{"alpha at one", func(c *Config) { c.DE.Alpha = 1 }},
		{"overlapping de groups", func(c *Config) {
			c.DE.Group1 = []string{"tumor"}
			c.DE.Group2 = []string{"tumor"}
		}},
		{"min sections zero", func(c *Config) { c.Consensus.MinSections = 0 }},
		{"min overlap zero", func(c *Config) { c.Enrichment.MinOverlap = 0 }},
		{"max below initial samples", func(c *Config) {
			c.Enrichment.InitialSamples = 500
			c.Enrichment.MaxSamples = 100
		}},
		{"no sections", func(c *Config) { c.Data.Sections = nil }},
		{"duplicate section ids", func(c *Config) {
			c.Data.Sections = append(c.Data.Sections, c.Data.Sections[0])
		}},
		{"section without source", func(c *Config) {
			c.Data.Sections[0].CountsPath = ""
			c.Data.Sections[0].SomaPath = ""
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base(t)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMarkerPolicyDefaultsGroups(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
run:
  seed: 7
  label_policy: marker
marker:
  gene: EPCAM
  cutoff: 3
data:
  sections:
    - id: secA
      counts_path: /data/a.tsv
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"above"}, cfg.DE.Group1)
	assert.Equal(t, []string{"below"}, cfg.DE.Group2)
}

func TestSomaSectionDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
run:
  seed: 7
data:
  sections:
    - id: secA
      soma_path: /data/secA_soma
`))
	require.NoError(t, err)
	assert.Equal(t, "X_pca", cfg.Data.Sections[0].EmbeddingKey)
}
