// Package config handles configuration loading for the spotsig pipeline.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the full pipeline configuration.
type Config struct {
	Run        RunConfig        `yaml:"run"`
	Partition  PartitionConfig  `yaml:"partition"`
	Marker     MarkerConfig     `yaml:"marker"`
	DE         DEConfig         `yaml:"de"`
	Consensus  ConsensusConfig  `yaml:"consensus"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Data       DataConfig       `yaml:"data"`
	Server     ServerConfig     `yaml:"server"`
	Cache      CacheConfig      `yaml:"cache"`
}

// RunConfig contains run-wide settings.
type RunConfig struct {
	Seed      int64  `yaml:"seed"`
	OutputDir string `yaml:"output_dir"`
	// LabelPolicy picks which labeling governs DE grouping: "partition" or
	// "marker". Recorded alongside results.
	LabelPolicy string `yaml:"label_policy"`
}

// PartitionConfig contains projection partitioner settings.
type PartitionConfig struct {
	Mode      string `yaml:"mode"` // centroid | community
	K         int    `yaml:"k"`
	Dims      int    `yaml:"dims"`
	Restarts  int    `yaml:"restarts"`
	MaxIter   int    `yaml:"max_iter"`
	Neighbors int    `yaml:"neighbors"`
}

// MarkerConfig contains marker gate settings.
type MarkerConfig struct {
	Gene   string  `yaml:"gene"`
	Cutoff float64 `yaml:"cutoff"`
}

// DEConfig contains differential expression settings. Contrast names the
// logical comparison; Group1 and Group2 list the governing labels forming
// each side.
type DEConfig struct {
	MinDetectFraction float64  `yaml:"min_detect_fraction"`
	Alpha             float64  `yaml:"alpha"`
	Contrast          string   `yaml:"contrast"`
	Group1            []string `yaml:"group1"`
	Group2            []string `yaml:"group2"`
}

// ConsensusConfig contains cross-section consensus settings.
type ConsensusConfig struct {
	MinSections int `yaml:"min_sections"`
}

// EnrichmentConfig contains gene-set enrichment settings.
type EnrichmentConfig struct {
	MinOverlap     int `yaml:"min_overlap"`
	InitialSamples int `yaml:"initial_samples"`
	MaxSamples     int `yaml:"max_samples"`
	Workers        int `yaml:"workers"`
}

// SectionConfig locates one tissue section's input tables.
type SectionConfig struct {
	ID            string `yaml:"id"`
	CountsPath    string `yaml:"counts_path"`
	NormPath      string `yaml:"norm_path"`
	EmbeddingPath string `yaml:"embedding_path"`
	// SomaPath optionally points at a TileDB-SOMA experiment instead of
	// flat tables (requires a build with -tags soma). EmbeddingKey names
	// the obsm matrix to use as the embedding.
	SomaPath     string `yaml:"soma_path"`
	EmbeddingKey string `yaml:"embedding_key"`
	// Phenotypes maps partition cluster indices to analyst names.
	Phenotypes map[string]string `yaml:"phenotypes"`
}

// DataConfig contains data source settings.
type DataConfig struct {
	GeneSetPath string          `yaml:"geneset_path"`
	Sections    []SectionConfig `yaml:"sections"`
}

// ServerConfig contains job daemon settings.
type ServerConfig struct {
	Port          int      `yaml:"port"`
	CORSOrigins   []string `yaml:"cors_origins"`
	SQLitePath    string   `yaml:"sqlite_path"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	RetentionDays int      `yaml:"retention_days"`
}

// CacheConfig contains daemon caching settings.
type CacheConfig struct {
	ResultSizeMB     int `yaml:"result_size_mb"`
	ResultTTLMinutes int `yaml:"result_ttl_minutes"`
	QueryCacheSize   int `yaml:"query_cache_size"`
}

// Load reads configuration from a YAML file and applies defaults. It does
// not validate; call Validate before starting any per-section work.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			OutputDir:   "./out",
			LabelPolicy: "partition",
		},
		Partition: PartitionConfig{
			Mode:      "centroid",
			K:         6,
			Dims:      10,
			Restarts:  10,
			MaxIter:   100,
			Neighbors: 15,
		},
		DE: DEConfig{
			MinDetectFraction: 0.1,
			Alpha:             0.01,
			Contrast:          "tumor_vs_normal",
			Group1:            []string{"tumor"},
			Group2:            []string{"normal"},
		},
		Consensus: ConsensusConfig{
			MinSections: 3,
		},
		Enrichment: EnrichmentConfig{
			MinOverlap:     3,
			InitialSamples: 200,
			MaxSamples:     100000,
			Workers:        4,
		},
		Server: ServerConfig{
			Port:          8080,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			SQLitePath:    "./data/runs.sqlite",
			MaxConcurrent: 1,
			RetentionDays: 7,
		},
		Cache: CacheConfig{
			ResultSizeMB:     64,
			ResultTTLMinutes: 10,
			QueryCacheSize:   1000,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Run.OutputDir == "" {
		cfg.Run.OutputDir = defaults.Run.OutputDir
	}
	if cfg.Run.LabelPolicy == "" {
		cfg.Run.LabelPolicy = defaults.Run.LabelPolicy
	}
	if cfg.Partition.Mode == "" {
		cfg.Partition.Mode = defaults.Partition.Mode
	}
	if cfg.Partition.K == 0 {
		cfg.Partition.K = defaults.Partition.K
	}
	if cfg.Partition.Dims == 0 {
		cfg.Partition.Dims = defaults.Partition.Dims
	}
	if cfg.Partition.Restarts == 0 {
		cfg.Partition.Restarts = defaults.Partition.Restarts
	}
	if cfg.Partition.MaxIter == 0 {
		cfg.Partition.MaxIter = defaults.Partition.MaxIter
	}
	if cfg.Partition.Neighbors == 0 {
		cfg.Partition.Neighbors = defaults.Partition.Neighbors
	}
	if cfg.DE.MinDetectFraction == 0 {
		cfg.DE.MinDetectFraction = defaults.DE.MinDetectFraction
	}
	if cfg.DE.Alpha == 0 {
		cfg.DE.Alpha = defaults.DE.Alpha
	}
	if cfg.DE.Contrast == "" {
		cfg.DE.Contrast = defaults.DE.Contrast
	}
	if len(cfg.DE.Group1) == 0 {
		if cfg.Run.LabelPolicy == "marker" {
			cfg.DE.Group1 = []string{"above"}
		} else {
			cfg.DE.Group1 = defaults.DE.Group1
		}
	}
	if len(cfg.DE.Group2) == 0 {
		if cfg.Run.LabelPolicy == "marker" {
			cfg.DE.Group2 = []string{"below"}
		} else {
			cfg.DE.Group2 = defaults.DE.Group2
		}
	}
	if cfg.Consensus.MinSections == 0 {
		cfg.Consensus.MinSections = defaults.Consensus.MinSections
	}
	if cfg.Enrichment.MinOverlap == 0 {
		cfg.Enrichment.MinOverlap = defaults.Enrichment.MinOverlap
	}
	if cfg.Enrichment.InitialSamples == 0 {
		cfg.Enrichment.InitialSamples = defaults.Enrichment.InitialSamples
	}
	if cfg.Enrichment.MaxSamples == 0 {
		cfg.Enrichment.MaxSamples = defaults.Enrichment.MaxSamples
	}
	if cfg.Enrichment.Workers == 0 {
		cfg.Enrichment.Workers = defaults.Enrichment.Workers
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.SQLitePath == "" {
		cfg.Server.SQLitePath = defaults.Server.SQLitePath
	}
	if cfg.Server.MaxConcurrent == 0 {
		cfg.Server.MaxConcurrent = defaults.Server.MaxConcurrent
	}
	if cfg.Server.RetentionDays == 0 {
		cfg.Server.RetentionDays = defaults.Server.RetentionDays
	}
	if cfg.Cache.ResultSizeMB == 0 {
		cfg.Cache.ResultSizeMB = defaults.Cache.ResultSizeMB
	}
	if cfg.Cache.ResultTTLMinutes == 0 {
		cfg.Cache.ResultTTLMinutes = defaults.Cache.ResultTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	for i := range cfg.Data.Sections {
		if cfg.Data.Sections[i].SomaPath != "" && cfg.Data.Sections[i].EmbeddingKey == "" {
			cfg.Data.Sections[i].EmbeddingKey = "X_pca"
		}
	}
}

// Validate checks the configuration before any per-section work begins.
// Invalid thresholds and unseeded stochastic stages are fatal at startup.
func (cfg *Config) Validate() error {
	if cfg.Run.Seed == 0 {
		return fmt.Errorf("config: run.seed must be set explicitly (deterministic runs require an explicit seed)")
	}
	switch cfg.Run.LabelPolicy {
	case "partition", "marker":
	default:
		return fmt.Errorf("config: run.label_policy must be partition or marker, got %q", cfg.Run.LabelPolicy)
	}
	switch cfg.Partition.Mode {
	case "centroid":
		if cfg.Partition.K < 2 {
			return fmt.Errorf("config: partition.k must be >= 2 in centroid mode, got %d", cfg.Partition.K)
		}
	case "community":
		if cfg.Partition.Neighbors < 1 {
			return fmt.Errorf("config: partition.neighbors must be >= 1 in community mode, got %d", cfg.Partition.Neighbors)
		}
	default:
		return fmt.Errorf("config: partition.mode must be centroid or community, got %q", cfg.Partition.Mode)
	}
	if cfg.Partition.Dims < 1 {
		return fmt.Errorf("config: partition.dims must be >= 1, got %d", cfg.Partition.Dims)
	}
	if cfg.Marker.Gene != "" && cfg.Marker.Cutoff < 0 {
		return fmt.Errorf("config: marker.cutoff must be >= 0, got %v", cfg.Marker.Cutoff)
	}
	if cfg.Run.LabelPolicy == "marker" && cfg.Marker.Gene == "" {
		return fmt.Errorf("config: marker.gene required when run.label_policy is marker")
	}
	if cfg.DE.MinDetectFraction < 0 || cfg.DE.MinDetectFraction > 1 {
		return fmt.Errorf("config: de.min_detect_fraction must be in [0,1], got %v", cfg.DE.MinDetectFraction)
	}
	if cfg.DE.Alpha <= 0 || cfg.DE.Alpha >= 1 {
		return fmt.Errorf("config: de.alpha must be in (0,1), got %v", cfg.DE.Alpha)
	}
	for _, g1 := range cfg.DE.Group1 {
		for _, g2 := range cfg.DE.Group2 {
			if g1 == g2 {
				return fmt.Errorf("config: de.group1 and de.group2 both contain %q", g1)
			}
		}
	}
	if cfg.Consensus.MinSections < 1 {
		return fmt.Errorf("config: consensus.min_sections must be >= 1, got %d", cfg.Consensus.MinSections)
	}
	if cfg.Enrichment.MinOverlap < 1 {
		return fmt.Errorf("config: enrichment.min_overlap must be >= 1, got %d", cfg.Enrichment.MinOverlap)
	}
	if cfg.Enrichment.MaxSamples < cfg.Enrichment.InitialSamples {
		return fmt.Errorf("config: enrichment.max_samples (%d) below initial_samples (%d)",
			cfg.Enrichment.MaxSamples, cfg.Enrichment.InitialSamples)
	}
	if len(cfg.Data.Sections) == 0 {
		return fmt.Errorf("config: data.sections must list at least one section")
	}
	seen := make(map[string]bool)
	for i, s := range cfg.Data.Sections {
		if s.ID == "" {
			return fmt.Errorf("config: data.sections[%d] has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate section id %s", s.ID)
		}
		seen[s.ID] = true
		if s.CountsPath == "" && s.SomaPath == "" {
			return fmt.Errorf("config: section %s needs counts_path or soma_path", s.ID)
		}
	}
	return nil
}
