// Package main is the batch entry point: one full pipeline run from a YAML
// config, results written as flat tables.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/spotsig/spotsig/internal/config"
	"github.com/spotsig/spotsig/internal/logger"
	"github.com/spotsig/spotsig/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "config/spotsig.yaml", "Path to configuration file")
	outputDir := flag.String("out", "", "Output directory (overrides run.output_dir)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	// Optional .env for path overrides in deployment.
	godotenv.Load()

	if err := logger.Init(*logLevel); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if *outputDir != "" {
		cfg.Run.OutputDir = *outputDir
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("starting run",
		zap.Int64("seed", cfg.Run.Seed),
		zap.String("label_policy", cfg.Run.LabelPolicy),
		zap.Int("sections", len(cfg.Data.Sections)))

	library, err := pipeline.LoadLibrary(cfg)
	if err != nil {
		logger.Fatal("failed to load gene-set library", zap.Error(err))
	}
	inputs, err := pipeline.LoadInputs(cfg)
	if err != nil {
		logger.Fatal("failed to load sections", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(cfg, library)
	runner.SetProgress(func(phase string, done, total int) {
		logger.Info("progress", zap.String("phase", phase), zap.Int("done", done), zap.Int("total", total))
	})

	res, err := runner.Execute(ctx, inputs)
	if err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}

	if err := pipeline.WriteOutputs(cfg.Run.OutputDir, res); err != nil {
		logger.Fatal("failed to write outputs", zap.Error(err))
	}

	failed := 0
	for _, sr := range res.Sections {
		if sr.Err != nil {
			failed++
			logger.Warn("section failed",
				zap.String("section", sr.Err.SectionID),
				zap.String("stage", sr.Err.Stage),
				zap.String("error", sr.Err.Message))
		}
	}
	logger.Info("run complete",
		zap.String("output_dir", cfg.Run.OutputDir),
		zap.Int("sections_failed", failed))
}
