// Package main is the job daemon: pipeline runs submitted over HTTP, state
// and results persisted in SQLite.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/spotsig/spotsig/internal/api"
	"github.com/spotsig/spotsig/internal/cache"
	"github.com/spotsig/spotsig/internal/config"
	"github.com/spotsig/spotsig/internal/logger"
	"github.com/spotsig/spotsig/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "config/spotsig.yaml", "Path to configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

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
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("starting daemon", zap.Int("port", cfg.Server.Port))

	cacheManager, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: cfg.Cache.ResultSizeMB,
		ResultTTL:         time.Duration(cfg.Cache.ResultTTLMinutes) * time.Minute,
		QueryCacheSize:    cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		logger.Fatal("failed to initialize cache", zap.Error(err))
	}
	defer cacheManager.Close()

	runManager, err := api.NewRunManager(api.RunManagerConfig{
		MaxConcurrent: cfg.Server.MaxConcurrent,
		SQLitePath:    cfg.Server.SQLitePath,
		RetentionDays: cfg.Server.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		logger.Fatal("failed to initialize run manager", zap.Error(err))
	}
	runManager.Executor = pipeline.Executor(cfg)
	runManager.Start()
	defer runManager.Stop()

	logger.Info("run manager ready",
		zap.Int("max_concurrent", cfg.Server.MaxConcurrent),
		zap.Int("retention_days", cfg.Server.RetentionDays),
		zap.String("sqlite", cfg.Server.SQLitePath))

	sectionIDs := make([]string, len(cfg.Data.Sections))
	for i, sc := range cfg.Data.Sections {
		sectionIDs[i] = sc.ID
	}
	runner := pipeline.NewRunner(cfg, nil)
	router := api.NewRouter(api.RouterConfig{
		RunManager:  runManager,
		Cache:       cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
		Defaults:    runner.Params(sectionIDs),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}
