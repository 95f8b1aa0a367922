package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tendant/genome-refcache/pkg/refcache"
	"github.com/tendant/genome-refcache/pkg/refcache/config"
)

func main() {
	var (
		catalogPath = pflag.String("catalog", "", "catalog file path (overrides GENOME_CACHE_CATALOG)")
		baseDir     = pflag.String("base", "", "cache base directory (overrides GENOME_CACHE_BASE)")
		refresh     = pflag.Duration("refresh", 0, "refresh interval (overrides GENOME_CACHE_REFRESH_INTERVAL)")
		loop        = pflag.Bool("loop", false, "keep running, re-ensuring the catalog every refresh interval")
		verbose     = pflag.Bool("verbose", false, "debug logging")
	)
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to read configuration", "err", err)
		os.Exit(1)
	}
	if *catalogPath != "" {
		cfg.CatalogPath = *catalogPath
	}
	if *baseDir != "" {
		cfg.BaseDir = *baseDir
	}
	if *refresh > 0 {
		cfg.RefreshInterval = *refresh
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := cfg.BuildService(ctx, logger)
	if err != nil {
		logger.Error("Failed to build service", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	entries, err := refcache.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Error("Failed to load catalog", "path", cfg.CatalogPath, "err", err)
		os.Exit(1)
	}
	logger.Info("Catalog loaded", "path", cfg.CatalogPath, "entries", len(entries))

	code := runPass(ctx, svc, entries, logger)
	if !*loop {
		os.Exit(code)
	}

	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return
		case <-ticker.C:
			runPass(ctx, svc, entries, logger)
		}
	}
}

// runPass ensures every catalog entry once and returns the process exit code
// for single-pass mode: zero only when every entry succeeded.
func runPass(ctx context.Context, svc refcache.Service, entries []refcache.CatalogEntry, logger *slog.Logger) int {
	results := svc.RunCatalog(ctx, entries)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			logger.Error("Entry failed", "key", res.Key, "stage", res.Stage(), "err", res.Err)
			continue
		}
		logger.Info("Entry published", "key", res.Key, "sequence", res.Paths.Sequence)
	}
	logger.Info("Catalog pass complete", "entries", len(results), "failed", failed)
	if failed > 0 {
		return 1
	}
	return 0
}
