// Package config loads environment configuration and assembles a fully wired
// cache service from it. Binaries call Load then BuildService and stay thin.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/genome-refcache/pkg/refcache"
	"github.com/tendant/genome-refcache/pkg/refcache/fetch"
	"github.com/tendant/genome-refcache/pkg/refcache/indexer"
	"github.com/tendant/genome-refcache/pkg/refcache/lockfile"
	"github.com/tendant/genome-refcache/pkg/refcache/publish"
	"github.com/tendant/genome-refcache/pkg/refcache/repo/memory"
	"github.com/tendant/genome-refcache/pkg/refcache/repo/postgres"
	"github.com/tendant/genome-refcache/pkg/refcache/transcode"
)

// Indexer selection values for Config.Indexer.
const (
	IndexerNative = "native"
	IndexerTool   = "tool"
)

// Config is the environment configuration of the cache.
type Config struct {
	BaseDir     string `env:"GENOME_CACHE_BASE" env-default:"./genome-cache"`
	CatalogPath string `env:"GENOME_CACHE_CATALOG" env-default:"catalog.yaml"`

	DB DbConfig

	RefreshInterval time.Duration `env:"GENOME_CACHE_REFRESH_INTERVAL" env-default:"24h"`
	FetchTimeout    time.Duration `env:"GENOME_CACHE_FETCH_TIMEOUT" env-default:"10m"`
	UserAgent       string        `env:"GENOME_CACHE_USER_AGENT" env-default:"genome-refcache/1.0"`

	LockLease       time.Duration `env:"GENOME_CACHE_LOCK_LEASE" env-default:"15m"`
	LockWaitTimeout time.Duration `env:"GENOME_CACHE_LOCK_WAIT_TIMEOUT" env-default:"5m"`

	// Indexer selects the indexing implementation once at startup:
	// "native" runs in-process, "tool" shells out to samtools and tabix.
	Indexer  string `env:"GENOME_CACHE_INDEXER" env-default:"native"`
	Samtools string `env:"GENOME_CACHE_SAMTOOLS" env-default:"samtools"`
	Tabix    string `env:"GENOME_CACHE_TABIX" env-default:"tabix"`

	TranscodeWorkers int `env:"GENOME_CACHE_TRANSCODE_WORKERS" env-default:"1"`
}

// DbConfig selects the inventory backend. An empty host keeps the inventory
// in memory.
type DbConfig struct {
	Host     string `env:"GENOME_CACHE_PG_HOST" env-default:""`
	Port     uint16 `env:"GENOME_CACHE_PG_PORT" env-default:"5432"`
	Name     string `env:"GENOME_CACHE_PG_NAME" env-default:"genome_refcache"`
	User     string `env:"GENOME_CACHE_PG_USER" env-default:"refcache"`
	Password string `env:"GENOME_CACHE_PG_PASSWORD" env-default:"pwd"`
}

func (c DbConfig) enabled() bool { return c.Host != "" }

func (c DbConfig) toDatabaseUrl() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Name,
	}
	return u.String()
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if cfg.Indexer != IndexerNative && cfg.Indexer != IndexerTool {
		return nil, fmt.Errorf("unknown indexer %q, want %q or %q", cfg.Indexer, IndexerNative, IndexerTool)
	}
	return &cfg, nil
}

// PublishRoot returns the publish tree root under the base directory.
func (c *Config) PublishRoot() string { return filepath.Join(c.BaseDir, "publish") }

// BuildService assembles a cache service from the configuration. The
// returned cleanup function releases backend resources and must run at
// shutdown.
func (c *Config) BuildService(ctx context.Context, logger *slog.Logger) (refcache.Service, func(), error) {
	cleanup := func() {}

	var inventory refcache.Inventory
	if c.DB.enabled() {
		pool, err := pgxpool.New(ctx, c.DB.toDatabaseUrl())
		if err != nil {
			return nil, nil, fmt.Errorf("create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		inventory = postgres.New(pool)
		cleanup = pool.Close
	} else {
		inventory = memory.New()
	}

	var (
		seqIndexer refcache.SequenceIndexer
		annIndexer refcache.AnnotationIndexer
	)
	switch c.Indexer {
	case IndexerTool:
		seqIndexer = indexer.NewFastaTool(c.Samtools)
		annIndexer = indexer.NewGFFTool(c.Tabix)
	default:
		seqIndexer = indexer.NewFasta()
		annIndexer = indexer.NewGFF()
	}

	locker, err := lockfile.New(filepath.Join(c.BaseDir, "locks"),
		lockfile.WithLease(c.LockLease),
		lockfile.WithWaitTimeout(c.LockWaitTimeout),
	)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	svc, err := refcache.New(
		refcache.WithInventory(inventory),
		refcache.WithBaseDir(c.BaseDir),
		refcache.WithFetcher(fetch.New(
			fetch.WithTimeout(c.FetchTimeout),
			fetch.WithUserAgent(c.UserAgent),
		)),
		refcache.WithTranscoder(transcode.NewParallel(c.TranscodeWorkers)),
		refcache.WithSequenceIndexer(seqIndexer),
		refcache.WithAnnotationIndexer(annIndexer),
		refcache.WithPublisher(publish.New(c.PublishRoot())),
		refcache.WithLocker(locker),
		refcache.WithRefreshInterval(c.RefreshInterval),
		refcache.WithLogger(logger),
	)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return svc, cleanup, nil
}
