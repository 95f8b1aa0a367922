package refcache

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Service is the main interface of the genome reference cache.
type Service interface {
	// Ensure guarantees the catalog entry is downloaded, prepared, and
	// published, revalidating against the origin, and returns the published
	// paths. Failures are local to the entry and leave any previously
	// published artifact set untouched.
	Ensure(ctx context.Context, entry CatalogEntry) (*Paths, error)

	// GetPaths resolves the published paths for (provider, species) and, when
	// assembly is empty, the most recently updated published assembly.
	GetPaths(ctx context.Context, provider, species, assembly string) (*Paths, error)

	// ListPublished returns the aggregate-index view of every published genome.
	ListPublished(ctx context.Context) ([]IndexEntry, error)

	// RunCatalog ensures every entry sequentially. One entry's failure never
	// stops the pass; per-entry outcomes are returned in catalog order.
	RunCatalog(ctx context.Context, entries []CatalogEntry) []EntryResult
}

// EntryResult is the outcome of one catalog entry during a pass.
type EntryResult struct {
	Key   Key
	Paths *Paths
	Err   error
}

// Stage returns the failed pipeline stage name, or "" on success.
func (r EntryResult) Stage() string {
	var ee *EntryError
	if errors.As(r.Err, &ee) {
		return ee.Stage
	}
	return ""
}

// Option configures the service.
type Option func(*service)

// WithInventory sets the inventory store (required).
func WithInventory(inv Inventory) Option {
	return func(s *service) { s.inventory = inv }
}

// WithBaseDir sets the cache base directory (required). Staging artifacts
// live under <base>/cache, lock files under <base>/locks.
func WithBaseDir(dir string) Option {
	return func(s *service) { s.baseDir = dir }
}

// WithFetcher sets the content fetcher (required).
func WithFetcher(f Fetcher) Option {
	return func(s *service) { s.fetcher = f }
}

// WithTranscoder sets the format transcoder (required).
func WithTranscoder(t Transcoder) Option {
	return func(s *service) { s.transcoder = t }
}

// WithSequenceIndexer sets the sequence indexing capability (required).
func WithSequenceIndexer(ix SequenceIndexer) Option {
	return func(s *service) { s.seqIndexer = ix }
}

// WithAnnotationIndexer sets the annotation indexing capability. When unset,
// ensuring an entry that registers an annotation fails at validation.
func WithAnnotationIndexer(ix AnnotationIndexer) Option {
	return func(s *service) { s.annIndexer = ix }
}

// WithPublisher sets the atomic publisher (required).
func WithPublisher(p Publisher) Option {
	return func(s *service) { s.publisher = p }
}

// WithLocker sets the per-key cross-process locker (required).
func WithLocker(l Locker) Option {
	return func(s *service) { s.locker = l }
}

// WithRefreshInterval sets how long a published record is trusted before the
// next Ensure revalidates against the origin. Zero revalidates every time.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *service) { s.refresh = d }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *service) { s.log = log }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// New creates a Service from the supplied options.
func New(opts ...Option) (Service, error) {
	s := &service{
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	switch {
	case s.inventory == nil:
		return nil, errors.New("refcache: inventory is required")
	case s.baseDir == "":
		return nil, errors.New("refcache: base directory is required")
	case s.fetcher == nil:
		return nil, errors.New("refcache: fetcher is required")
	case s.transcoder == nil:
		return nil, errors.New("refcache: transcoder is required")
	case s.seqIndexer == nil:
		return nil, errors.New("refcache: sequence indexer is required")
	case s.publisher == nil:
		return nil, errors.New("refcache: publisher is required")
	case s.locker == nil:
		return nil, errors.New("refcache: locker is required")
	}
	return s, nil
}
