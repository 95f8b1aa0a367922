package refcache

import (
	"context"
)

// Inventory is the durable record of every known genome's state and artifact
// paths, and the single source of truth for what is usable right now. The
// filesystem is content-addressed scratch space referenced by path only.
//
// Update applies a whole-record transition in one transaction so no reader
// ever observes a published state paired with missing published paths.
type Inventory interface {
	// Upsert creates the record for key in state missing, or updates the
	// URLs of an existing record leaving the rest of its state alone.
	Upsert(ctx context.Context, key Key, sequenceURL, annotationURL string) (*GenomeRecord, error)

	// Get returns the record for key, or ErrRecordNotFound.
	Get(ctx context.Context, key Key) (*GenomeRecord, error)

	// Resolve returns the published record for (provider, species) and, when
	// assembly is empty, the most recently updated published match.
	Resolve(ctx context.Context, provider, species, assembly string) (*GenomeRecord, error)

	// ListPublished returns every published record ordered by key; it feeds
	// the aggregate-index rebuild.
	ListPublished(ctx context.Context) ([]*GenomeRecord, error)

	// Update persists the full record transactionally.
	Update(ctx context.Context, rec *GenomeRecord) error

	// SetState transitions only state and last-error, leaving all path and
	// validator fields untouched.
	SetState(ctx context.Context, key Key, state RecordState, lastError string) error
}

// Fetcher performs conditional retrieval of one remote file into a local
// target. A "not modified" origin response returns changed=false with zero
// body bytes transferred; the returned Validator always reflects the tokens
// currently persisted for the target.
type Fetcher interface {
	Fetch(ctx context.Context, url, target string) (changed bool, v Validator, err error)
}

// Transcoder normalizes arbitrary input compression into the block-compressed
// representation required for random access. All writes are temp-then-rename.
type Transcoder interface {
	ToBGZF(ctx context.Context, src, dst string) error
}

// SequenceIndexer builds the random-access index pair for a block-compressed
// sequence file: the per-sequence byte-range index and the compression-layer
// block index. Implementations are selected once at startup.
type SequenceIndexer interface {
	Index(ctx context.Context, sequencePath string) (faiPath, gziPath string, err error)
}

// AnnotationIndexer produces a coordinate-sorted, block-compressed copy of a
// raw annotation file at dst plus its coordinate-range index. Implementations
// are selected once at startup.
type AnnotationIndexer interface {
	Index(ctx context.Context, rawPath, dst string) (tbiPath string, err error)
}

// Publisher promotes complete staged artifacts into the public tree and
// republishes the aggregate index, both via temp-file plus atomic rename so a
// concurrent reader sees either the old or the fully-new artifact.
type Publisher interface {
	Publish(ctx context.Context, rec *GenomeRecord) (*PublishedSet, error)
	RewriteIndex(ctx context.Context, records []*GenomeRecord) error
}

// PublishedSet names the destination paths a publish produced.
type PublishedSet struct {
	Sequence      string
	SequenceFAI   string
	SequenceGZI   string
	Annotation    string
	AnnotationTBI string
}

// Locker provides cross-process mutual exclusion per natural key. Acquire
// blocks until the lock is held and returns the release function; release
// must run on every exit path.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func() error, err error)
}
