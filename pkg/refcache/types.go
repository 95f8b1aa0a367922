package refcache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordState is the domain type for genome record lifecycle states.
type RecordState string

// Record state constants (typed).
const (
	StateMissing   RecordState = "missing"
	StateFetching  RecordState = "fetching"
	StatePublished RecordState = "published"
	StateError     RecordState = "error"
)

// Key is the natural key identifying one genome record.
type Key struct {
	Provider string `json:"provider"`
	Species  string `json:"species"`
	Assembly string `json:"assembly"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Provider, k.Species, k.Assembly)
}

// Validator holds the origin-supplied revalidation tokens for one remote
// file. Either field may be empty; an origin that supplies neither is
// re-downloaded on every pass.
type Validator struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// IsZero reports whether the origin supplied no revalidation tokens.
func (v Validator) IsZero() bool { return v.ETag == "" && v.LastModified == "" }

// GenomeRecord is the durable state of one cached genome. The Key is
// immutable; URLs may be updated by re-ensuring the same key.
//
// Published* fields are populated only by a successful publish and are left
// untouched by any other transition, so a record that errors after having
// published keeps serving its last complete artifact set.
type GenomeRecord struct {
	ID  uuid.UUID `json:"id"`
	Key Key       `json:"key"`

	SequenceURL   string `json:"sequence_url"`
	AnnotationURL string `json:"annotation_url,omitempty"`

	State     RecordState `json:"state"`
	LastError string      `json:"last_error,omitempty"`

	StagedSequence      string `json:"staged_sequence,omitempty"`
	StagedSequenceFAI   string `json:"staged_sequence_fai,omitempty"`
	StagedSequenceGZI   string `json:"staged_sequence_gzi,omitempty"`
	StagedAnnotation    string `json:"staged_annotation,omitempty"`
	StagedAnnotationTBI string `json:"staged_annotation_tbi,omitempty"`

	PublishedSequence      string `json:"published_sequence,omitempty"`
	PublishedSequenceFAI   string `json:"published_sequence_fai,omitempty"`
	PublishedSequenceGZI   string `json:"published_sequence_gzi,omitempty"`
	PublishedAnnotation    string `json:"published_annotation,omitempty"`
	PublishedAnnotationTBI string `json:"published_annotation_tbi,omitempty"`

	SequenceValidator   Validator `json:"sequence_validator"`
	AnnotationValidator Validator `json:"annotation_validator"`

	CheckedAt time.Time `json:"checked_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Published reports whether the record currently exposes a complete
// published artifact set.
func (r *GenomeRecord) Published() bool { return r.State == StatePublished }

// PublishedPaths returns the resolved published artifact paths, or
// ErrNotPublished when the record has never completed a publish. A published
// record missing its sequence path violates the store invariant and is
// reported as ErrStoreInconsistency.
func (r *GenomeRecord) PublishedPaths() (*Paths, error) {
	if r.State != StatePublished {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPublished, r.Key, r.State)
	}
	if r.PublishedSequence == "" || r.PublishedSequenceFAI == "" || r.PublishedSequenceGZI == "" {
		return nil, fmt.Errorf("%w: %s published without sequence paths", ErrStoreInconsistency, r.Key)
	}
	return &Paths{
		Key:           r.Key,
		Sequence:      r.PublishedSequence,
		SequenceFAI:   r.PublishedSequenceFAI,
		SequenceGZI:   r.PublishedSequenceGZI,
		Annotation:    r.PublishedAnnotation,
		AnnotationTBI: r.PublishedAnnotationTBI,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

// Paths is the resolved published artifact set for one genome, as handed to
// downstream consumers (genome selection, alignment, browser sessions).
// Annotation fields are empty when no annotation is registered.
type Paths struct {
	Key           Key       `json:"key"`
	Sequence      string    `json:"sequence"`
	SequenceFAI   string    `json:"sequence_fai"`
	SequenceGZI   string    `json:"sequence_gzi"`
	Annotation    string    `json:"annotation,omitempty"`
	AnnotationTBI string    `json:"annotation_tbi,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IndexEntry is one row of the aggregate index published at the root of the
// publish tree. Downstream consumers read the aggregate index plus the paths
// it names, never the inventory store directly.
type IndexEntry struct {
	Provider      string    `json:"provider"`
	Species       string    `json:"species"`
	Assembly      string    `json:"assembly"`
	Sequence      string    `json:"sequence"`
	SequenceFAI   string    `json:"sequence_fai"`
	SequenceGZI   string    `json:"sequence_gzi"`
	Annotation    string    `json:"annotation,omitempty"`
	AnnotationTBI string    `json:"annotation_tbi,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AggregateIndex is the structured file at the publish-tree root listing
// every published record.
type AggregateIndex struct {
	GeneratedAt time.Time    `json:"generated_at"`
	PublishRoot string       `json:"publish_root"`
	Entries     []IndexEntry `json:"entries"`
	Version     int          `json:"version"`
}

// IndexEntryFor projects a published record into its aggregate-index row.
func IndexEntryFor(r *GenomeRecord) IndexEntry {
	return IndexEntry{
		Provider:      r.Key.Provider,
		Species:       r.Key.Species,
		Assembly:      r.Key.Assembly,
		Sequence:      r.PublishedSequence,
		SequenceFAI:   r.PublishedSequenceFAI,
		SequenceGZI:   r.PublishedSequenceGZI,
		Annotation:    r.PublishedAnnotation,
		AnnotationTBI: r.PublishedAnnotationTBI,
		UpdatedAt:     r.UpdatedAt,
	}
}
