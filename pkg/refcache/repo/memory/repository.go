// Package memory provides an in-memory inventory, used by tests and by
// single-process runs that do not need durability across restarts.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tendant/genome-refcache/pkg/refcache"
)

// Repository is an in-memory implementation of refcache.Inventory.
type Repository struct {
	mu      sync.RWMutex
	records map[refcache.Key]*refcache.GenomeRecord
}

// New creates a new in-memory inventory.
func New() refcache.Inventory {
	return &Repository{
		records: make(map[refcache.Key]*refcache.GenomeRecord),
	}
}

// Upsert creates the record for key in state missing, or refreshes the URLs
// of an existing record without touching its lifecycle state.
func (r *Repository) Upsert(ctx context.Context, key refcache.Key, sequenceURL, annotationURL string) (*refcache.GenomeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[key]
	if !exists {
		rec = &refcache.GenomeRecord{
			ID:            uuid.New(),
			Key:           key,
			SequenceURL:   sequenceURL,
			AnnotationURL: annotationURL,
			State:         refcache.StateMissing,
		}
		r.records[key] = rec
		return copyRecord(rec), nil
	}

	rec.SequenceURL = sequenceURL
	rec.AnnotationURL = annotationURL
	return copyRecord(rec), nil
}

// Get retrieves the record for key.
func (r *Repository) Get(ctx context.Context, key refcache.Key) (*refcache.GenomeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", refcache.ErrRecordNotFound, key)
	}
	return copyRecord(rec), nil
}

// Resolve returns the published record for (provider, species). When assembly
// is empty the most recently updated published match wins; ties break on key
// order so resolution stays deterministic.
func (r *Repository) Resolve(ctx context.Context, provider, species, assembly string) (*refcache.GenomeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if assembly != "" {
		rec, exists := r.records[refcache.Key{Provider: provider, Species: species, Assembly: assembly}]
		if !exists {
			return nil, fmt.Errorf("%w: %s/%s/%s", refcache.ErrRecordNotFound, provider, species, assembly)
		}
		if !rec.Published() {
			return nil, fmt.Errorf("%w: %s is %s", refcache.ErrNotPublished, rec.Key, rec.State)
		}
		return copyRecord(rec), nil
	}

	var best *refcache.GenomeRecord
	for _, rec := range r.records {
		if rec.Key.Provider != provider || rec.Key.Species != species || !rec.Published() {
			continue
		}
		if best == nil ||
			rec.UpdatedAt.After(best.UpdatedAt) ||
			(rec.UpdatedAt.Equal(best.UpdatedAt) && rec.Key.Assembly < best.Key.Assembly) {
			best = rec
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no published assembly for %s/%s", refcache.ErrNotPublished, provider, species)
	}
	return copyRecord(best), nil
}

// ListPublished returns every published record ordered by key.
func (r *Repository) ListPublished(ctx context.Context) ([]*refcache.GenomeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*refcache.GenomeRecord
	for _, rec := range r.records {
		if rec.Published() {
			result = append(result, copyRecord(rec))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key.String() < result[j].Key.String()
	})
	return result, nil
}

// Update replaces the stored record wholesale.
func (r *Repository) Update(ctx context.Context, rec *refcache.GenomeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.Key]; !exists {
		return fmt.Errorf("%w: %s", refcache.ErrRecordNotFound, rec.Key)
	}
	r.records[rec.Key] = copyRecord(rec)
	return nil
}

// SetState transitions only state and last-error.
func (r *Repository) SetState(ctx context.Context, key refcache.Key, state refcache.RecordState, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[key]
	if !exists {
		return fmt.Errorf("%w: %s", refcache.ErrRecordNotFound, key)
	}
	rec.State = state
	rec.LastError = lastError
	return nil
}

// copyRecord returns a defensive copy so callers never alias internal state.
func copyRecord(rec *refcache.GenomeRecord) *refcache.GenomeRecord {
	cp := *rec
	return &cp
}
