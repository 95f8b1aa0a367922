// Package postgres provides a PostgreSQL-backed inventory for deployments
// where the cache state must survive restarts and be shared across hosts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tendant/genome-refcache/pkg/refcache"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so the same queries run
// inside or outside an explicit transaction.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository is a PostgreSQL implementation of refcache.Inventory.
type Repository struct {
	db DBTX
}

// New creates a PostgreSQL inventory over db.
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

const recordColumns = `
	id, provider, species, assembly, sequence_url, annotation_url,
	state, last_error,
	staged_sequence, staged_sequence_fai, staged_sequence_gzi,
	staged_annotation, staged_annotation_tbi,
	published_sequence, published_sequence_fai, published_sequence_gzi,
	published_annotation, published_annotation_tbi,
	sequence_etag, sequence_last_modified,
	annotation_etag, annotation_last_modified,
	checked_at, updated_at
`

// Upsert creates the record for key in state missing, or refreshes the URLs
// of an existing record without touching its lifecycle state.
func (r *Repository) Upsert(ctx context.Context, key refcache.Key, sequenceURL, annotationURL string) (*refcache.GenomeRecord, error) {
	query := `
		INSERT INTO refcache.genomes (
			id, provider, species, assembly, sequence_url, annotation_url,
			state, checked_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $8
		)
		ON CONFLICT (provider, species, assembly) DO UPDATE
		SET sequence_url = EXCLUDED.sequence_url,
		    annotation_url = EXCLUDED.annotation_url
		RETURNING ` + recordColumns

	row := r.db.QueryRow(ctx, query,
		uuid.New(), key.Provider, key.Species, key.Assembly,
		sequenceURL, annotationURL,
		refcache.StateMissing, time.Time{}.UTC(),
	)
	return scanRecord(row)
}

// Get retrieves the record for key.
func (r *Repository) Get(ctx context.Context, key refcache.Key) (*refcache.GenomeRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM refcache.genomes
		WHERE provider = $1 AND species = $2 AND assembly = $3
	`
	rec, err := scanRecord(r.db.QueryRow(ctx, query, key.Provider, key.Species, key.Assembly))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", refcache.ErrRecordNotFound, key)
		}
		return nil, err
	}
	return rec, nil
}

// Resolve returns the published record for (provider, species). When assembly
// is empty the most recently updated published match wins, with key order as
// the tie break.
func (r *Repository) Resolve(ctx context.Context, provider, species, assembly string) (*refcache.GenomeRecord, error) {
	if assembly != "" {
		rec, err := r.Get(ctx, refcache.Key{Provider: provider, Species: species, Assembly: assembly})
		if err != nil {
			return nil, err
		}
		if !rec.Published() {
			return nil, fmt.Errorf("%w: %s is %s", refcache.ErrNotPublished, rec.Key, rec.State)
		}
		return rec, nil
	}

	query := `
		SELECT ` + recordColumns + `
		FROM refcache.genomes
		WHERE provider = $1 AND species = $2 AND state = $3
		ORDER BY updated_at DESC, assembly ASC
		LIMIT 1
	`
	rec, err := scanRecord(r.db.QueryRow(ctx, query, provider, species, refcache.StatePublished))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no published assembly for %s/%s", refcache.ErrNotPublished, provider, species)
		}
		return nil, err
	}
	return rec, nil
}

// ListPublished returns every published record ordered by key.
func (r *Repository) ListPublished(ctx context.Context) ([]*refcache.GenomeRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM refcache.genomes
		WHERE state = $1
		ORDER BY provider, species, assembly
	`
	rows, err := r.db.Query(ctx, query, refcache.StatePublished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*refcache.GenomeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Update persists the full record. The natural key addresses the row; all
// mutable fields travel together in one statement.
func (r *Repository) Update(ctx context.Context, rec *refcache.GenomeRecord) error {
	query := `
		UPDATE refcache.genomes
		SET sequence_url = $4,
		    annotation_url = $5,
		    state = $6,
		    last_error = $7,
		    staged_sequence = $8,
		    staged_sequence_fai = $9,
		    staged_sequence_gzi = $10,
		    staged_annotation = $11,
		    staged_annotation_tbi = $12,
		    published_sequence = $13,
		    published_sequence_fai = $14,
		    published_sequence_gzi = $15,
		    published_annotation = $16,
		    published_annotation_tbi = $17,
		    sequence_etag = $18,
		    sequence_last_modified = $19,
		    annotation_etag = $20,
		    annotation_last_modified = $21,
		    checked_at = $22,
		    updated_at = $23
		WHERE provider = $1 AND species = $2 AND assembly = $3
	`
	tag, err := r.db.Exec(ctx, query,
		rec.Key.Provider, rec.Key.Species, rec.Key.Assembly,
		rec.SequenceURL, rec.AnnotationURL,
		rec.State, rec.LastError,
		rec.StagedSequence, rec.StagedSequenceFAI, rec.StagedSequenceGZI,
		rec.StagedAnnotation, rec.StagedAnnotationTBI,
		rec.PublishedSequence, rec.PublishedSequenceFAI, rec.PublishedSequenceGZI,
		rec.PublishedAnnotation, rec.PublishedAnnotationTBI,
		rec.SequenceValidator.ETag, rec.SequenceValidator.LastModified,
		rec.AnnotationValidator.ETag, rec.AnnotationValidator.LastModified,
		rec.CheckedAt, rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", refcache.ErrRecordNotFound, rec.Key)
	}
	return nil
}

// SetState transitions only state and last-error.
func (r *Repository) SetState(ctx context.Context, key refcache.Key, state refcache.RecordState, lastError string) error {
	query := `
		UPDATE refcache.genomes
		SET state = $4, last_error = $5
		WHERE provider = $1 AND species = $2 AND assembly = $3
	`
	tag, err := r.db.Exec(ctx, query, key.Provider, key.Species, key.Assembly, state, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", refcache.ErrRecordNotFound, key)
	}
	return nil
}

func scanRecord(row pgx.Row) (*refcache.GenomeRecord, error) {
	rec := &refcache.GenomeRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.Key.Provider, &rec.Key.Species, &rec.Key.Assembly,
		&rec.SequenceURL, &rec.AnnotationURL,
		&rec.State, &rec.LastError,
		&rec.StagedSequence, &rec.StagedSequenceFAI, &rec.StagedSequenceGZI,
		&rec.StagedAnnotation, &rec.StagedAnnotationTBI,
		&rec.PublishedSequence, &rec.PublishedSequenceFAI, &rec.PublishedSequenceGZI,
		&rec.PublishedAnnotation, &rec.PublishedAnnotationTBI,
		&rec.SequenceValidator.ETag, &rec.SequenceValidator.LastModified,
		&rec.AnnotationValidator.ETag, &rec.AnnotationValidator.LastModified,
		&rec.CheckedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
