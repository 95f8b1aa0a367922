// Package publish promotes staged artifacts into the public tree.
//
// The public tree is laid out as
// publish/{provider}/{species}/{assembly}/ with fixed artifact names, plus a
// machine-readable index.json at the root listing every published genome.
// Every file lands via temp-then-rename, so a reader holding a path from the
// aggregate index always sees either the previous complete artifact or the
// new complete artifact, never a partial write.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tendant/genome-refcache/pkg/refcache"
)

// Artifact names inside one genome's publish directory.
const (
	SequenceName      = "genome.fa.bgz"
	SequenceFAIName   = "genome.fa.bgz.fai"
	SequenceGZIName   = "genome.fa.bgz.gzi"
	AnnotationName    = "genes.gff3.bgz"
	AnnotationTBIName = "genes.gff3.bgz.tbi"

	// IndexFileName is the aggregate index at the publish-tree root.
	IndexFileName = "index.json"
)

// Tree is a filesystem publisher rooted at one directory. It implements
// refcache.Publisher.
type Tree struct {
	root string
	now  func() time.Time
}

// Option configures a Tree.
type Option func(*Tree)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) { t.now = now }
}

// New creates a publisher over the tree rooted at root.
func New(root string, opts ...Option) *Tree {
	t := &Tree{root: root, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Root returns the publish tree root.
func (t *Tree) Root() string { return t.root }

// IndexPath returns the absolute path of the aggregate index.
func (t *Tree) IndexPath() string { return filepath.Join(t.root, IndexFileName) }

func (t *Tree) dirFor(k refcache.Key) string {
	return filepath.Join(t.root, k.Provider, k.Species, k.Assembly)
}

// Publish copies the record's staged artifacts into the public tree. The
// staged sequence trio must be complete; the annotation pair travels together
// when present.
func (t *Tree) Publish(ctx context.Context, rec *refcache.GenomeRecord) (*refcache.PublishedSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rec.StagedSequence == "" || rec.StagedSequenceFAI == "" || rec.StagedSequenceGZI == "" {
		return nil, fmt.Errorf("publish %s: staged sequence artifacts incomplete", rec.Key)
	}
	if (rec.StagedAnnotation == "") != (rec.StagedAnnotationTBI == "") {
		return nil, fmt.Errorf("publish %s: staged annotation artifacts incomplete", rec.Key)
	}

	dir := t.dirFor(rec.Key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	set := &refcache.PublishedSet{
		Sequence:    filepath.Join(dir, SequenceName),
		SequenceFAI: filepath.Join(dir, SequenceFAIName),
		SequenceGZI: filepath.Join(dir, SequenceGZIName),
	}
	copies := []struct{ src, dst string }{
		{rec.StagedSequence, set.Sequence},
		{rec.StagedSequenceFAI, set.SequenceFAI},
		{rec.StagedSequenceGZI, set.SequenceGZI},
	}
	if rec.StagedAnnotation != "" {
		set.Annotation = filepath.Join(dir, AnnotationName)
		set.AnnotationTBI = filepath.Join(dir, AnnotationTBIName)
		copies = append(copies,
			struct{ src, dst string }{rec.StagedAnnotation, set.Annotation},
			struct{ src, dst string }{rec.StagedAnnotationTBI, set.AnnotationTBI},
		)
	}
	for _, c := range copies {
		if err := copyAtomic(c.src, c.dst); err != nil {
			return nil, fmt.Errorf("publish %s: %w", rec.Key, err)
		}
	}
	return set, nil
}

// RewriteIndex regenerates the aggregate index from the full published set
// and swaps it into place atomically.
func (t *Tree) RewriteIndex(ctx context.Context, records []*refcache.GenomeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	idx := refcache.AggregateIndex{
		GeneratedAt: t.now().UTC(),
		PublishRoot: t.root,
		Entries:     make([]refcache.IndexEntry, 0, len(records)),
		Version:     1,
	}
	for _, rec := range records {
		idx.Entries = append(idx.Entries, refcache.IndexEntryFor(rec))
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(t.root, 0o755); err != nil {
		return err
	}
	return writeAtomic(t.IndexPath(), data)
}

func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".part-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".part-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
