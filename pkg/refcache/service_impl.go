package refcache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type service struct {
	inventory  Inventory
	fetcher    Fetcher
	transcoder Transcoder
	seqIndexer SequenceIndexer
	annIndexer AnnotationIndexer
	publisher  Publisher
	locker     Locker

	baseDir string
	refresh time.Duration

	log *slog.Logger
	now func() time.Time
}

// layout names the staging artifacts of one record under the cache root.
// Downloads land in raw/ exactly as transferred; prepared artifacts land in
// ready/ and are the publish sources.
type layout struct {
	rawSequence   string
	rawAnnotation string

	readySequence   string // block-compressed
	readyFAI        string
	readyGZI        string
	readyAnnotation string // coordinate-sorted, block-compressed
	readyTBI        string
}

func (s *service) layoutFor(key Key) layout {
	base := filepath.Join(s.baseDir, "cache", key.Provider, key.Species, key.Assembly)
	raw := filepath.Join(base, "raw")
	ready := filepath.Join(base, "ready")
	return layout{
		rawSequence:     filepath.Join(raw, "genome.fa.raw"),
		rawAnnotation:   filepath.Join(raw, "genes.gff3.raw"),
		readySequence:   filepath.Join(ready, "genome.fa.bgz"),
		readyFAI:        filepath.Join(ready, "genome.fa.bgz.fai"),
		readyGZI:        filepath.Join(ready, "genome.fa.bgz.gzi"),
		readyAnnotation: filepath.Join(ready, "genes.gff3.bgz"),
		readyTBI:        filepath.Join(ready, "genes.gff3.bgz.tbi"),
	}
}

func (l layout) mkdirs() error {
	for _, p := range []string{l.rawSequence, l.readySequence} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func lockName(key Key) string {
	return strings.NewReplacer("/", "__", string(filepath.Separator), "__").Replace(key.String())
}

func (s *service) Ensure(ctx context.Context, entry CatalogEntry) (*Paths, error) {
	key := entry.Key()
	if err := entry.Validate(); err != nil {
		return nil, &EntryError{Key: key, Stage: StageValidate, Err: err}
	}
	if entry.AnnotationURL != "" && s.annIndexer == nil {
		return nil, &EntryError{Key: key, Stage: StageValidate,
			Err: fmt.Errorf("annotation %q registered but no annotation indexer configured", entry.AnnotationURL)}
	}

	rec, err := s.inventory.Upsert(ctx, key, entry.SequenceURL, entry.AnnotationURL)
	if err != nil {
		return nil, &EntryError{Key: key, Stage: StageStore, Err: err}
	}

	release, err := s.locker.Acquire(ctx, lockName(key))
	if err != nil {
		return nil, &EntryError{Key: key, Stage: StageLock, Err: err}
	}
	defer func() {
		if rerr := release(); rerr != nil {
			s.log.Error("lock release failed", "genome", key.String(), "err", rerr)
		}
	}()

	// Re-read under the lock: another process may have finished a run
	// between the upsert and the acquire.
	rec, err = s.inventory.Get(ctx, key)
	if err != nil {
		return nil, &EntryError{Key: key, Stage: StageStore, Err: err}
	}

	// Inside the refresh window a published record is trusted as-is; the
	// origin is not consulted at all.
	if s.refresh > 0 && rec.Published() && s.now().Sub(rec.CheckedAt) < s.refresh {
		paths, err := rec.PublishedPaths()
		if err != nil {
			return nil, &EntryError{Key: key, Stage: StageStore, Err: err}
		}
		return paths, nil
	}

	if err := s.inventory.SetState(ctx, key, StateFetching, ""); err != nil {
		return nil, &EntryError{Key: key, Stage: StageStore, Err: err}
	}

	paths, err := s.run(ctx, rec)
	if err != nil {
		if serr := s.inventory.SetState(ctx, key, StateError, err.Error()); serr != nil {
			s.log.Error("error state not persisted", "genome", key.String(), "err", serr)
		}
		return nil, err
	}
	return paths, nil
}

// run executes fetch, transcode, index, and publish for one record while its
// lock is held. New artifacts always go to fresh temporary paths, so a
// failure at any point leaves the artifacts of the previous successful run
// in place.
func (s *service) run(ctx context.Context, rec *GenomeRecord) (*Paths, error) {
	key := rec.Key
	lay := s.layoutFor(key)
	if err := lay.mkdirs(); err != nil {
		return nil, &EntryError{Key: key, Stage: StageFetch, Err: err}
	}

	seqChanged, seqVal, err := s.fetcher.Fetch(ctx, rec.SequenceURL, lay.rawSequence)
	if err != nil {
		return nil, &EntryError{Key: key, Stage: StageFetch, Err: err}
	}

	var annChanged bool
	var annVal Validator
	if rec.AnnotationURL != "" {
		annChanged, annVal, err = s.fetcher.Fetch(ctx, rec.AnnotationURL, lay.rawAnnotation)
		if err != nil {
			return nil, &EntryError{Key: key, Stage: StageFetch, Err: err}
		}
	}

	now := s.now()

	// Origin unchanged and the published set is intact: refresh the check
	// time and leave every artifact byte-for-byte as it is.
	if !seqChanged && !annChanged && rec.Published() && s.publishedIntact(rec) {
		paths, perr := rec.PublishedPaths()
		if perr != nil {
			return nil, &EntryError{Key: key, Stage: StageStore, Err: perr}
		}
		rec.State = StatePublished
		rec.LastError = ""
		rec.CheckedAt = now
		if err := s.inventory.Update(ctx, rec); err != nil {
			return nil, &EntryError{Key: key, Stage: StageStore, Err: err}
		}
		return paths, nil
	}

	// Artifacts in ready/ are trusted only when the last run completed. A
	// failed run may have replaced part of a set (a transcoded sequence
	// without its indexes, say), and reusing the survivors would pair
	// artifacts from different content.
	readyTrusted := rec.State == StatePublished

	if seqChanged || !readyTrusted || !fileExists(lay.readySequence) || !fileExists(lay.readyFAI) || !fileExists(lay.readyGZI) {
		if err := s.transcoder.ToBGZF(ctx, lay.rawSequence, lay.readySequence); err != nil {
			return nil, &EntryError{Key: key, Stage: StageTranscode, Err: err}
		}
		fai, gzi, err := s.seqIndexer.Index(ctx, lay.readySequence)
		if err != nil {
			return nil, &EntryError{Key: key, Stage: StageIndex, Err: err}
		}
		rec.StagedSequence, rec.StagedSequenceFAI, rec.StagedSequenceGZI = lay.readySequence, fai, gzi
	} else {
		rec.StagedSequence, rec.StagedSequenceFAI, rec.StagedSequenceGZI = lay.readySequence, lay.readyFAI, lay.readyGZI
	}

	if rec.AnnotationURL != "" {
		if annChanged || !readyTrusted || !fileExists(lay.readyAnnotation) || !fileExists(lay.readyTBI) {
			tbi, err := s.annIndexer.Index(ctx, lay.rawAnnotation, lay.readyAnnotation)
			if err != nil {
				return nil, &EntryError{Key: key, Stage: StageIndex, Err: err}
			}
			rec.StagedAnnotation, rec.StagedAnnotationTBI = lay.readyAnnotation, tbi
		} else {
			rec.StagedAnnotation, rec.StagedAnnotationTBI = lay.readyAnnotation, lay.readyTBI
		}
	} else {
		rec.StagedAnnotation, rec.StagedAnnotationTBI = "", ""
	}

	set, err := s.publisher.Publish(ctx, rec)
	if err != nil {
		return nil, &EntryError{Key: key, Stage: StagePublish, Err: err}
	}

	rec.PublishedSequence = set.Sequence
	rec.PublishedSequenceFAI = set.SequenceFAI
	rec.PublishedSequenceGZI = set.SequenceGZI
	rec.PublishedAnnotation = set.Annotation
	rec.PublishedAnnotationTBI = set.AnnotationTBI
	rec.SequenceValidator = seqVal
	rec.AnnotationValidator = annVal
	rec.State = StatePublished
	rec.LastError = ""
	rec.CheckedAt = now
	rec.UpdatedAt = now
	if err := s.inventory.Update(ctx, rec); err != nil {
		return nil, &EntryError{Key: key, Stage: StageStore, Err: err}
	}

	published, err := s.inventory.ListPublished(ctx)
	if err != nil {
		return nil, &EntryError{Key: key, Stage: StageStore, Err: err}
	}
	if err := s.publisher.RewriteIndex(ctx, published); err != nil {
		return nil, &EntryError{Key: key, Stage: StagePublish, Err: err}
	}

	s.log.Info("genome published",
		"genome", key.String(),
		"sequence", rec.PublishedSequence,
		"annotation", rec.PublishedAnnotation,
		"sequence_changed", seqChanged,
		"annotation_changed", annChanged)

	return rec.PublishedPaths()
}

// publishedIntact reports whether every published artifact of rec is still
// present on disk. A pruned cache falls through to a full rebuild.
func (s *service) publishedIntact(rec *GenomeRecord) bool {
	paths := []string{rec.PublishedSequence, rec.PublishedSequenceFAI, rec.PublishedSequenceGZI}
	if rec.AnnotationURL != "" {
		paths = append(paths, rec.PublishedAnnotation, rec.PublishedAnnotationTBI)
	}
	for _, p := range paths {
		if p == "" || !fileExists(p) {
			return false
		}
	}
	return true
}

func (s *service) GetPaths(ctx context.Context, provider, species, assembly string) (*Paths, error) {
	rec, err := s.inventory.Resolve(ctx, provider, species, assembly)
	if err != nil {
		return nil, err
	}
	return rec.PublishedPaths()
}

func (s *service) ListPublished(ctx context.Context) ([]IndexEntry, error) {
	records, err := s.inventory.ListPublished(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]IndexEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, IndexEntryFor(r))
	}
	return entries, nil
}

func (s *service) RunCatalog(ctx context.Context, entries []CatalogEntry) []EntryResult {
	results := make([]EntryResult, 0, len(entries))
	for _, e := range entries {
		paths, err := s.Ensure(ctx, e)
		res := EntryResult{Key: e.Key(), Paths: paths, Err: err}
		if err != nil {
			s.log.Error("ensure failed", "genome", e.Key().String(), "stage", res.Stage(), "err", err)
		}
		results = append(results, res)
	}
	return results
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
