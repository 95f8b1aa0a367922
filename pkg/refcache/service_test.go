package refcache_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/genome-refcache/pkg/refcache"
	"github.com/tendant/genome-refcache/pkg/refcache/fetch"
	"github.com/tendant/genome-refcache/pkg/refcache/lockfile"
	"github.com/tendant/genome-refcache/pkg/refcache/publish"
	"github.com/tendant/genome-refcache/pkg/refcache/repo/memory"
)

// origin is a test HTTP server revalidating with entity tags, plus hit
// counters distinguishing full responses from not-modified ones.
type origin struct {
	srv      *httptest.Server
	files    map[string]string
	etags    map[string]string
	hits     atomic.Int64
	notMod   atomic.Int64
	failWith atomic.Int64
}

func newOrigin(t *testing.T) *origin {
	o := &origin{
		files: make(map[string]string),
		etags: make(map[string]string),
	}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		if code := o.failWith.Load(); code != 0 {
			http.Error(w, "induced failure", int(code))
			return
		}
		body, ok := o.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		etag := o.etags[r.URL.Path]
		if r.Header.Get("If-None-Match") == etag && etag != "" {
			o.notMod.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		io.WriteString(w, body)
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) set(path, body, etag string) {
	o.files[path] = body
	o.etags[path] = etag
}

func (o *origin) url(path string) string { return o.srv.URL + path }

// stubTranscoder copies bytes verbatim and counts invocations.
type stubTranscoder struct {
	calls atomic.Int64
}

func (s *stubTranscoder) ToBGZF(ctx context.Context, src, dst string) error {
	s.calls.Add(1)
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// stubSeqIndexer writes index sidecars recording the bytes they were built
// from, counts invocations, and can be told to fail.
type stubSeqIndexer struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (s *stubSeqIndexer) Index(ctx context.Context, path string) (string, string, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return "", "", fmt.Errorf("induced index failure")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	fai, gzi := path+".fai", path+".gzi"
	if err := os.WriteFile(fai, append([]byte("fai:"), data...), 0o644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(gzi, append([]byte("gzi:"), data...), 0o644); err != nil {
		return "", "", err
	}
	return fai, gzi, nil
}

// stubAnnIndexer copies the raw annotation and writes a placeholder range
// index.
type stubAnnIndexer struct {
	calls atomic.Int64
}

func (s *stubAnnIndexer) Index(ctx context.Context, rawPath, dst string) (string, error) {
	s.calls.Add(1)
	data, err := os.ReadFile(rawPath)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", err
	}
	tbi := dst + ".tbi"
	if err := os.WriteFile(tbi, []byte("tbi\n"), 0o644); err != nil {
		return "", err
	}
	return tbi, nil
}

type harness struct {
	svc        refcache.Service
	inventory  refcache.Inventory
	transcoder *stubTranscoder
	seqIndexer *stubSeqIndexer
	annIndexer *stubAnnIndexer
	baseDir    string
	clock      *fakeClock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newHarness(t *testing.T, opts ...refcache.Option) *harness {
	base := t.TempDir()
	locker, err := lockfile.New(filepath.Join(base, "locks"))
	require.NoError(t, err)

	h := &harness{
		inventory:  memory.New(),
		transcoder: &stubTranscoder{},
		seqIndexer: &stubSeqIndexer{},
		annIndexer: &stubAnnIndexer{},
		baseDir:    base,
		clock:      &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	all := append([]refcache.Option{
		refcache.WithInventory(h.inventory),
		refcache.WithBaseDir(base),
		refcache.WithFetcher(fetch.New()),
		refcache.WithTranscoder(h.transcoder),
		refcache.WithSequenceIndexer(h.seqIndexer),
		refcache.WithAnnotationIndexer(h.annIndexer),
		refcache.WithPublisher(publish.New(filepath.Join(base, "publish"))),
		refcache.WithLocker(locker),
		refcache.WithClock(h.clock.now),
	}, opts...)
	h.svc, err = refcache.New(all...)
	require.NoError(t, err)
	return h
}

func entryFor(o *origin) refcache.CatalogEntry {
	return refcache.CatalogEntry{
		Provider:      "ensembl",
		Species:       "homo_sapiens",
		Assembly:      "GRCh38",
		SequenceURL:   o.url("/hs.fa.gz"),
		AnnotationURL: o.url("/hs.gff3.gz"),
	}
}

func TestService_EnsurePublishes(t *testing.T) {
	o := newOrigin(t)
	o.set("/hs.fa.gz", ">chr1\nACGT\n", `"seq-v1"`)
	o.set("/hs.gff3.gz", "##gff-version 3\nchr1\t.\tgene\t1\t4\t.\t+\t.\tID=g1\n", `"ann-v1"`)
	h := newHarness(t)
	ctx := context.Background()

	paths, err := h.svc.Ensure(ctx, entryFor(o))
	require.NoError(t, err)
	require.NotNil(t, paths)

	// Every published artifact exists at its reported path.
	for _, p := range []string{paths.Sequence, paths.SequenceFAI, paths.SequenceGZI, paths.Annotation, paths.AnnotationTBI} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
	assert.Contains(t, paths.Sequence, filepath.Join("publish", "ensembl", "homo_sapiens", "GRCh38", "genome.fa.bgz"))

	rec, err := h.inventory.Get(ctx, entryFor(o).Key())
	require.NoError(t, err)
	assert.Equal(t, refcache.StatePublished, rec.State)
	assert.Equal(t, `"seq-v1"`, rec.SequenceValidator.ETag)
	assert.Equal(t, `"ann-v1"`, rec.AnnotationValidator.ETag)

	// The aggregate index lists the new genome.
	idxData, err := os.ReadFile(filepath.Join(h.baseDir, "publish", "index.json"))
	require.NoError(t, err)
	assert.Contains(t, string(idxData), "GRCh38")
	assert.Contains(t, string(idxData), "genome.fa.bgz")
}

func TestService_UnchangedOriginSkipsRebuild(t *testing.T) {
	o := newOrigin(t)
	o.set("/hs.fa.gz", ">chr1\nACGT\n", `"seq-v1"`)
	o.set("/hs.gff3.gz", "##gff-version 3\nchr1\t.\tgene\t1\t4\t.\t+\t.\tID=g1\n", `"ann-v1"`)
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Ensure(ctx, entryFor(o))
	require.NoError(t, err)
	seqBefore, err := os.ReadFile(first.Sequence)
	require.NoError(t, err)

	h.clock.advance(time.Hour)
	second, err := h.svc.Ensure(ctx, entryFor(o))
	require.NoError(t, err)

	// Both downloads revalidated with zero body bytes.
	assert.Equal(t, int64(2), o.notMod.Load())

	// No pipeline stage re-ran and the artifacts are byte-identical.
	assert.Equal(t, int64(1), h.transcoder.calls.Load())
	assert.Equal(t, int64(1), h.seqIndexer.calls.Load())
	assert.Equal(t, int64(1), h.annIndexer.calls.Load())
	seqAfter, err := os.ReadFile(second.Sequence)
	require.NoError(t, err)
	assert.Equal(t, seqBefore, seqAfter)

	rec, err := h.inventory.Get(ctx, entryFor(o).Key())
	require.NoError(t, err)
	assert.Equal(t, refcache.StatePublished, rec.State)
	assert.Equal(t, h.clock.t, rec.CheckedAt)
}

func TestService_ChangedOriginRebuilds(t *testing.T) {
	o := newOrigin(t)
	o.set("/hs.fa.gz", ">chr1\nACGT\n", `"seq-v1"`)
	o.set("/hs.gff3.gz", "##gff-version 3\nchr1\t.\tgene\t1\t4\t.\t+\t.\tID=g1\n", `"ann-v1"`)
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Ensure(ctx, entryFor(o))
	require.NoError(t, err)

	o.set("/hs.fa.gz", ">chr1\nACGTACGT\n", `"seq-v2"`)
	h.clock.advance(time.Hour)
	paths, err := h.svc.Ensure(ctx, entryFor(o))
	require.NoError(t, err)

	assert.Equal(t, int64(2), h.transcoder.calls.Load())
	data, err := os.ReadFile(paths.Sequence)
	require.NoError(t, err)
	assert.Equal(t, ">chr1\nACGTACGT\n", string(data))

	rec, err := h.inventory.Get(ctx, entryFor(o).Key())
	require.NoError(t, err)
	assert.Equal(t, `"seq-v2"`, rec.SequenceValidator.ETag)
}

func TestService_FailureKeepsPublishedArtifacts(t *testing.T) {
	o := newOrigin(t)
	o.set("/hs.fa.gz", ">chr1\nACGT\n", `"seq-v1"`)
	o.set("/hs.gff3.gz", "##gff-version 3\nchr1\t.\tgene\t1\t4\t.\t+\t.\tID=g1\n", `"ann-v1"`)
	h := newHarness(t)
	ctx := context.Background()

	paths, err := h.svc.Ensure(ctx, entryFor(o))
	require.NoError(t, err)

	o.failWith.Store(http.StatusInternalServerError)
	h.clock.advance(time.Hour)
	_, err = h.svc.Ensure(ctx, entryFor(o))
	require.Error(t, err)
	assert.ErrorIs(t, err, refcache.ErrFetchFailed)

	var ee *refcache.EntryError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, refcache.StageFetch, ee.Stage)

	// The record carries the failure, the prior artifact set stays intact.
	rec, err := h.inventory.Get(ctx, entryFor(o).Key())
	require.NoError(t, err)
	assert.Equal(t, refcache.StateError, rec.State)
	assert.NotEmpty(t, rec.LastError)
	assert.Equal(t, paths.Sequence, rec.PublishedSequence)
	for _, p := range []string{paths.Sequence, paths.SequenceFAI, paths.SequenceGZI, paths.Annotation, paths.AnnotationTBI} {
		_, serr := os.Stat(p)
		assert.NoError(t, serr, p)
	}

	// A later pass against a recovered origin heals the record in place.
	o.failWith.Store(0)
	h.clock.advance(time.Hour)
	_, err = h.svc.Ensure(ctx, entryFor(o))
	require.NoError(t, err)
	rec, err = h.inventory.Get(ctx, entryFor(o).Key())
	require.NoError(t, err)
	assert.Equal(t, refcache.StatePublished, rec.State)
	assert.Empty(t, rec.LastError)
}

func TestService_IndexFailureNeverPairsStaleIndexes(t *testing.T) {
	o := newOrigin(t)
	o.set("/hs.fa.gz", ">chr1\nACGT\n", `"seq-v1"`)
	h := newHarness(t)
	ctx := context.Background()

	entry := entryFor(o)
	entry.AnnotationURL = ""
	_, err := h.svc.Ensure(ctx, entry)
	require.NoError(t, err)

	// Origin changes; the new sequence lands in the staging area but
	// indexing fails, so the run errors after a partial rebuild.
	o.set("/hs.fa.gz", ">chr1\nACGTACGT\n", `"seq-v2"`)
	h.seqIndexer.fail.Store(true)
	h.clock.advance(time.Hour)
	_, err = h.svc.Ensure(ctx, entry)
	require.Error(t, err)

	var ee *refcache.EntryError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, refcache.StageIndex, ee.Stage)

	// The next pass revalidates unchanged. The staged sequence already holds
	// the new bytes, so its indexes must be rebuilt for them, never reused
	// from the last successful run.
	h.seqIndexer.fail.Store(false)
	h.clock.advance(time.Hour)
	paths, err := h.svc.Ensure(ctx, entry)
	require.NoError(t, err)

	seq, err := os.ReadFile(paths.Sequence)
	require.NoError(t, err)
	assert.Equal(t, ">chr1\nACGTACGT\n", string(seq))

	fai, err := os.ReadFile(paths.SequenceFAI)
	require.NoError(t, err)
	assert.Equal(t, "fai:"+string(seq), string(fai))
	gzi, err := os.ReadFile(paths.SequenceGZI)
	require.NoError(t, err)
	assert.Equal(t, "gzi:"+string(seq), string(gzi))
}

func TestService_ConcurrentEnsureDownloadsOnce(t *testing.T) {
	o := newOrigin(t)
	o.set("/hs.fa.gz", ">chr1\nACGT\n", `"seq-v1"`)
	h := newHarness(t, refcache.WithRefreshInterval(24*time.Hour))

	entry := entryFor(o)
	entry.AnnotationURL = ""

	var wg sync.WaitGroup
	results := make([]*refcache.Paths, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Ensure(context.Background(), entry)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Only one call reached the origin and ran the pipeline; the other
	// blocked on the lock and observed the winner's published result.
	assert.Equal(t, int64(1), o.hits.Load())
	assert.Equal(t, int64(1), h.transcoder.calls.Load())
	assert.Equal(t, int64(1), h.seqIndexer.calls.Load())
	assert.Equal(t, results[0].Sequence, results[1].Sequence)
}

func TestService_GTFRejectedBeforeNetwork(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t)

	entry := entryFor(o)
	entry.AnnotationURL = o.url("/hs.gtf.gz")
	_, err := h.svc.Ensure(context.Background(), entry)
	require.Error(t, err)
	assert.ErrorIs(t, err, refcache.ErrUnsupportedFormat)

	var ee *refcache.EntryError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, refcache.StageValidate, ee.Stage)

	// Rejection happens before any request leaves the process.
	assert.Equal(t, int64(0), o.hits.Load())
}

func TestService_RefreshWindowSkipsOrigin(t *testing.T) {
	o := newOrigin(t)
	o.set("/hs.fa.gz", ">chr1\nACGT\n", `"seq-v1"`)
	o.set("/hs.gff3.gz", "##gff-version 3\nchr1\t.\tgene\t1\t4\t.\t+\t.\tID=g1\n", `"ann-v1"`)
	h := newHarness(t, refcache.WithRefreshInterval(24*time.Hour))
	ctx := context.Background()

	_, err := h.svc.Ensure(ctx, entryFor(o))
	require.NoError(t, err)
	hitsAfterFirst := o.hits.Load()

	// Inside the window the origin is not consulted at all.
	h.clock.advance(time.Hour)
	paths, err := h.svc.Ensure(ctx, entryFor(o))
	require.NoError(t, err)
	require.NotNil(t, paths)
	assert.Equal(t, hitsAfterFirst, o.hits.Load())

	// Past the window the next pass revalidates.
	h.clock.advance(48 * time.Hour)
	_, err = h.svc.Ensure(ctx, entryFor(o))
	require.NoError(t, err)
	assert.Greater(t, o.hits.Load(), hitsAfterFirst)
}

func TestService_SequenceOnlyEntry(t *testing.T) {
	o := newOrigin(t)
	o.set("/hs.fa.gz", ">chr1\nACGT\n", `"seq-v1"`)
	h := newHarness(t)

	entry := entryFor(o)
	entry.AnnotationURL = ""
	paths, err := h.svc.Ensure(context.Background(), entry)
	require.NoError(t, err)

	assert.NotEmpty(t, paths.Sequence)
	assert.Empty(t, paths.Annotation)
	assert.Empty(t, paths.AnnotationTBI)
	assert.Equal(t, int64(0), h.annIndexer.calls.Load())
}

func TestService_RunCatalogIsolatesFailures(t *testing.T) {
	o := newOrigin(t)
	o.set("/hs.fa.gz", ">chr1\nACGT\n", `"seq-v1"`)
	o.set("/hs.gff3.gz", "##gff-version 3\nchr1\t.\tgene\t1\t4\t.\t+\t.\tID=g1\n", `"ann-v1"`)
	o.set("/mm.fa.gz", ">chr1\nTTTT\n", `"mm-v1"`)
	h := newHarness(t)

	entries := []refcache.CatalogEntry{
		entryFor(o),
		{
			Provider:    "ucsc",
			Species:     "mus_musculus",
			Assembly:    "mm39",
			SequenceURL: o.url("/missing.fa.gz"),
		},
		{
			Provider:    "ucsc",
			Species:     "mus_musculus",
			Assembly:    "mm10",
			SequenceURL: o.url("/mm.fa.gz"),
		},
	}
	results := h.svc.RunCatalog(context.Background(), entries)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Equal(t, refcache.StageFetch, results[1].Stage())
	// The failure in the middle never stops the pass.
	assert.NoError(t, results[2].Err)
}

func TestService_GetPathsResolvesLatestAssembly(t *testing.T) {
	o := newOrigin(t)
	o.set("/hs38.fa.gz", ">chr1\nACGT\n", `"v38"`)
	o.set("/hs37.fa.gz", ">chr1\nACGA\n", `"v37"`)
	h := newHarness(t)
	ctx := context.Background()

	older := refcache.CatalogEntry{
		Provider: "ensembl", Species: "homo_sapiens", Assembly: "GRCh37",
		SequenceURL: o.url("/hs37.fa.gz"),
	}
	newer := refcache.CatalogEntry{
		Provider: "ensembl", Species: "homo_sapiens", Assembly: "GRCh38",
		SequenceURL: o.url("/hs38.fa.gz"),
	}
	_, err := h.svc.Ensure(ctx, older)
	require.NoError(t, err)
	h.clock.advance(time.Minute)
	_, err = h.svc.Ensure(ctx, newer)
	require.NoError(t, err)

	// Explicit assembly resolves exactly.
	paths, err := h.svc.GetPaths(ctx, "ensembl", "homo_sapiens", "GRCh37")
	require.NoError(t, err)
	assert.Contains(t, paths.Sequence, "GRCh37")

	// Omitted assembly resolves to the most recently updated one.
	paths, err = h.svc.GetPaths(ctx, "ensembl", "homo_sapiens", "")
	require.NoError(t, err)
	assert.Contains(t, paths.Sequence, "GRCh38")

	_, err = h.svc.GetPaths(ctx, "ensembl", "danio_rerio", "")
	assert.ErrorIs(t, err, refcache.ErrNotPublished)
}

func TestService_ListPublished(t *testing.T) {
	o := newOrigin(t)
	o.set("/hs.fa.gz", ">chr1\nACGT\n", `"seq-v1"`)
	h := newHarness(t)
	ctx := context.Background()

	entries, err := h.svc.ListPublished(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entry := entryFor(o)
	entry.AnnotationURL = ""
	_, err = h.svc.Ensure(ctx, entry)
	require.NoError(t, err)

	entries, err = h.svc.ListPublished(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ensembl", entries[0].Provider)
	assert.Equal(t, "GRCh38", entries[0].Assembly)
	assert.NotEmpty(t, entries[0].Sequence)
}

func TestService_AnnotationWithoutIndexerFailsValidation(t *testing.T) {
	base := t.TempDir()
	locker, err := lockfile.New(filepath.Join(base, "locks"))
	require.NoError(t, err)
	svc, err := refcache.New(
		refcache.WithInventory(memory.New()),
		refcache.WithBaseDir(base),
		refcache.WithFetcher(fetch.New()),
		refcache.WithTranscoder(&stubTranscoder{}),
		refcache.WithSequenceIndexer(&stubSeqIndexer{}),
		refcache.WithPublisher(publish.New(filepath.Join(base, "publish"))),
		refcache.WithLocker(locker),
	)
	require.NoError(t, err)

	_, err = svc.Ensure(context.Background(), refcache.CatalogEntry{
		Provider: "ensembl", Species: "homo_sapiens", Assembly: "GRCh38",
		SequenceURL:   "http://localhost/hs.fa.gz",
		AnnotationURL: "http://localhost/hs.gff3.gz",
	})
	require.Error(t, err)

	var ee *refcache.EntryError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, refcache.StageValidate, ee.Stage)
}

func TestEntryError_Format(t *testing.T) {
	ee := &refcache.EntryError{
		Key:   refcache.Key{Provider: "ensembl", Species: "homo_sapiens", Assembly: "GRCh38"},
		Stage: refcache.StageFetch,
		Err:   fmt.Errorf("%w: boom", refcache.ErrFetchFailed),
	}
	assert.Contains(t, ee.Error(), "ensembl/homo_sapiens/GRCh38")
	assert.Contains(t, ee.Error(), "fetch")
	assert.ErrorIs(t, ee, refcache.ErrFetchFailed)
}
