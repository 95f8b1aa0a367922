package indexer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/biogo/hts/bgzf"
	"github.com/biogo/hts/tabix"

	"github.com/tendant/genome-refcache/pkg/refcache"
	"github.com/tendant/genome-refcache/pkg/refcache/transcode"
)

// gffColumns: seqid, source, type, start, end, score, strand, phase, attributes.
const gffMinColumns = 5

// feature is one GFF feature line with its sort keys.
type feature struct {
	seqid string
	start int
	end   int
	line  string
}

// span is the byte range of one feature line in the uncompressed output.
type span struct {
	begin int64
	end   int64
}

// GFF is the native annotation indexer: it coordinate-sorts a GFF3 file,
// re-compresses it into BGZF, and builds the tabix range index enabling
// sub-linear region queries.
type GFF struct {
	workers int
}

// NewGFF creates the native annotation indexer.
func NewGFF() *GFF { return &GFF{workers: 1} }

// Index reads the (possibly compressed) GFF3 at rawPath, writes its
// coordinate-sorted, block-compressed form at dst, and builds dst's .tbi
// range index. It returns the index path.
func (x *GFF) Index(ctx context.Context, rawPath, dst string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	headers, feats, err := parseGFF(rawPath)
	if err != nil {
		return "", err
	}
	sortFeatures(feats)

	spans, err := writeSortedBGZF(headers, feats, dst, x.workers)
	if err != nil {
		return "", err
	}

	// The block map translates the uncompressed line offsets recorded while
	// writing into BGZF virtual offsets for the index.
	m, err := BuildBlockMap(dst)
	if err != nil {
		return "", err
	}

	idx := &tabix.Index{
		NameColumn:  1,
		BeginColumn: 4,
		EndColumn:   5,
		MetaChar:    '#',
	}
	for i, ft := range feats {
		chunk := bgzf.Chunk{
			Begin: m.VirtualOffset(spans[i].begin),
			End:   m.VirtualOffset(spans[i].end),
		}
		if err := idx.Add(ft, chunk, true, true); err != nil {
			return "", fmt.Errorf("index feature %s:%d: %w", ft.seqid, ft.start, err)
		}
	}

	tbiPath := dst + ".tbi"
	if err := writeTabix(tbiPath, idx); err != nil {
		return "", err
	}
	return tbiPath, nil
}

// RefName, Start, and End implement tabix.Record. Tabix begins are
// zero-based half-open; GFF coordinates are one-based closed.
func (f feature) RefName() string { return f.seqid }
func (f feature) Start() int      { return f.start - 1 }
func (f feature) End() int        { return f.end }

// parseGFF splits the annotation into header lines (order preserved) and
// feature lines. Malformed feature lines are a format error, not data to be
// guessed at.
func parseGFF(rawPath string) (headers []string, feats []feature, err error) {
	in, _, err := transcode.Open(rawPath)
	if err != nil {
		return nil, nil, err
	}
	defer in.Close()

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 1<<20), 1<<26)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#"):
			headers = append(headers, line)
		default:
			ft, err := parseFeature(line)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: line %d: %v", refcache.ErrUnsupportedFormat, lineno, err)
			}
			feats = append(feats, ft)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	return headers, feats, nil
}

func parseFeature(line string) (feature, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < gffMinColumns {
		return feature{}, fmt.Errorf("feature line has %d columns, want at least %d", len(fields), gffMinColumns)
	}
	start, err := strconv.Atoi(fields[3])
	if err != nil {
		return feature{}, fmt.Errorf("start coordinate %q is not numeric", fields[3])
	}
	end, err := strconv.Atoi(fields[4])
	if err != nil {
		return feature{}, fmt.Errorf("end coordinate %q is not numeric", fields[4])
	}
	return feature{seqid: fields[0], start: start, end: end, line: line}, nil
}

// sortFeatures orders features by (sequence name, start coordinate)
// ascending, numeric on start. The sort is stable so equal coordinates keep
// their original order.
func sortFeatures(feats []feature) {
	sort.SliceStable(feats, func(i, j int) bool {
		if feats[i].seqid != feats[j].seqid {
			return feats[i].seqid < feats[j].seqid
		}
		return feats[i].start < feats[j].start
	})
}

// writeSortedBGZF writes headers then sorted features through a BGZF writer
// to dst via temp-then-rename, returning the uncompressed byte span of each
// feature line in input order of feats.
func writeSortedBGZF(headers []string, feats []feature, dst string, workers int) ([]span, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".part-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	w := bgzf.NewWriter(tmp, workers)
	var off int64
	write := func(line string) error {
		n, err := io.WriteString(w, line+"\n")
		off += int64(n)
		return err
	}

	for _, h := range headers {
		if err := write(h); err != nil {
			w.Close()
			return nil, err
		}
	}
	spans := make([]span, 0, len(feats))
	for _, ft := range feats {
		begin := off
		if err := write(ft.line); err != nil {
			w.Close()
			return nil, err
		}
		spans = append(spans, span{begin: begin, end: off})
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish bgzf %s: %w", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, err
	}
	return spans, nil
}

// writeTabix writes the .tbi file, which is itself BGZF-framed.
func writeTabix(path string, idx *tabix.Index) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".part-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	bw := bgzf.NewWriter(tmp, 1)
	if err := tabix.WriteTo(bw, idx); err != nil {
		bw.Close()
		return fmt.Errorf("write tabix %s: %w", path, err)
	}
	if err := bw.Close(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
