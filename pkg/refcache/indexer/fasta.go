package indexer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/biogo/hts/bgzf"
)

// Fasta is the native sequence indexer. For a block-compressed FASTA file it
// produces the .fai byte-range index over the uncompressed stream and the
// .gzi block map for the compression layer.
type Fasta struct{}

// NewFasta creates the native sequence indexer.
func NewFasta() *Fasta { return &Fasta{} }

// Index builds <path>.fai and <path>.gzi next to the sequence file. Both are
// written via temp file plus atomic rename, so a failed run never clobbers
// indexes from a previous successful run.
func (x *Fasta) Index(ctx context.Context, path string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	bg, err := bgzf.NewReader(f, 1)
	if err != nil {
		return "", "", fmt.Errorf("open bgzf %s: %w", path, err)
	}
	defer bg.Close()

	recs, err := scanFasta(bg)
	if err != nil {
		return "", "", fmt.Errorf("index %s: %w", path, err)
	}

	var buf bytes.Buffer
	for _, r := range recs {
		fmt.Fprintf(&buf, "%s\t%d\t%d\t%d\t%d\n", r.name, r.length, r.offset, r.lineBases, r.lineWidth)
	}
	faiPath := path + ".fai"
	if err := writeFileAtomic(faiPath, buf.Bytes()); err != nil {
		return "", "", err
	}

	m, err := BuildBlockMap(path)
	if err != nil {
		return "", "", err
	}
	gziPath := path + ".gzi"
	if err := m.WriteGZI(gziPath); err != nil {
		return "", "", err
	}
	return faiPath, gziPath, nil
}

// faiRecord is one line of a .fai index: sequence name, total bases, byte
// offset of the first base, bases per full line, and bytes per line
// including the terminator. All offsets address the uncompressed stream.
type faiRecord struct {
	name      string
	length    int64
	offset    int64
	lineBases int64
	lineWidth int64
}

// scanFasta derives fai records from FASTA text. Random access requires
// every sequence line of a record to share one width, except a shorter final
// line; anything else is rejected.
func scanFasta(r io.Reader) ([]faiRecord, error) {
	br := bufio.NewReaderSize(r, 1<<20)

	var (
		recs   []faiRecord
		cur    *faiRecord
		offset int64
		seen   = make(map[string]bool)
		short  bool
		lineno int
	)
	for {
		line, rerr := br.ReadString('\n')
		if len(line) > 0 {
			lineno++
			width := int64(len(line))
			trimmed := strings.TrimRight(line, "\r\n")

			switch {
			case strings.HasPrefix(trimmed, ">"):
				name := trimmed[1:]
				if i := strings.IndexAny(name, " \t"); i >= 0 {
					name = name[:i]
				}
				if name == "" {
					return nil, fmt.Errorf("line %d: empty sequence name", lineno)
				}
				if seen[name] {
					return nil, fmt.Errorf("line %d: duplicate sequence name %q", lineno, name)
				}
				seen[name] = true
				recs = append(recs, faiRecord{name: name, offset: offset + width})
				cur = &recs[len(recs)-1]
				short = false

			case trimmed == "":
				// Blank line: tolerated as a terminator only.
				short = true

			default:
				if cur == nil {
					return nil, fmt.Errorf("line %d: sequence data before first header", lineno)
				}
				if short {
					return nil, fmt.Errorf("line %d: sequence %q resumes after a short or blank line", lineno, cur.name)
				}
				bases := int64(len(trimmed))
				if cur.length == 0 {
					cur.lineBases = bases
					cur.lineWidth = width
				} else if bases > cur.lineBases {
					return nil, fmt.Errorf("line %d: sequence %q has inconsistent line lengths", lineno, cur.name)
				}
				if bases < cur.lineBases || width < cur.lineWidth {
					short = true
				}
				cur.length += bases
			}
			offset += width
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}
	if len(recs) == 0 {
		return nil, errors.New("no sequences found")
	}
	return recs, nil
}

// writeFileAtomic stages data in a temporary file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
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
	return os.Rename(tmp.Name(), path)
}
