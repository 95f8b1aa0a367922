// Package transcode normalizes arbitrary input compression into BGZF, the
// block-gzip variant whose chunked framing allows any byte range to be
// decompressed without reading from the start of the stream.
//
// Detection is by magic bytes only, never by filename.
package transcode

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/biogo/hts/bgzf"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// Format is the detected compression of an input stream.
type Format string

const (
	FormatPlain Format = "plain"
	FormatGzip  Format = "gzip"
	FormatBzip2 Format = "bzip2"
	FormatXZ    Format = "xz"
)

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte("BZh")
	magicXZ    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Detect classifies a stream by its leading bytes. Anything unrecognized is
// plain. BGZF input reports as gzip: the two share a magic number, which is
// exactly why gzip input is re-normalized rather than trusted.
func Detect(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return FormatGzip
	case bytes.HasPrefix(head, magicBzip2):
		return FormatBzip2
	case bytes.HasPrefix(head, magicXZ):
		return FormatXZ
	default:
		return FormatPlain
	}
}

// Sniff reports the compression format of the file at path.
func Sniff(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatPlain, err
	}
	defer f.Close()
	head := make([]byte, len(magicXZ))
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatPlain, err
	}
	return Detect(head[:n]), nil
}

type decompressor struct {
	io.Reader
	closers []io.Closer
}

func (d *decompressor) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open returns a reader yielding the decompressed bytes of path, along with
// the detected format.
func Open(path string) (io.ReadCloser, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, FormatPlain, err
	}
	br := bufio.NewReaderSize(f, 1<<20)
	head, err := br.Peek(len(magicXZ))
	if err != nil && err != io.EOF {
		f.Close()
		return nil, FormatPlain, err
	}

	format := Detect(head)
	switch format {
	case FormatGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, format, fmt.Errorf("open gzip stream %s: %w", path, err)
		}
		// Multistream mode (the default) makes BGZF members read back as
		// one concatenated stream.
		return &decompressor{Reader: gz, closers: []io.Closer{gz, f}}, format, nil
	case FormatBzip2:
		return &decompressor{Reader: bzip2.NewReader(br), closers: []io.Closer{f}}, format, nil
	case FormatXZ:
		xr, err := xz.NewReader(br)
		if err != nil {
			f.Close()
			return nil, format, fmt.Errorf("open xz stream %s: %w", path, err)
		}
		return &decompressor{Reader: xr, closers: []io.Closer{f}}, format, nil
	default:
		return &decompressor{Reader: br, closers: []io.Closer{f}}, format, nil
	}
}

// BGZF re-compresses inputs into the block-gzip format. It implements the
// transcoder capability of the cache service.
type BGZF struct {
	workers int
}

// New returns a BGZF transcoder compressing with a single worker.
func New() *BGZF { return &BGZF{workers: 1} }

// NewParallel returns a BGZF transcoder compressing blocks with wd workers.
func NewParallel(wd int) *BGZF {
	if wd < 1 {
		wd = 1
	}
	return &BGZF{workers: wd}
}

// ToBGZF decompresses src (plain, gzip, bzip2, or xz) and writes it at dst
// in BGZF framing. The output is staged in a temporary file in dst's
// directory and moved into place with a single atomic rename.
func (t *BGZF) ToBGZF(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, _, err := Open(src)
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

	w := bgzf.NewWriter(tmp, t.workers)
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return fmt.Errorf("transcode %s: %w", src, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish bgzf %s: %w", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
