package indexer_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/biogo/hts/bgzf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/genome-refcache/pkg/refcache"
	"github.com/tendant/genome-refcache/pkg/refcache/indexer"
)

func gffLine(seqid string, start, end string) string {
	return seqid + "\t.\tgene\t" + start + "\t" + end + "\t.\t+\t.\tID=g" + start
}

func readBGZFLines(t *testing.T, path string) []string {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := bgzf.NewReader(f, 1)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestGFF_IndexSortsByCoordinate(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "genes.gff3.raw")
	dst := filepath.Join(dir, "genes.gff3.bgz")

	content := strings.Join([]string{
		"##gff-version 3",
		"##sequence-region chr1 1 1000",
		gffLine("chr2", "500", "600"),
		gffLine("chr1", "100", "200"),
		gffLine("chr1", "50", "80"),
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(raw, []byte(content), 0o644))

	tbi, err := indexer.NewGFF().Index(context.Background(), raw, dst)
	require.NoError(t, err)
	assert.Equal(t, dst+".tbi", tbi)

	lines := readBGZFLines(t, dst)
	require.Len(t, lines, 5)

	// Headers stay on top in original order.
	assert.Equal(t, "##gff-version 3", lines[0])
	assert.Equal(t, "##sequence-region chr1 1 1000", lines[1])

	// Features are ordered by sequence name, then numeric start.
	assert.Equal(t, gffLine("chr1", "50", "80"), lines[2])
	assert.Equal(t, gffLine("chr1", "100", "200"), lines[3])
	assert.Equal(t, gffLine("chr2", "500", "600"), lines[4])

	// The range index exists and is itself BGZF-framed.
	f, err := os.Open(tbi)
	require.NoError(t, err)
	defer f.Close()
	r, err := bgzf.NewReader(f, 1)
	require.NoError(t, err)
	r.Close()
}

func TestGFF_IndexNumericSort(t *testing.T) {
	// Start 9 sorts before start 10: numeric, not lexical.
	dir := t.TempDir()
	raw := filepath.Join(dir, "genes.gff3.raw")
	dst := filepath.Join(dir, "genes.gff3.bgz")

	content := gffLine("chr1", "10", "20") + "\n" + gffLine("chr1", "9", "15") + "\n"
	require.NoError(t, os.WriteFile(raw, []byte(content), 0o644))

	_, err := indexer.NewGFF().Index(context.Background(), raw, dst)
	require.NoError(t, err)

	lines := readBGZFLines(t, dst)
	require.Len(t, lines, 2)
	assert.Equal(t, gffLine("chr1", "9", "15"), lines[0])
	assert.Equal(t, gffLine("chr1", "10", "20"), lines[1])
}

func TestGFF_IndexReadsCompressedInput(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "genes.gff3.raw")
	dst := filepath.Join(dir, "genes.gff3.bgz")

	// The raw download arrives gzip-compressed; detection is by bytes.
	content := "##gff-version 3\n" + gffLine("chr1", "1", "10") + "\n"
	writeBGZF(t, raw, content)

	_, err := indexer.NewGFF().Index(context.Background(), raw, dst)
	require.NoError(t, err)

	lines := readBGZFLines(t, dst)
	require.Len(t, lines, 2)
	assert.Equal(t, gffLine("chr1", "1", "10"), lines[1])
}

func TestGFF_IndexRejectsMalformedFeature(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"too few columns", "chr1\tgene\t100"},
		{"non-numeric start", "chr1\t.\tgene\tabc\t200\t.\t+\t.\tID=g1"},
		{"non-numeric end", "chr1\t.\tgene\t100\txyz\t.\t+\t.\tID=g1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			raw := filepath.Join(dir, "genes.gff3.raw")
			require.NoError(t, os.WriteFile(raw, []byte(tt.line+"\n"), 0o644))

			_, err := indexer.NewGFF().Index(context.Background(), raw, filepath.Join(dir, "genes.gff3.bgz"))
			require.Error(t, err)
			assert.ErrorIs(t, err, refcache.ErrUnsupportedFormat)
		})
	}
}
