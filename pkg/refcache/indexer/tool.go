package indexer

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/tendant/genome-refcache/pkg/refcache"
)

// FastaTool is the sequence indexer backed by the samtools CLI. The external
// tool writes the same .fai and .gzi sidecars the native indexer does.
type FastaTool struct {
	samtools string
}

// NewFastaTool creates a samtools-backed sequence indexer. An empty binary
// path falls back to "samtools" on PATH.
func NewFastaTool(binary string) *FastaTool {
	if binary == "" {
		binary = "samtools"
	}
	return &FastaTool{samtools: binary}
}

// Index runs "samtools faidx" on the block-compressed sequence at path and
// verifies that both index sidecars were produced.
func (x *FastaTool) Index(ctx context.Context, path string) (string, string, error) {
	cmd := exec.CommandContext(ctx, x.samtools, "faidx", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("%w: %s faidx %s: %v: %s", refcache.ErrToolFailure, x.samtools, path, err, out)
	}

	faiPath := path + ".fai"
	gziPath := path + ".gzi"
	for _, p := range []string{faiPath, gziPath} {
		if _, err := os.Stat(p); err != nil {
			return "", "", fmt.Errorf("%w: %s faidx did not produce %s", refcache.ErrToolFailure, x.samtools, p)
		}
	}
	return faiPath, gziPath, nil
}

// GFFTool is the annotation indexer backed by the tabix CLI. Sorting and
// block compression still happen in Go so the published file is identical to
// the native indexer's output; only the .tbi generation is delegated.
type GFFTool struct {
	tabix   string
	workers int
}

// NewGFFTool creates a tabix-backed annotation indexer. An empty binary path
// falls back to "tabix" on PATH.
func NewGFFTool(binary string) *GFFTool {
	if binary == "" {
		binary = "tabix"
	}
	return &GFFTool{tabix: binary, workers: 1}
}

// Index sorts and block-compresses the annotation at rawPath into dst, then
// runs "tabix -p gff" to build the range index.
func (x *GFFTool) Index(ctx context.Context, rawPath, dst string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	headers, feats, err := parseGFF(rawPath)
	if err != nil {
		return "", err
	}
	sortFeatures(feats)
	if _, err := writeSortedBGZF(headers, feats, dst, x.workers); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, x.tabix, "-f", "-p", "gff", dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%w: %s -p gff %s: %v: %s", refcache.ErrToolFailure, x.tabix, dst, err, out)
	}

	tbiPath := dst + ".tbi"
	if _, err := os.Stat(tbiPath); err != nil {
		return "", fmt.Errorf("%w: %s did not produce %s", refcache.ErrToolFailure, x.tabix, tbiPath)
	}
	return tbiPath, nil
}
