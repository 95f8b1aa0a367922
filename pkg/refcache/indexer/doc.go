// Package indexer builds the random-access indexes that make published
// genomes usable without linear scans: the per-sequence byte-range index
// (.fai) and compression block map (.gzi) for sequence files, and the
// coordinate-sorted, range-indexed (.tbi) form of annotation files.
//
// Two implementations of each capability exist: the native one works purely
// in Go on the BGZF layer, the tool-backed one shells out to samtools and
// tabix. The choice is made once at startup.
package indexer
