package indexer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/biogo/hts/bgzf"
)

// BGZF member header constants. Each member is a complete gzip stream whose
// extra field carries a BC subfield holding the total member size minus one,
// and whose trailer ends with the 4-byte uncompressed size.
const (
	bgzfHeaderLen  = 12
	bgzfTrailerLen = 8
)

type blockOffset struct {
	compressed   int64
	uncompressed int64
}

// BlockMap records where every BGZF member of a file begins, in both
// compressed and uncompressed coordinates. It backs the .gzi sidecar and the
// uncompressed-offset to virtual-offset translation used when building the
// annotation range index.
type BlockMap struct {
	blocks []blockOffset
}

// BuildBlockMap walks the BGZF members of the file at path by parsing their
// headers directly.
func BuildBlockMap(path string) (*BlockMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	var (
		blocks     []blockOffset
		coff, uoff int64
		hdr        [bgzfHeaderLen]byte
	)
	for coff < size {
		if _, err := f.ReadAt(hdr[:], coff); err != nil {
			return nil, fmt.Errorf("bgzf header at %d in %s: %w", coff, path, err)
		}
		if hdr[0] != 0x1f || hdr[1] != 0x8b || hdr[2] != 0x08 || hdr[3]&0x04 == 0 {
			return nil, fmt.Errorf("%s: not a bgzf member at offset %d", path, coff)
		}
		xlen := int64(binary.LittleEndian.Uint16(hdr[10:12]))
		extra := make([]byte, xlen)
		if _, err := f.ReadAt(extra, coff+bgzfHeaderLen); err != nil {
			return nil, fmt.Errorf("bgzf extra field at %d in %s: %w", coff, path, err)
		}
		bsize, err := bcSubfield(extra)
		if err != nil {
			return nil, fmt.Errorf("%s at offset %d: %w", path, coff, err)
		}
		total := int64(bsize) + 1
		if coff+total > size {
			return nil, fmt.Errorf("%s: truncated bgzf member at offset %d", path, coff)
		}

		var trailer [4]byte
		if _, err := f.ReadAt(trailer[:], coff+total-4); err != nil {
			return nil, fmt.Errorf("bgzf trailer at %d in %s: %w", coff, path, err)
		}
		isize := int64(binary.LittleEndian.Uint32(trailer[:]))

		blocks = append(blocks, blockOffset{compressed: coff, uncompressed: uoff})
		coff += total
		uoff += isize
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%s: empty bgzf file", path)
	}
	return &BlockMap{blocks: blocks}, nil
}

// bcSubfield extracts the BSIZE value from a gzip extra field.
func bcSubfield(extra []byte) (uint16, error) {
	for len(extra) >= 4 {
		si1, si2 := extra[0], extra[1]
		slen := int(binary.LittleEndian.Uint16(extra[2:4]))
		if len(extra) < 4+slen {
			break
		}
		if si1 == 'B' && si2 == 'C' && slen == 2 {
			return binary.LittleEndian.Uint16(extra[4:6]), nil
		}
		extra = extra[4+slen:]
	}
	return 0, fmt.Errorf("gzip extra field lacks BC subfield")
}

// VirtualOffset translates an offset in the uncompressed stream into the
// BGZF virtual offset addressing the same byte.
func (m *BlockMap) VirtualOffset(uoff int64) bgzf.Offset {
	i := sort.Search(len(m.blocks), func(i int) bool {
		return m.blocks[i].uncompressed > uoff
	}) - 1
	if i < 0 {
		i = 0
	}
	b := m.blocks[i]
	return bgzf.Offset{File: b.compressed, Block: uint16(uoff - b.uncompressed)}
}

// NumBlocks returns the number of BGZF members, including the terminal
// empty member.
func (m *BlockMap) NumBlocks() int { return len(m.blocks) }

// WriteGZI writes the block map at path in the .gzi layout: a little-endian
// count followed by (compressed offset, uncompressed offset) pairs for every
// member after the first. Written via temp file plus atomic rename.
func (m *BlockMap) WriteGZI(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".part-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := writeGZIBody(tmp, m.blocks[1:]); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeGZIBody(w io.Writer, blocks []blockOffset) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(blocks))); err != nil {
		return err
	}
	for _, b := range blocks {
		if err := binary.Write(w, binary.LittleEndian, uint64(b.compressed)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(b.uncompressed)); err != nil {
			return err
		}
	}
	return nil
}

// ReadGZI loads a .gzi sidecar back into a BlockMap.
func ReadGZI(path string) (*BlockMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	blocks := make([]blockOffset, 0, n+1)
	blocks = append(blocks, blockOffset{})
	for i := uint64(0); i < n; i++ {
		var pair [2]uint64
		if err := binary.Read(f, binary.LittleEndian, &pair); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		blocks = append(blocks, blockOffset{compressed: int64(pair[0]), uncompressed: int64(pair[1])})
	}
	return &BlockMap{blocks: blocks}, nil
}
