package bzip2

import (
	"io"
	"sort"
)

// BlockPoint is one entry in the persisted seek-point table: the bit offset
// of a block's magic number in the compressed stream, and the uncompressed
// byte offset its first output byte occupies.
type BlockPoint struct {
	BitOffset          int64
	UncompressedOffset int64
}

// Reader is a seekable, readable view over a single bzip2 stream, building
// a BlockPoint table as a side effect of sequential decoding.
type Reader struct {
	src io.ReaderAt

	decoder *blockDecoder
	table   []BlockPoint
	done    bool // true once the finalMagic block has been consumed

	br          *bitReader
	blockData   []byte
	blockPos    int
	pos         int64 // logical position of the next byte Read will return
}

// New opens a bzip2 stream for random access. It parses only the 4-byte
// stream header; the block table is built lazily as Read or Seek touches
// new parts of the stream.
func New(src io.ReaderAt) (*Reader, error) {
	br := newBitReader(src, 0)
	blockSize100k, err := readStreamHeader(br)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		src:     src,
		decoder: newBlockDecoder(blockSize100k),
		table:   []BlockPoint{{BitOffset: br.Pos(), UncompressedOffset: 0}},
		br:      br,
	}
	return r, nil
}

// LoadTable installs a previously exported table, skipping the need to
// rediscover block boundaries already known from a prior pass. The table
// must start with the same first entry New() would have produced; callers
// that import a table persisted by the Index Store are expected to pair it
// with the same compressed file it was built from (validated one level up,
// in the czip package, via SeekTableStale).
func (r *Reader) LoadTable(table []BlockPoint) {
	if len(table) == 0 {
		return
	}
	r.table = append([]BlockPoint(nil), table...)
}

// Table returns the full BlockPoint table, decoding (and discarding) the
// remainder of the stream if it hasn't been fully scanned yet.
func (r *Reader) Table() ([]BlockPoint, error) {
	if !r.done {
		cur := r.pos
		defer func() { r.seekNoDiscardLimit(cur) }()
		var buf [64 * 1024]byte
		for {
			if _, err := r.Read(buf[:]); err != nil {
				if err == io.EOF {
					break
				}
				return nil, err
			}
		}
	}
	return r.table, nil
}

func (r *Reader) recordPoint(bitOffset, uncompressedOffset int64) {
	if len(r.table) > 0 && r.table[len(r.table)-1].BitOffset == bitOffset {
		return
	}
	r.table = append(r.table, BlockPoint{BitOffset: bitOffset, UncompressedOffset: uncompressedOffset})
}

// advanceBlock decodes the next block (recording its boundary) or marks EOF
// when the final-block magic is encountered.
func (r *Reader) advanceBlock() error {
	if r.done {
		return io.EOF
	}
	bitOffset := r.br.Pos()
	magic := r.br.ReadBits64(48)
	if r.br.Err() != nil {
		return r.br.Err()
	}
	if magic == finalMagic {
		r.br.ReadBits64(32) // combined stream CRC, unchecked
		r.done = true
		return io.EOF
	}
	if magic != blockMagic {
		return StructuralError("bad block magic")
	}
	data, err := r.decoder.decodeOne(r.br)
	if err != nil {
		return err
	}
	r.recordPoint(bitOffset, r.pos)
	r.blockData = data
	r.blockPos = 0
	return nil
}

// Read implements io.Reader over the logical uncompressed stream.
func (r *Reader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if r.blockPos >= len(r.blockData) {
			if err := r.advanceBlock(); err != nil {
				if total > 0 {
					return total, nil
				}
				return total, err
			}
		}
		n := copy(p[total:], r.blockData[r.blockPos:])
		r.blockPos += n
		total += n
		r.pos += int64(n)
	}
	return total, nil
}

// Seek moves to logical offset pos, resuming decompression from the latest
// known block at or before pos and discarding bytes up to pos, per the
// bzip2 variant's contract in the Compressed Random-Access Reader design.
func (r *Reader) Seek(pos int64) (int64, error) {
	if pos < 0 {
		return 0, StructuralError("negative seek")
	}
	idx := sort.Search(len(r.table), func(i int) bool {
		return r.table[i].UncompressedOffset > pos
	}) - 1
	if idx < 0 {
		idx = 0
	}
	entry := r.table[idx]

	r.br = newBitReader(r.src, entry.BitOffset)
	r.done = false
	r.pos = entry.UncompressedOffset
	r.blockData = nil
	r.blockPos = 0

	remaining := pos - r.pos
	for remaining > 0 {
		if r.blockPos >= len(r.blockData) {
			if err := r.advanceBlock(); err != nil {
				if err == io.EOF {
					break
				}
				return 0, err
			}
		}
		n := int64(len(r.blockData) - r.blockPos)
		if n > remaining {
			n = remaining
		}
		r.blockPos += int(n)
		r.pos += n
		remaining -= n
	}
	return r.pos, nil
}

func (r *Reader) seekNoDiscardLimit(pos int64) {
	_, _ = r.Seek(pos)
}
