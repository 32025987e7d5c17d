package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gotarfs/gotarfs/internal/czip/gzip"
)

// encodeGzipTable serializes a gzip checkpoint table into the single opaque
// blob spec.md §4.5 describes for gzip_index.data: a point count followed
// by, per point, the bit offset, uncompressed offset, dictionary length,
// and dictionary bytes.
func encodeGzipTable(points []gzip.CheckPoint) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(points)))
	for _, p := range points {
		binary.Write(&buf, binary.LittleEndian, p.BitOffset)
		binary.Write(&buf, binary.LittleEndian, p.UncompressedOffset)
		binary.Write(&buf, binary.LittleEndian, uint32(len(p.Dictionary)))
		buf.Write(p.Dictionary)
	}
	return buf.Bytes()
}

func decodeGzipTable(blob []byte) ([]gzip.CheckPoint, error) {
	r := bytes.NewReader(blob)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("index: decoding gzip table count: %w", err)
	}
	points := make([]gzip.CheckPoint, 0, count)
	for i := uint32(0); i < count; i++ {
		var p gzip.CheckPoint
		var dictLen uint32
		if err := binary.Read(r, binary.LittleEndian, &p.BitOffset); err != nil {
			return nil, fmt.Errorf("index: decoding gzip table point %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &p.UncompressedOffset); err != nil {
			return nil, fmt.Errorf("index: decoding gzip table point %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &dictLen); err != nil {
			return nil, fmt.Errorf("index: decoding gzip table point %d: %w", i, err)
		}
		p.Dictionary = make([]byte, dictLen)
		if _, err := io.ReadFull(r, p.Dictionary); err != nil {
			return nil, fmt.Errorf("index: decoding gzip table point %d dictionary: %w", i, err)
		}
		points = append(points, p)
	}
	return points, nil
}
