package gzip

// StructuralError is returned when the deflate data is syntactically
// invalid.
type StructuralError string

func (s StructuralError) Error() string { return "gzip: invalid data: " + string(s) }

const windowSize = 32 * 1024

var lengthBase = [29]int{
	3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31, 35, 43, 51, 59,
	67, 83, 99, 115, 131, 163, 195, 227, 258,
}
var lengthExtra = [29]uint{
	0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0,
}
var distBase = [30]int{
	1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193, 257, 385, 513,
	769, 1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577,
}
var distExtra = [30]uint{
	0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13,
}
var codeLengthOrder = [19]int{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}

// inflater decodes a raw DEFLATE stream (RFC 1951) block by block, keeping a
// 32KiB sliding window so a caller can snapshot it as a resume dictionary at
// any block boundary, the same idea as zlib's inflateGetDictionary but
// exposed directly since neither the standard library nor
// github.com/klauspost/compress/flate expose mid-stream bit-accurate resume.
type inflater struct {
	window    [windowSize]byte
	windowPos int
	filled    bool  // true once the window has wrapped at least once
	total     int64 // bytes emitted across the inflater's lifetime
}

func newInflater() *inflater {
	return &inflater{}
}

func (inf *inflater) emit(out *[]byte, b byte) {
	*out = append(*out, b)
	inf.window[inf.windowPos] = b
	inf.windowPos++
	inf.total++
	if inf.windowPos == windowSize {
		inf.windowPos = 0
		inf.filled = true
	}
}

// byteBehind returns the byte emitted dist positions before the one most
// recently emitted (dist == 1 is the previous byte), reading through the
// ring buffer directly so a back-reference can reach data emitted in an
// earlier decodeBlock call, not just the current out slice.
func (inf *inflater) byteBehind(dist int) byte {
	idx := inf.windowPos - dist
	for idx < 0 {
		idx += windowSize
	}
	return inf.window[idx]
}

// dictionary returns the last up-to-32KiB of decoded output, oldest first,
// suitable for seeding a fresh decode that resumes immediately after this
// point.
func (inf *inflater) dictionary() []byte {
	if !inf.filled {
		d := make([]byte, inf.windowPos)
		copy(d, inf.window[:inf.windowPos])
		return d
	}
	d := make([]byte, windowSize)
	copy(d, inf.window[inf.windowPos:])
	copy(d[windowSize-inf.windowPos:], inf.window[:inf.windowPos])
	return d
}

// seedDictionary primes the window so that back-references immediately
// following resume can reach into data decoded before the resume point.
func (inf *inflater) seedDictionary(dict []byte) {
	if len(dict) > windowSize {
		dict = dict[len(dict)-windowSize:]
	}
	inf.windowPos = 0
	inf.filled = len(dict) == windowSize
	copy(inf.window[:], dict)
	inf.windowPos = len(dict) % windowSize
	inf.total = int64(len(dict))
}

// decodeBlock decodes exactly one DEFLATE block, appending literal output to
// out. It returns true if this was the final block in the stream (BFINAL).
func (inf *inflater) decodeBlock(br *bitReader, out *[]byte) (bool, error) {
	final := br.ReadBits(1) == 1
	btype := br.ReadBits(2)

	switch btype {
	case 0: // stored
		br.AlignByte()
		lo := br.ReadByte()
		hi := br.ReadByte()
		length := int(lo) | int(hi)<<8
		_ = br.ReadByte() // ~LEN low byte
		_ = br.ReadByte() // ~LEN high byte
		for i := 0; i < length; i++ {
			inf.emit(out, br.ReadByte())
		}
		if br.Err() != nil {
			return final, br.Err()
		}
		return final, nil

	case 1: // fixed huffman
		litTree, _ := newHuffmanTree(fixedLiteralLengths)
		distTree, _ := newHuffmanTree(fixedDistanceLengths)
		return final, inf.decodeCompressed(br, out, &litTree, &distTree)

	case 2: // dynamic huffman
		litTree, distTree, err := readDynamicTables(br)
		if err != nil {
			return final, err
		}
		return final, inf.decodeCompressed(br, out, &litTree, &distTree)

	default:
		return final, StructuralError("reserved block type")
	}
}

func readDynamicTables(br *bitReader) (huffmanTree, huffmanTree, error) {
	hlit := int(br.ReadBits(5)) + 257
	hdist := int(br.ReadBits(5)) + 1
	hclen := int(br.ReadBits(4)) + 4

	var clLengths [19]int
	for i := 0; i < hclen; i++ {
		clLengths[codeLengthOrder[i]] = int(br.ReadBits(3))
	}
	clTree, err := newHuffmanTree(clLengths[:])
	if err != nil {
		return huffmanTree{}, huffmanTree{}, err
	}

	total := hlit + hdist
	lengths := make([]int, total)
	for i := 0; i < total; {
		sym := clTree.Decode(br)
		switch {
		case sym < 16:
			lengths[i] = sym
			i++
		case sym == 16:
			if i == 0 {
				return huffmanTree{}, huffmanTree{}, StructuralError("repeat with no previous length")
			}
			repeat := int(br.ReadBits(2)) + 3
			for j := 0; j < repeat && i < total; j++ {
				lengths[i] = lengths[i-1]
				i++
			}
		case sym == 17:
			repeat := int(br.ReadBits(3)) + 3
			i += repeat
		case sym == 18:
			repeat := int(br.ReadBits(7)) + 11
			i += repeat
		default:
			return huffmanTree{}, huffmanTree{}, StructuralError("bad code-length symbol")
		}
	}

	litTree, err := newHuffmanTree(lengths[:hlit])
	if err != nil {
		return huffmanTree{}, huffmanTree{}, err
	}
	distTree, err := newHuffmanTree(lengths[hlit:])
	if err != nil {
		return huffmanTree{}, huffmanTree{}, err
	}
	return litTree, distTree, nil
}

func (inf *inflater) decodeCompressed(br *bitReader, out *[]byte, litTree, distTree *huffmanTree) error {
	for {
		sym := litTree.Decode(br)
		if br.Err() != nil {
			return br.Err()
		}
		switch {
		case sym < 256:
			inf.emit(out, byte(sym))
		case sym == 256:
			return nil
		case sym <= 285:
			idx := sym - 257
			length := lengthBase[idx] + int(br.ReadBits(lengthExtra[idx]))
			dsym := distTree.Decode(br)
			if dsym < 0 || dsym >= len(distBase) {
				return StructuralError("bad distance symbol")
			}
			dist := distBase[dsym] + int(br.ReadBits(distExtra[dsym]))
			if err := inf.copyMatch(out, length, dist); err != nil {
				return err
			}
		default:
			return StructuralError("bad literal/length symbol")
		}
	}
}

func (inf *inflater) copyMatch(out *[]byte, length, dist int) error {
	if int64(dist) > inf.total {
		return StructuralError("distance too far back")
	}
	for i := 0; i < length; i++ {
		inf.emit(out, inf.byteBehind(dist))
	}
	return nil
}
