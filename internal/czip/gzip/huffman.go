package gzip

import "fmt"

const maxHuffmanBits = 15

// huffmanTree is the same counts/offsets canonical Huffman decoder used by
// the bzip2 variant (itself grounded on puff.c), rebuilt here because
// DEFLATE's code lengths (up to 15 bits, two separate literal/length and
// distance alphabets) don't share a type with bzip2's.
type huffmanTree struct {
	counts [maxHuffmanBits + 1]int
	symbol []int
}

func newHuffmanTree(lengths []int) (huffmanTree, error) {
	var t huffmanTree
	for _, l := range lengths {
		if l > maxHuffmanBits {
			return t, fmt.Errorf("gzip: huffman code length %d out of range", l)
		}
		t.counts[l]++
	}
	t.counts[0] = 0

	var offsets [maxHuffmanBits + 2]int
	for l := 1; l <= maxHuffmanBits; l++ {
		offsets[l+1] = offsets[l] + t.counts[l]
	}

	t.symbol = make([]int, len(lengths))
	used := offsets
	for sym, l := range lengths {
		if l == 0 {
			continue
		}
		t.symbol[used[l]] = sym
		used[l]++
	}
	return t, nil
}

func (t *huffmanTree) Decode(br *bitReader) int {
	code := 0
	first := 0
	index := 0
	for length := 1; length <= maxHuffmanBits; length++ {
		code |= int(br.ReadBits(1))
		count := t.counts[length]
		if code-first < count {
			return t.symbol[index+(code-first)]
		}
		index += count
		first += count
		first <<= 1
		code <<= 1
	}
	return -1
}

var fixedLiteralLengths = func() []int {
	lengths := make([]int, 288)
	for i := range lengths {
		switch {
		case i < 144:
			lengths[i] = 8
		case i < 256:
			lengths[i] = 9
		case i < 280:
			lengths[i] = 7
		default:
			lengths[i] = 8
		}
	}
	return lengths
}()

var fixedDistanceLengths = func() []int {
	lengths := make([]int, 30)
	for i := range lengths {
		lengths[i] = 5
	}
	return lengths
}()
