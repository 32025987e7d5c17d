package bzip2

import "fmt"

const maxHuffmanBits = 20

// huffmanTree is a canonical Huffman decoder built from per-symbol code
// lengths, using the classic counts/offsets construction (the same
// technique as zlib's puff.c reference inflate and bzip2's own Huffman
// stage).
type huffmanTree struct {
	counts [maxHuffmanBits + 1]int
	symbol []int
}

func newHuffmanTree(lengths []uint8) (huffmanTree, error) {
	var t huffmanTree
	for _, l := range lengths {
		if l > maxHuffmanBits {
			return t, fmt.Errorf("bzip2: huffman code length %d out of range", l)
		}
		t.counts[l]++
	}

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

// Decode reads one symbol from br using this tree.
func (t *huffmanTree) Decode(br *bitReader) int {
	code := 0
	first := 0
	index := 0
	for length := 1; length <= maxHuffmanBits; length++ {
		code |= br.ReadBits(1)
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
