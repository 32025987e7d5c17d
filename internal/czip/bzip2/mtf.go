package bzip2

// mtfDecoder implements the move-to-front list used to undo bzip2's MTF
// transform (both for the tree-selector stream and the main symbol stream).
type mtfDecoder struct {
	list []byte
}

func newMTFDecoder(symbols []byte) *mtfDecoder {
	list := make([]byte, len(symbols))
	copy(list, symbols)
	return &mtfDecoder{list: list}
}

func newMTFDecoderWithRange(n int) *mtfDecoder {
	list := make([]byte, n)
	for i := range list {
		list[i] = byte(i)
	}
	return &mtfDecoder{list: list}
}

// Decode moves the element at index to the front and returns its value.
func (m *mtfDecoder) Decode(index int) byte {
	v := m.list[index]
	copy(m.list[1:index+1], m.list[0:index])
	m.list[0] = v
	return v
}

// First returns the current front of the list without modifying it.
func (m *mtfDecoder) First() byte {
	return m.list[0]
}
