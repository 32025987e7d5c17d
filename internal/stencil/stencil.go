// Package stencil implements a virtual file assembled from an ordered list
// of byte-range slices ("stencils") drawn from a backing seekable file.
//
// Grounded on quay-claircore's layer.go Files() method, which already
// re-slices an io.ReadSeeker by byte ranges parsed out of TAR headers, and
// on the prefix-sum / binary-search indexing idiom in
// SaveTheRbtz-zstd-seekable-format-go's reader.go (indexSeekTableEntries).
package stencil

import (
	"io"
	"sort"

	"github.com/gotarfs/gotarfs/internal/fserrors"
)

// Stencil is one (offset, length) slice into a backing file.
type Stencil struct {
	Offset int64
	Length int64
}

// File presents a virtual byte stream over a backing io.ReadSeeker,
// transparently crossing stencil boundaries.
//
// Readable and seekable, never writable.
type File struct {
	backing    io.ReadSeeker
	stencils   []Stencil
	cumulative []int64 // length N+1; cumulative[i] is the virtual offset stencil i begins at

	pos int64 // current virtual position
	idx int   // index of the stencil containing pos, or len(stencils) at EOF
}

// New builds a File over backing from the given stencils, in order.
// Duplicates are allowed; each Offset must be >= 0 and each Length > 0.
func New(backing io.ReadSeeker, stencils []Stencil) (*File, error) {
	cumulative := make([]int64, len(stencils)+1)
	for i, s := range stencils {
		if s.Offset < 0 {
			return nil, fserrors.New(fserrors.KindIO, "stencil.New", "", errInvalidStencil)
		}
		if s.Length <= 0 {
			return nil, fserrors.New(fserrors.KindIO, "stencil.New", "", errInvalidStencil)
		}
		cumulative[i+1] = cumulative[i] + s.Length
	}

	f := &File{
		backing:    backing,
		stencils:   stencils,
		cumulative: cumulative,
	}
	if len(stencils) > 0 {
		if _, err := backing.Seek(stencils[0].Offset, io.SeekStart); err != nil {
			return nil, err
		}
	}
	return f, nil
}

var errInvalidStencil = stencilErr("stencil must have offset >= 0 and length > 0")

type stencilErr string

func (e stencilErr) Error() string { return string(e) }

// Size returns the total virtual size, i.e. the sum of all stencil lengths.
func (f *File) Size() int64 { return f.cumulative[len(f.cumulative)-1] }

// Tell returns the current virtual position.
func (f *File) Tell() int64 { return f.pos }

func (f *File) Readable() bool { return true }
func (f *File) Seekable() bool { return true }
func (f *File) Writable() bool { return false }

// locate returns the leftmost stencil index i such that cumulative[i+1] > pos,
// or len(stencils) if pos is at or past the end.
func (f *File) locate(pos int64) int {
	n := len(f.stencils)
	i := sort.Search(n, func(i int) bool {
		return f.cumulative[i+1] > pos
	})
	return i
}

// Seek sets the virtual position and synchronizes the backing file to the
// corresponding physical offset.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = f.pos + offset
	case io.SeekEnd:
		target = f.Size() + offset
	default:
		return 0, fserrors.New(fserrors.KindInvalidSeek, "stencil.Seek", "", nil)
	}
	if target < 0 {
		return 0, fserrors.New(fserrors.KindInvalidSeek, "stencil.Seek", "", nil)
	}

	idx := f.locate(target)
	f.pos = target
	f.idx = idx
	if idx < len(f.stencils) {
		within := target - f.cumulative[idx]
		if _, err := f.backing.Seek(f.stencils[idx].Offset+within, io.SeekStart); err != nil {
			return 0, err
		}
	}
	return f.pos, nil
}

// Read reads up to len(p) bytes from the current virtual position,
// transparently crossing stencil boundaries. It returns fewer than len(p)
// bytes only at end-of-stream.
func (f *File) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if f.idx >= len(f.stencils) {
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}

		remaining := f.cumulative[f.idx+1] - f.pos
		if remaining <= 0 {
			f.idx++
			if f.idx >= len(f.stencils) {
				continue
			}
			if _, err := f.backing.Seek(f.stencils[f.idx].Offset, io.SeekStart); err != nil {
				return total, err
			}
			continue
		}

		want := int64(len(p) - total)
		if want > remaining {
			want = remaining
		}
		n, err := f.backing.Read(p[total : int64(total)+want])
		total += n
		f.pos += int64(n)
		if err != nil && err != io.EOF {
			return total, err
		}
		if n == 0 && err == io.EOF {
			// Backing file ended earlier than the stencil promised.
			return total, io.EOF
		}
	}
	return total, nil
}
