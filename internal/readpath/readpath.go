// Package readpath implements the Read Path: lookup, readdir, readlink, and
// read against an already-built Index Store and Compressed Random-Access
// Reader, with single-hop link dereference (for members that are neither
// regular files nor symlinks but carry a linkname, such as hard links) and
// sparse-file reconstruction via a Stenciled File. Read does not follow
// symlinks itself.
//
// Grounded on spec.md §4.7; the sparse-reconstruction step reuses
// internal/stencil, itself grounded on the pack's layer.go Files() method.
package readpath

import (
	"archive/tar"
	"context"
	"io"

	"github.com/gotarfs/gotarfs/internal/czip"
	"github.com/gotarfs/gotarfs/internal/fserrors"
	"github.com/gotarfs/gotarfs/internal/index"
	"github.com/gotarfs/gotarfs/internal/stencil"
	"github.com/gotarfs/gotarfs/internal/tarscan"
)

// Path is the lookup/readdir/readlink/read surface spec.md §4.7 describes,
// backed by one archive's Index Store and decompressed byte stream.
type Path struct {
	store  *index.Store
	stream czip.Reader
}

// New returns a Path over store and stream. stream must present the
// archive's logical decompressed byte stream (the Compressed Random-Access
// Reader for a compressed archive, or a raw-file wrapper for an
// uncompressed one).
func New(store *index.Store, stream czip.Reader) *Path {
	return &Path{store: store, stream: stream}
}

// Lookup resolves a virtual path to its member record.
func (p *Path) Lookup(ctx context.Context, virtualPath string) (index.Record, error) {
	dir, name := tarscan.NormalizePath(virtualPath)
	rec, ok, err := p.store.Stat(ctx, dir, name)
	if err != nil {
		return index.Record{}, err
	}
	if !ok {
		return index.Record{}, fserrors.New(fserrors.KindNotFound, "readpath.Lookup", virtualPath, nil)
	}
	return rec, nil
}

// Readdir lists the entries whose parent directory is virtualPath.
func (p *Path) Readdir(ctx context.Context, virtualPath string) ([]index.Record, error) {
	dir, name := tarscan.NormalizePath(virtualPath)
	full := dir
	if name != "" {
		full = joinPath(dir, name)
	}
	return p.store.ReadDir(ctx, full)
}

// Readlink returns the link target recorded for virtualPath.
func (p *Path) Readlink(ctx context.Context, virtualPath string) (string, error) {
	rec, err := p.Lookup(ctx, virtualPath)
	if err != nil {
		return "", err
	}
	if rec.Linkname == "" {
		return "", fserrors.New(fserrors.KindNotFound, "readpath.Readlink", virtualPath, nil)
	}
	return rec.Linkname, nil
}

// isRegularOrSymlink reports whether rec's TAR type flag is a plain file or
// a symlink, the two types that never need dereferencing before a read.
// Checked against the original type flag rather than the computed mode,
// since a hard link (TypeLink) carries a regular-file mode but still needs
// redirecting through its linkname the way a non-regular type would.
func isRegularOrSymlink(rec index.Record) bool {
	switch byte(rec.Type) {
	case tar.TypeReg, tar.TypeRegA, 0, tar.TypeSymlink:
		return true
	default:
		return false
	}
}

// resolveForRead implements spec.md §4.7 step 1: if the member is neither
// regular nor symlink and carries a linkname, dereference once by
// re-resolving "/" + linkname. A dereference landing back on the same
// virtual path is rejected rather than chased, since nothing past a single
// hop is ever followed anyway.
func (p *Path) resolveForRead(ctx context.Context, virtualPath string) (index.Record, error) {
	rec, err := p.Lookup(ctx, virtualPath)
	if err != nil {
		return index.Record{}, err
	}
	if isRegularOrSymlink(rec) || rec.Linkname == "" {
		return rec, nil
	}
	target := "/" + rec.Linkname
	if normalizedEqual(target, virtualPath) {
		return index.Record{}, fserrors.New(fserrors.KindNotFound, "readpath.resolveForRead", virtualPath, nil)
	}
	return p.Lookup(ctx, target)
}

func normalizedEqual(a, b string) bool {
	ad, an := tarscan.NormalizePath(a)
	bd, bn := tarscan.NormalizePath(b)
	return ad == bd && an == bn
}

// Read implements spec.md §4.7 step 2/3: resolve the member (dereferencing
// at most one hop via resolveForRead; a symlink is read as itself, not
// followed), then either reconstruct a sparse member through
// a Stenciled File or seek the backing stream directly.
func (p *Path) Read(ctx context.Context, virtualPath string, offset, length int64) ([]byte, error) {
	rec, err := p.resolveForRead(ctx, virtualPath)
	if err != nil {
		return nil, err
	}

	if rec.IsSparse {
		return p.readSparse(rec, offset, length)
	}

	if _, err := p.stream.Seek(rec.OffsetData + offset); err != nil {
		return nil, fserrors.New(fserrors.KindIO, "readpath.Read", virtualPath, err)
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(p.stream, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fserrors.New(fserrors.KindIO, "readpath.Read", virtualPath, err)
	}
	return buf[:n], nil
}

// readSparse builds a Stenciled File over the member's header-through-data
// span, parses the TAR header back out of it, and reads from the expanded
// content at offset/length.
func (p *Path) readSparse(rec index.Record, offset, length int64) ([]byte, error) {
	spanLen := (rec.OffsetData - rec.OffsetHeader) + rec.Size
	stencils := []stencil.Stencil{{Offset: rec.OffsetHeader, Length: spanLen}}
	sf, err := stencil.New(readSeeker{p.stream}, stencils)
	if err != nil {
		return nil, err
	}

	sc := tarscan.New(sf)
	if _, err := sc.Next(); err != nil {
		return nil, fserrors.New(fserrors.KindDecodeError, "readpath.readSparse", rec.Path+"/"+rec.Name, err)
	}
	content := sc.Reader()
	if _, err := io.CopyN(io.Discard, content, offset); err != nil && err != io.EOF {
		return nil, fserrors.New(fserrors.KindIO, "readpath.readSparse", rec.Path+"/"+rec.Name, err)
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(content, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fserrors.New(fserrors.KindIO, "readpath.readSparse", rec.Path+"/"+rec.Name, err)
	}
	return buf[:n], nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return "/" + name
	}
	return dir + "/" + name
}

// readSeeker adapts a czip.Reader's Seek(pos int64) vocabulary to
// io.ReadSeeker for internal/stencil, which only ever issues io.SeekStart
// seeks.
type readSeeker struct{ r czip.Reader }

func (s readSeeker) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s readSeeker) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, fserrors.New(fserrors.KindInvalidSeek, "readpath.readSeeker.Seek", "", nil)
	}
	return s.r.Seek(offset)
}
