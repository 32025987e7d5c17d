// Package tarscan implements the TAR Scanner: a streaming parser over a TAR
// byte stream that yields one Member record per archive entry without
// accumulating prior entries in memory.
//
// Built directly on the standard library's archive/tar, the same package
// the pack's layer.go, filer.go, and tar_test.go exercise. tar.Reader.Next
// already discards per-member state on every call, which satisfies the "no
// member-list caches" requirement without any extra bookkeeping here.
package tarscan

import (
	"archive/tar"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/gotarfs/gotarfs/internal/fserrors"
)

// Member is one archive entry as handed to the Indexer.
type Member struct {
	Name         string // full path as stored in the TAR header, uncleaned
	Typeflag     byte
	Size         int64
	ModTime      int64
	Mode         int64
	Uid, Gid     int
	Linkname     string
	IsSparse     bool
	OffsetHeader int64
	OffsetData   int64
}

// Scanner walks a TAR stream member by member.
type Scanner struct {
	tr      *tar.Reader
	counter *countingReader
	truncated bool
}

// New wraps src (positioned at the start of a TAR stream) in a Scanner.
func New(src io.Reader) *Scanner {
	c := &countingReader{r: src}
	return &Scanner{tr: tar.NewReader(c), counter: c}
}

// Next returns the next Member, or io.EOF at the clean end of the stream.
// A truncated archive (a header claims more data than remains) surfaces as
// fserrors.ErrUnexpectedEnd; Truncated reports true for the rest of this
// Scanner's life once that happens.
func (s *Scanner) Next() (Member, error) {
	// tar.Reader.Next skips the rest of the current member and its block
	// padding before reading the next header; drain the member here first
	// so headerOffset is where the next header block really starts. A read
	// error is sticky in tar.Reader, so the Next call below reports it.
	_, _ = io.Copy(io.Discard, s.tr)
	headerOffset := (s.counter.n + 511) / 512 * 512
	hdr, err := s.tr.Next()
	if err == io.EOF {
		return Member{}, io.EOF
	}
	if err != nil {
		if isTruncation(err) {
			s.truncated = true
			return Member{}, fserrors.New(fserrors.KindUnexpectedEnd, "tarscan.Next", "", err)
		}
		return Member{}, fserrors.New(fserrors.KindDecodeError, "tarscan.Next", "", err)
	}

	m := Member{
		Name:         hdr.Name,
		Typeflag:     hdr.Typeflag,
		Size:         hdr.Size,
		ModTime:      hdr.ModTime.Unix(),
		Mode:         hdr.Mode,
		Uid:          hdr.Uid,
		Gid:          hdr.Gid,
		Linkname:     hdr.Linkname,
		IsSparse:     isSparse(hdr),
		OffsetHeader: headerOffset,
		OffsetData:   s.counter.n,
	}
	return m, nil
}

// Truncated reports whether the underlying stream ended mid-member.
func (s *Scanner) Truncated() bool { return s.truncated }

// Reader returns an io.Reader over the current member's payload, valid
// until the next call to Next.
func (s *Scanner) Reader() io.Reader { return s.tr }

// isSparse reports whether hdr describes a GNU sparse member, in either the
// old GNU header form or the PAX "GNU.sparse.*" record form.
func isSparse(hdr *tar.Header) bool {
	if hdr.Typeflag == tar.TypeGNUSparse {
		return true
	}
	for k := range hdr.PAXRecords {
		if strings.HasPrefix(k, "GNU.sparse.") {
			return true
		}
	}
	return false
}

func isTruncation(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// countingReader tracks the number of bytes consumed from the underlying
// reader so OffsetHeader/OffsetData can be recorded without the caller
// needing a separate io.SectionReader per member.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// NormalizePath splits a raw TAR header name into (path, name) the way the
// Indexer stores it: exactly one leading '/', no trailing '/', and the
// final path component split off into name. The root member normalizes to
// ("", "").
func NormalizePath(raw string) (dir, name string) {
	clean := path.Clean("/" + strings.TrimPrefix(raw, "./"))
	if clean == "/" {
		return "", ""
	}
	clean = strings.TrimSuffix(clean, "/")
	dir, name = path.Split(clean)
	dir = strings.TrimSuffix(dir, "/")
	return dir, name
}

// ModeBits OR's the filesystem type bits onto the TAR header's permission
// bits, the way the Indexer computes the "mode" column.
func ModeBits(typeflag byte, perm int64) int64 {
	const (
		sIFDIR  = 0040000
		sIFREG  = 0100000
		sIFLNK  = 0120000
		sIFCHR  = 0020000
		sIFBLK  = 0060000
		sIFIFO  = 0010000
	)
	// Keep setuid/setgid/sticky (07000) along with the permission bits
	// (0777); the Python original preserves these too.
	perm &= 07777
	switch typeflag {
	case tar.TypeDir:
		return perm | sIFDIR
	case tar.TypeSymlink:
		return perm | sIFLNK
	case tar.TypeChar:
		return perm | sIFCHR
	case tar.TypeBlock:
		return perm | sIFBLK
	case tar.TypeFifo:
		return perm | sIFIFO
	default:
		return perm | sIFREG
	}
}
