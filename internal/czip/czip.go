// Package czip is the Compressed Random-Access Reader facade: it detects
// which compression format an archive uses from its magic bytes, opens the
// matching variant (internal/czip/bzip2 or internal/czip/gzip), and
// validates an imported seek-point table against the compressed file it
// claims to describe before handing it to either variant.
//
// Grounded on quay-claircore's compression-detection pattern in
// indexer/layerscanner.go (sniffing a small header before picking a
// decompressor) and on spec.md §4.2's contract for UnsupportedCompression,
// DecodeError, and SeekTableStale.
package czip

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/gotarfs/gotarfs/internal/czip/bzip2"
	"github.com/gotarfs/gotarfs/internal/czip/gzip"
	"github.com/gotarfs/gotarfs/internal/fserrors"
)

// Format identifies a detected compression format.
type Format int

const (
	FormatUnknown Format = iota
	FormatBzip2
	FormatGzip
)

// Detect sniffs the first few bytes of src to determine its compression
// format. It never returns FormatUnknown without also returning a non-nil
// error.
func Detect(src io.ReaderAt) (Format, error) {
	var magic [3]byte
	n, err := src.ReadAt(magic[:], 0)
	if err != nil && err != io.EOF {
		return FormatUnknown, fserrors.New(fserrors.KindIO, "czip.Detect", "", err)
	}
	switch {
	case n >= 3 && magic[0] == 'B' && magic[1] == 'Z' && magic[2] == 'h':
		return FormatBzip2, nil
	case n >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		return FormatGzip, nil
	default:
		return FormatUnknown, fserrors.New(fserrors.KindUnsupportedCompression, "czip.Detect", "", nil)
	}
}

// Reader is the common interface both compression variants satisfy: a
// logical, seekable view of the archive's uncompressed byte stream.
type Reader interface {
	io.Reader
	Seek(pos int64) (int64, error)
}

// SeekTable is the persisted form of either variant's checkpoint table,
// tagged with the format it belongs to and a fingerprint of the compressed
// file it was built from.
type SeekTable struct {
	Format       Format
	FileSize     int64
	FileSHA256   string
	Bzip2Points  []bzip2.BlockPoint
	GzipPoints   []gzip.CheckPoint
}

// Open detects the format and returns a Reader. If table is non-nil and
// matches fingerprint(src), it is installed before any reads are served;
// otherwise a fresh Reader is returned with an empty table, mirroring
// spec.md §4.2's "discard and rebuild" policy.
func Open(src io.ReaderAt, size int64, table *SeekTable) (Reader, Format, error) {
	format, err := Detect(src)
	if err != nil {
		return nil, FormatUnknown, err
	}

	if table != nil {
		if stale, err := SeekTableStale(src, size, table); err != nil {
			return nil, format, err
		} else if stale {
			table = nil
		}
	}

	switch format {
	case FormatBzip2:
		r, err := bzip2.New(src)
		if err != nil {
			return nil, format, fserrors.New(fserrors.KindDecodeError, "czip.Open", "", err)
		}
		if table != nil && table.Format == FormatBzip2 {
			r.LoadTable(table.Bzip2Points)
		}
		return bzip2Reader{r}, format, nil
	case FormatGzip:
		r, err := gzip.New(src)
		if err != nil {
			return nil, format, fserrors.New(fserrors.KindDecodeError, "czip.Open", "", err)
		}
		if table != nil && table.Format == FormatGzip {
			r.LoadTable(table.GzipPoints)
		}
		return gzipReader{r}, format, nil
	default:
		return nil, format, fserrors.New(fserrors.KindUnsupportedCompression, "czip.Open", "", nil)
	}
}

// OpenForIndexing opens a fresh reader for indexing a brand-new archive:
// no seek table to reconcile, and for gzip, a caller-chosen checkpoint
// spacing (the -gs/--gzip-seek-point-spacing CLI flag) rather than the
// gzip package's built-in default.
func OpenForIndexing(src io.ReaderAt, gzipSpacing int64) (Reader, Format, error) {
	format, err := Detect(src)
	if err != nil {
		return nil, FormatUnknown, err
	}
	switch format {
	case FormatBzip2:
		r, err := bzip2.New(src)
		if err != nil {
			return nil, format, fserrors.New(fserrors.KindDecodeError, "czip.OpenForIndexing", "", err)
		}
		return bzip2Reader{r}, format, nil
	case FormatGzip:
		var r *gzip.Reader
		var err error
		if gzipSpacing > 0 {
			r, err = gzip.NewWithSpacing(src, gzipSpacing)
		} else {
			r, err = gzip.New(src)
		}
		if err != nil {
			return nil, format, fserrors.New(fserrors.KindDecodeError, "czip.OpenForIndexing", "", err)
		}
		return gzipReader{r}, format, nil
	default:
		return nil, format, fserrors.New(fserrors.KindUnsupportedCompression, "czip.OpenForIndexing", "", nil)
	}
}

// Attach opens format's reader over src and installs table directly, with
// no staleness check against table's recorded fingerprint. It exists for
// callers that already trust the table by construction — the Index
// Lifecycle, loading a table it persisted itself alongside a tarstats
// comparison it has already performed — as opposed to Open, which is the
// entry point for a table arriving from an untrusted or external source.
func Attach(src io.ReaderAt, format Format, table *SeekTable) (Reader, error) {
	switch format {
	case FormatBzip2:
		r, err := bzip2.New(src)
		if err != nil {
			return nil, fserrors.New(fserrors.KindDecodeError, "czip.Attach", "", err)
		}
		if table != nil {
			r.LoadTable(table.Bzip2Points)
		}
		return bzip2Reader{r}, nil
	case FormatGzip:
		r, err := gzip.New(src)
		if err != nil {
			return nil, fserrors.New(fserrors.KindDecodeError, "czip.Attach", "", err)
		}
		if table != nil {
			r.LoadTable(table.GzipPoints)
		}
		return gzipReader{r}, nil
	default:
		return nil, fserrors.New(fserrors.KindUnsupportedCompression, "czip.Attach", "", nil)
	}
}

// ExportTable asks a Reader for its checkpoint table (forcing a full
// sequential decode if one hasn't happened yet) and packages it alongside
// the compressed file's fingerprint for persistence.
func ExportTable(r Reader, format Format, src io.ReaderAt, size int64) (*SeekTable, error) {
	sum, err := fingerprint(src, size)
	if err != nil {
		return nil, err
	}
	table := &SeekTable{Format: format, FileSize: size, FileSHA256: sum}
	switch rr := r.(type) {
	case bzip2Reader:
		points, err := rr.r.Table()
		if err != nil {
			return nil, fserrors.New(fserrors.KindDecodeError, "czip.ExportTable", "", err)
		}
		table.Bzip2Points = points
	case gzipReader:
		points, err := rr.r.Table()
		if err != nil {
			return nil, fserrors.New(fserrors.KindDecodeError, "czip.ExportTable", "", err)
		}
		table.GzipPoints = points
	}
	return table, nil
}

// SeekTableStale reports whether an imported table disagrees with the
// current compressed file, per spec.md §4.2: a length mismatch or a
// checksum mismatch both count as stale.
func SeekTableStale(src io.ReaderAt, size int64, table *SeekTable) (bool, error) {
	if table.FileSize != size {
		return true, nil
	}
	sum, err := fingerprint(src, size)
	if err != nil {
		return false, err
	}
	return sum != table.FileSHA256, nil
}

func fingerprint(src io.ReaderAt, size int64) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(src, 0, size)); err != nil {
		return "", fserrors.New(fserrors.KindIO, "czip.fingerprint", "", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type bzip2Reader struct{ r *bzip2.Reader }

func (b bzip2Reader) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b bzip2Reader) Seek(pos int64) (int64, error) { return b.r.Seek(pos) }

type gzipReader struct{ r *gzip.Reader }

func (g gzipReader) Read(p []byte) (int, error)  { return g.r.Read(p) }
func (g gzipReader) Seek(pos int64) (int64, error) { return g.r.Seek(pos) }
