// Package indexer implements the Indexer: it walks a TAR stream with the
// TAR Scanner, normalizes and stages each member into the Index Store, and
// — in recursive mode — descends into nested .tar members so their
// contents appear as ordinary directories in the finished index.
//
// Grounded on the pack's indexer/layerscanner.go for its context-aware
// slog.*Context logging and cancellation-checked scan loop, generalized
// from "one goroutine per (layer, scanner) pair" to "one recursive call per
// nested archive member."
package indexer

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/gotarfs/gotarfs/internal/czip"
	"github.com/gotarfs/gotarfs/internal/fserrors"
	"github.com/gotarfs/gotarfs/internal/index"
	"github.com/gotarfs/gotarfs/internal/tarscan"
)

// Options configures one archive scan.
type Options struct {
	// Recursive enables descending into nested .tar members per spec.md
	// §4.4. When false, a member named "*.tar" is indexed as a plain file.
	Recursive bool
	// GzipSeekSpacing overrides the gzip checkpoint spacing in bytes; zero
	// uses the gzip package's built-in default.
	GzipSeekSpacing int64
}

// TarStats is the serialized form persisted under the metadata.tarstats
// key, used by the Index Lifecycle to detect a stale index.
type TarStats struct {
	Size  int64 `json:"st_size"`
	MTime int64 `json:"st_mtime"`
}

// StatArchive builds a TarStats snapshot from an open archive file.
func StatArchive(f *os.File) (TarStats, error) {
	info, err := f.Stat()
	if err != nil {
		return TarStats{}, fserrors.New(fserrors.KindIO, "indexer.StatArchive", f.Name(), err)
	}
	return TarStats{Size: info.Size(), MTime: info.ModTime().Unix()}, nil
}

// Indexer orchestrates one archive scan into a Store that has already had
// CreateTables called on it.
type Indexer struct {
	store *index.Store
	opts  Options

	order int64 // next files_tmp.insertion_order
}

// New returns an Indexer writing into store.
func New(store *index.Store, opts Options) *Indexer {
	return &Indexer{store: store, opts: opts}
}

// Scan runs the algorithm in spec.md §4.4 against the archive at
// archivePath, populating the Indexer's Store and leaving it finalized
// (files_tmp and parent_folders emptied but not dropped, files populated
// and sorted).
func (ix *Indexer) Scan(ctx context.Context, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fserrors.New(fserrors.KindIO, "indexer.Scan", archivePath, err)
	}
	defer f.Close()

	stat, err := StatArchive(f)
	if err != nil {
		return err
	}

	stream, format, czr, err := openArchiveStream(f, ix.opts.GzipSeekSpacing)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "indexer scan starting", "path", archivePath, "format", format, "recursive", ix.opts.Recursive)

	if err := ix.scanStream(ctx, "", stream, 0); err != nil {
		return fmt.Errorf("indexer: scanning %s: %w", archivePath, err)
	}

	if err := ix.store.Finalize(ctx); err != nil {
		return err
	}
	if err := ix.store.SetVersion(ctx); err != nil {
		return err
	}
	blob, err := json.Marshal(stat)
	if err != nil {
		return fserrors.New(fserrors.KindIO, "indexer.Scan", archivePath, err)
	}
	if err := ix.store.SetMetadata(ctx, "tarstats", string(blob)); err != nil {
		return err
	}

	if czr != nil {
		table, err := czip.ExportTable(czr, format, f, stat.Size)
		if err != nil {
			return err
		}
		switch format {
		case czip.FormatBzip2:
			if err := ix.store.PersistBzip2Table(ctx, table.Bzip2Points); err != nil {
				return err
			}
		case czip.FormatGzip:
			if err := ix.store.PersistGzipTable(ctx, table.GzipPoints); err != nil {
				return err
			}
		}
	}

	slog.InfoContext(ctx, "indexer scan complete", "path", archivePath, "members", ix.order)
	return nil
}

// openArchiveStream picks the raw file or, for a compressed archive, a
// fresh Compressed Random-Access Reader positioned at its start. czr is
// non-nil only in the compressed case, so Scan knows whether there's a
// seek table to export afterward.
func openArchiveStream(f *os.File, gzipSpacing int64) (io.Reader, czip.Format, czip.Reader, error) {
	format, err := czip.Detect(f)
	if err != nil {
		if fserrors.KindOf(err) == fserrors.KindUnsupportedCompression {
			return f, czip.FormatUnknown, nil, nil
		}
		return nil, czip.FormatUnknown, nil, err
	}
	r, format, err := czip.OpenForIndexing(f, gzipSpacing)
	if err != nil {
		return nil, format, nil, err
	}
	return r, format, r, nil
}

// scanStream walks one TAR stream into files_tmp, recursing into nested
// .tar members when recursive mode is enabled.
//
// prefix is the full path this stream's members are nested under: "" at
// the top level, or a nested .tar member's own full path one level down.
// base is prefix's position in the top-level archive's logical coordinate
// space; it's added to every member's offsets so offset_header/offset_data
// stay meaningful to the Read Path regardless of nesting depth.
func (ix *Indexer) scanStream(ctx context.Context, prefix string, r io.Reader, base int64) error {
	sc := tarscan.New(r)
	cache := newAncestorCache()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m, err := sc.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		dir, name := tarscan.NormalizePath(m.Name)
		fullDir := prefix + dir

		rec := index.Record{
			Path:         fullDir,
			Name:         name,
			OffsetHeader: base + m.OffsetHeader,
			OffsetData:   base + m.OffsetData,
			Size:         m.Size,
			MTime:        m.ModTime,
			Mode:         tarscan.ModeBits(m.Typeflag, m.Mode),
			Type:         int64(m.Typeflag),
			Linkname:     m.Linkname,
			UID:          int64(m.Uid),
			GID:          int64(m.Gid),
			IsSparse:     m.IsSparse,
		}

		if ix.opts.Recursive && m.Typeflag == tar.TypeReg && hasTarSuffix(name) {
			rec, err = ix.tryDescend(ctx, rec, fullDir, name, base+m.OffsetData, sc)
			if err != nil {
				return err
			}
		}

		if err := ix.store.InsertTmp(ctx, rec, ix.order); err != nil {
			return err
		}
		ix.order++

		for _, a := range ancestorDirs(fullDir) {
			if cache.tried(a) {
				continue
			}
			parent, nm := splitAncestor(a)
			if err := ix.store.InsertParentFolder(ctx, parent, nm); err != nil {
				return err
			}
			cache.remember(a)
		}
	}
}

// tryDescend attempts the recursive nested-archive descent spec.md §4.4
// describes. It buffers the candidate member's payload (rather than
// reading the outer tar.Reader out from under itself) and scopes the
// nested scan's writes in a SAVEPOINT so a candidate that turns out not to
// be a valid TAR is rolled back without leaving a trace, per spec.md §9.
func (ix *Indexer) tryDescend(ctx context.Context, rec index.Record, fullDir, name string, nestedBase int64, sc *tarscan.Scanner) (index.Record, error) {
	payload, err := io.ReadAll(sc.Reader())
	if err != nil {
		// The member itself was truncated; this isn't a nested-descent
		// failure, it's the outer scan failing outright.
		return rec, err
	}

	sp := savepointName()
	if err := ix.store.Savepoint(ctx, sp); err != nil {
		return rec, err
	}

	nestedPrefix := joinPath(fullDir, name)
	nestedErr := ix.scanStream(ctx, nestedPrefix, bytes.NewReader(payload), nestedBase)
	if nestedErr != nil {
		if err := ix.store.RollbackSavepoint(ctx, sp); err != nil {
			return rec, err
		}
		slog.DebugContext(ctx, "nested archive invalid, keeping as plain file", "path", nestedPrefix, "reason", nestedErr)
		return rec, nil
	}

	if err := ix.store.ReleaseSavepoint(ctx, sp); err != nil {
		return rec, err
	}
	rec.Mode = dirModeWithExecBits(rec.Mode)
	rec.IsTar = true
	return rec, nil
}

// dirModeWithExecBits rewrites a plain file's mode into a traversable
// directory mode: a regular file's permission bits commonly have no
// execute bits set, which would make the synthesized directory untraversable
// despite being correctly typed as a directory. Mirrors each read bit into
// its matching execute bit before applying S_IFDIR, the same derivation the
// original ratarmount does for this exact transition.
func dirModeWithExecBits(perm int64) int64 {
	const (
		rUsr, xUsr = 0400, 0100
		rGrp, xGrp = 0040, 0010
		rOth, xOth = 0004, 0001
	)
	p := perm & 0777
	if p&rUsr != 0 {
		p |= xUsr
	}
	if p&rGrp != 0 {
		p |= xGrp
	}
	if p&rOth != 0 {
		p |= xOth
	}
	return tarscan.ModeBits(tar.TypeDir, p)
}

// savepointName returns a SAVEPOINT identifier unique to this descent,
// built from a random uuid rather than a counter so that nothing about a
// name leaks how deep or how many nested archives a scan has visited.
// SQLite savepoint names are bare identifiers, so the uuid's hyphens are
// rewritten to underscores.
func savepointName() string {
	return "nested_" + strings.ReplaceAll(uuid.NewString(), "-", "_")
}

func hasTarSuffix(name string) bool {
	const suffix = ".tar"
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}

func joinPath(dir, name string) string {
	if dir == "" {
		return "/" + name
	}
	return dir + "/" + name
}
