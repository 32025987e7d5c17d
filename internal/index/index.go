// Package index implements the Index Store: relational persistence of TAR
// member records, synthesized parent directories, version and archive-stat
// metadata, and compression seek tables, backed by modernc.org/sqlite (pure
// Go, no cgo) through database/sql.
//
// Grounded on the pack's rpm/sqlite package: sql.Open("sqlite", ...) with
// pragmas passed as query parameters on a file: URL, and go:embed for the
// bootstrap SQL, collapsed here to a single CREATE TABLE IF NOT EXISTS pass
// since there is exactly one schema version rather than a running
// migration chain.
package index

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/gotarfs/gotarfs/internal/czip/bzip2"
	"github.com/gotarfs/gotarfs/internal/czip/gzip"
	"github.com/gotarfs/gotarfs/internal/fserrors"
)

//go:embed schema.sql
var schemaSQL string

// IndexerName and IndexerVersion are recorded in the versions table on
// every successful scan, and compared against on load per spec.md §4.6.
//
// IndexerMinor starts at 0, so lifecycle.validate's "minor < IndexerMinor"
// rejection is a no-op until this is bumped above 0 for the first time;
// harmless today, but worth remembering when the schema's minor version
// actually needs to start rejecting older indexes.
const (
	IndexerName  = "gotarfs"
	IndexerMajor = 1
	IndexerMinor = 0
	IndexerPatch = 0
)

// Record is one row of the files (or files_tmp) table.
type Record struct {
	Path         string
	Name         string
	OffsetHeader int64
	OffsetData   int64
	Size         int64
	MTime        int64
	Mode         int64
	Type         int64
	Linkname     string
	UID, GID     int64
	IsTar        bool
	IsSparse     bool
}

// Store is a handle to one archive's index database.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the SQLite database at path. When
// forCreation is true, the connection is tuned per spec.md §4.5: no
// journaling, no durability fsyncs, exclusive locking — a crash during
// indexing is expected to yield an unloadable index, which the Index
// Lifecycle detects and recreates rather than trying to repair in place.
func Open(path string, forCreation bool) (*Store, error) {
	v := url.Values{}
	if forCreation {
		v["_pragma"] = []string{
			"journal_mode(OFF)",
			"synchronous(OFF)",
			"locking_mode(EXCLUSIVE)",
		}
	} else {
		v["_pragma"] = []string{"query_only(1)"}
	}
	u := url.URL{Scheme: "file", Opaque: path, RawQuery: v.Encode()}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, fserrors.New(fserrors.KindIO, "index.Open", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fserrors.New(fserrors.KindIO, "index.Open", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// CreateTables bootstraps the schema. Per spec.md §4.4 step 1, it refuses
// to proceed if files, files_tmp, or parent_folders already hold rows —
// that signals a prior index (complete or crashed) occupying this path.
func (s *Store) CreateTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fserrors.New(fserrors.KindIO, "index.CreateTables", "", err)
	}
	for _, table := range []string{"files", "files_tmp", "parent_folders"} {
		n, err := s.rowCount(ctx, table)
		if err != nil {
			return err
		}
		if n > 0 {
			return fserrors.New(fserrors.KindIndexCorrupt, "index.CreateTables", table, nil)
		}
	}
	return nil
}

func (s *Store) rowCount(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&n); err != nil {
		return 0, fserrors.New(fserrors.KindIO, "index.rowCount", table, err)
	}
	return n, nil
}

// FilesPopulated reports whether the files table holds at least one row,
// the Index Lifecycle's cheap substitute for "does a usable index exist
// here at all."
func (s *Store) FilesPopulated(ctx context.Context) (bool, error) {
	n, err := s.rowCount(ctx, "files")
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StaleScanArtifacts reports whether files_tmp or parent_folders still have rows,
// which per spec.md §4.6 means a prior scan crashed mid-run.
func (s *Store) StaleScanArtifacts(ctx context.Context) (bool, error) {
	for _, table := range []string{"files_tmp", "parent_folders"} {
		n, err := s.rowCount(ctx, table)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

const insertColumns = `path, name, offset_header, offset_data, size, mtime, mode, type, linkname, uid, gid, is_tar, is_sparse`

// InsertTmp appends r to files_tmp, unsorted, tagged with a monotonically
// increasing insertion_order so the final sorted copy can break ties by
// scan order the way spec.md §4.4 step 4 requires.
func (s *Store) InsertTmp(ctx context.Context, r Record, insertionOrder int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files_tmp (`+insertColumns+`, insertion_order) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.Path, r.Name, r.OffsetHeader, r.OffsetData, r.Size, r.MTime, r.Mode, r.Type, r.Linkname, r.UID, r.GID, boolInt(r.IsTar), boolInt(r.IsSparse), insertionOrder)
	if err != nil {
		return fserrors.New(fserrors.KindIO, "index.InsertTmp", r.Path+"/"+r.Name, err)
	}
	return nil
}

// InsertParentFolder records one strict ancestor of a member's path. The
// Indexer guards repeated calls with its own bounded cache; this method is
// intentionally just an insert-or-ignore.
func (s *Store) InsertParentFolder(ctx context.Context, dir, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO parent_folders (path, name) VALUES (?, ?)`, dir, name)
	if err != nil {
		return fserrors.New(fserrors.KindIO, "index.InsertParentFolder", dir+"/"+name, err)
	}
	return nil
}

// Finalize performs spec.md §4.4 step 4: copy files_tmp into files sorted
// by (path, name, insertion_order), empty files_tmp, then synthesize a
// directory row for every parent_folders entry lacking an explicit row in
// files. files_tmp and parent_folders are left empty; the tables themselves
// are kept, not dropped.
func (s *Store) Finalize(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fserrors.New(fserrors.KindIO, "index.Finalize", "", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+insertColumns+` FROM files_tmp ORDER BY path, name, insertion_order`)
	if err != nil {
		return fserrors.New(fserrors.KindIO, "index.Finalize", "select files_tmp", err)
	}
	var records []Record
	for rows.Next() {
		var r Record
		var isTar, isSparse int
		if err := rows.Scan(&r.Path, &r.Name, &r.OffsetHeader, &r.OffsetData, &r.Size, &r.MTime, &r.Mode, &r.Type, &r.Linkname, &r.UID, &r.GID, &isTar, &isSparse); err != nil {
			rows.Close()
			return fserrors.New(fserrors.KindIO, "index.Finalize", "scan files_tmp", err)
		}
		r.IsTar, r.IsSparse = isTar != 0, isSparse != 0
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fserrors.New(fserrors.KindIO, "index.Finalize", "iterate files_tmp", err)
	}

	seen := make(map[[2]string]struct{}, len(records))
	for _, r := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO files (`+insertColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.Path, r.Name, r.OffsetHeader, r.OffsetData, r.Size, r.MTime, r.Mode, r.Type, r.Linkname, r.UID, r.GID, boolInt(r.IsTar), boolInt(r.IsSparse)); err != nil {
			return fserrors.New(fserrors.KindIO, "index.Finalize", "insert files", err)
		}
		seen[[2]string{r.Path, r.Name}] = struct{}{}
	}

	parentRows, err := tx.QueryContext(ctx, `SELECT path, name FROM parent_folders`)
	if err != nil {
		return fserrors.New(fserrors.KindIO, "index.Finalize", "select parent_folders", err)
	}
	var missing [][2]string
	for parentRows.Next() {
		var p, n string
		if err := parentRows.Scan(&p, &n); err != nil {
			parentRows.Close()
			return fserrors.New(fserrors.KindIO, "index.Finalize", "scan parent_folders", err)
		}
		if _, ok := seen[[2]string{p, n}]; !ok {
			missing = append(missing, [2]string{p, n})
		}
	}
	parentRows.Close()
	if err := parentRows.Err(); err != nil {
		return fserrors.New(fserrors.KindIO, "index.Finalize", "iterate parent_folders", err)
	}

	const synthesizedDirMode = 0555 | 0040000 // 0555 | S_IFDIR
	for _, pn := range missing {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO files (`+insertColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			pn[0], pn[1], 0, 0, 0, 0, synthesizedDirMode, int64('5'), "", 0, 0, 0, 0); err != nil {
			return fserrors.New(fserrors.KindIO, "index.Finalize", "synthesize directory", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM files_tmp`); err != nil {
		return fserrors.New(fserrors.KindIO, "index.Finalize", "drop files_tmp", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM parent_folders`); err != nil {
		return fserrors.New(fserrors.KindIO, "index.Finalize", "drop parent_folders", err)
	}
	if err := tx.Commit(); err != nil {
		return fserrors.New(fserrors.KindIO, "index.Finalize", "commit", err)
	}
	return nil
}

// SetVersion records this build's indexer identity in the versions table.
func (s *Store) SetVersion(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO versions (name, version, major, minor, patch) VALUES (?,?,?,?,?)`,
		IndexerName, fmt.Sprintf("%d.%d.%d", IndexerMajor, IndexerMinor, IndexerPatch), IndexerMajor, IndexerMinor, IndexerPatch)
	if err != nil {
		return fserrors.New(fserrors.KindIO, "index.SetVersion", "", err)
	}
	return nil
}

// Version reports the minor version recorded for name, and whether a row
// exists at all (legacy indices predating the versions table are accepted
// with a warning by the caller, never written back to).
func (s *Store) Version(ctx context.Context, name string) (minor int, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT minor FROM versions WHERE name = ?`, name)
	if scanErr := row.Scan(&minor); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fserrors.New(fserrors.KindIO, "index.Version", name, scanErr)
	}
	return minor, true, nil
}

// SetMetadata persists a key/value pair, primarily the serialized
// "tarstats" snapshot used for staleness detection.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fserrors.New(fserrors.KindIO, "index.SetMetadata", key, err)
	}
	return nil
}

// Metadata retrieves a previously persisted value, reporting ok=false if
// absent.
func (s *Store) Metadata(ctx context.Context, key string) (value string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fserrors.New(fserrors.KindIO, "index.Metadata", key, scanErr)
	}
	return value, true, nil
}

// Stat returns the single row matching (path, name), or ok=false if absent.
func (s *Store) Stat(ctx context.Context, dir, name string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+insertColumns+` FROM files WHERE path = ? AND name = ?`, dir, name)
	var r Record
	var isTar, isSparse int
	err := row.Scan(&r.Path, &r.Name, &r.OffsetHeader, &r.OffsetData, &r.Size, &r.MTime, &r.Mode, &r.Type, &r.Linkname, &r.UID, &r.GID, &isTar, &isSparse)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fserrors.New(fserrors.KindIO, "index.Stat", dir+"/"+name, err)
	}
	r.IsTar, r.IsSparse = isTar != 0, isSparse != 0
	return r, true, nil
}

// ReadDir returns every record whose path equals dir, sorted by name.
func (s *Store) ReadDir(ctx context.Context, dir string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+insertColumns+` FROM files WHERE path = ?`, dir)
	if err != nil {
		return nil, fserrors.New(fserrors.KindIO, "index.ReadDir", dir, err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var isTar, isSparse int
		if err := rows.Scan(&r.Path, &r.Name, &r.OffsetHeader, &r.OffsetData, &r.Size, &r.MTime, &r.Mode, &r.Type, &r.Linkname, &r.UID, &r.GID, &isTar, &isSparse); err != nil {
			return nil, fserrors.New(fserrors.KindIO, "index.ReadDir", dir, err)
		}
		r.IsTar, r.IsSparse = isTar != 0, isSparse != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fserrors.New(fserrors.KindIO, "index.ReadDir", dir, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PersistBzip2Table writes a bzip2 block-point table, replacing any prior
// contents.
func (s *Store) PersistBzip2Table(ctx context.Context, points []bzip2.BlockPoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fserrors.New(fserrors.KindIO, "index.PersistBzip2Table", "", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM bzip2blocks`); err != nil {
		return fserrors.New(fserrors.KindIO, "index.PersistBzip2Table", "clear", err)
	}
	for _, p := range points {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bzip2blocks (block_offset, data_offset) VALUES (?, ?)`, p.BitOffset, p.UncompressedOffset); err != nil {
			return fserrors.New(fserrors.KindIO, "index.PersistBzip2Table", "insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fserrors.New(fserrors.KindIO, "index.PersistBzip2Table", "commit", err)
	}
	return nil
}

// LoadBzip2Table reads back a persisted bzip2 block-point table, ordered by
// uncompressed offset.
func (s *Store) LoadBzip2Table(ctx context.Context) ([]bzip2.BlockPoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT block_offset, data_offset FROM bzip2blocks ORDER BY data_offset`)
	if err != nil {
		return nil, fserrors.New(fserrors.KindIO, "index.LoadBzip2Table", "", err)
	}
	defer rows.Close()
	var out []bzip2.BlockPoint
	for rows.Next() {
		var p bzip2.BlockPoint
		if err := rows.Scan(&p.BitOffset, &p.UncompressedOffset); err != nil {
			return nil, fserrors.New(fserrors.KindIO, "index.LoadBzip2Table", "", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PersistGzipTable serializes the gzip checkpoint table as a single opaque
// blob, per spec.md §4.5's "gzip_index(data BLOB)" schema.
func (s *Store) PersistGzipTable(ctx context.Context, points []gzip.CheckPoint) error {
	blob := encodeGzipTable(points)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gzip_index`); err != nil {
		return fserrors.New(fserrors.KindIO, "index.PersistGzipTable", "clear", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO gzip_index (data) VALUES (?)`, blob); err != nil {
		return fserrors.New(fserrors.KindIO, "index.PersistGzipTable", "insert", err)
	}
	return nil
}

// LoadGzipTable reads back the persisted gzip checkpoint table, if any.
func (s *Store) LoadGzipTable(ctx context.Context) ([]gzip.CheckPoint, bool, error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx, `SELECT data FROM gzip_index LIMIT 1`)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fserrors.New(fserrors.KindIO, "index.LoadGzipTable", "", err)
	}
	points, err := decodeGzipTable(blob)
	if err != nil {
		return nil, false, fserrors.New(fserrors.KindIndexCorrupt, "index.LoadGzipTable", "", err)
	}
	return points, true, nil
}

// Savepoint opens a named SQLite SAVEPOINT, letting the Indexer scope a
// nested-archive descent's writes so a failed descent can be rolled back in
// one statement instead of tracking every row it touched.
func (s *Store) Savepoint(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fserrors.New(fserrors.KindIO, "index.Savepoint", name, err)
	}
	return nil
}

// ReleaseSavepoint commits a savepoint's writes into the enclosing scope.
func (s *Store) ReleaseSavepoint(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fserrors.New(fserrors.KindIO, "index.ReleaseSavepoint", name, err)
	}
	return nil
}

// RollbackSavepoint discards every write made since Savepoint(name),
// implementing spec.md §9's "silently revert to a plain file, keeping no
// trace of the partial scan" policy for a nested archive that turned out
// not to be a valid TAR partway through.
func (s *Store) RollbackSavepoint(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fserrors.New(fserrors.KindIO, "index.RollbackSavepoint", name, err)
	}
	return nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
