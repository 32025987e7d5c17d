package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gotarfs/gotarfs/internal/czip/bzip2"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.index.sqlite")
	s, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := s.CreateTables(ctx); err != nil {
		t.Fatalf("CreateTables: %v", err)
	}
	return s
}

func TestFinalizeSortsAndSynthesizesDirectories(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	records := []Record{
		{Path: "/dir", Name: "b.txt", Size: 3, Mode: 0100644},
		{Path: "", Name: "a.txt", Size: 10, Mode: 0100644},
	}
	for i, r := range records {
		if err := s.InsertTmp(ctx, r, int64(i)); err != nil {
			t.Fatalf("InsertTmp: %v", err)
		}
	}
	if err := s.InsertParentFolder(ctx, "", "dir"); err != nil {
		t.Fatalf("InsertParentFolder: %v", err)
	}

	if err := s.Finalize(ctx); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	root, err := s.ReadDir(ctx, "")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(root) != 2 {
		t.Fatalf("ReadDir(\"\") = %v, want 2 entries (a.txt, dir)", root)
	}
	names := map[string]bool{}
	for _, r := range root {
		names[r.Name] = true
	}
	if !names["a.txt"] || !names["dir"] {
		t.Fatalf("missing expected entries: %v", root)
	}

	dirRow, ok, err := s.Stat(ctx, "", "dir")
	if err != nil || !ok {
		t.Fatalf("Stat(\"\", \"dir\") ok=%v err=%v", ok, err)
	}
	if dirRow.Mode&0040000 == 0 {
		t.Fatalf("synthesized dir should carry the directory bit, got mode %o", dirRow.Mode)
	}

	children, err := s.ReadDir(ctx, "/dir")
	if err != nil {
		t.Fatalf("ReadDir(/dir): %v", err)
	}
	if len(children) != 1 || children[0].Name != "b.txt" {
		t.Fatalf("ReadDir(/dir) = %v", children)
	}

	stale, err := s.StaleScanArtifacts(ctx)
	if err != nil {
		t.Fatalf("StaleScanArtifacts: %v", err)
	}
	if stale {
		t.Fatalf("expected files_tmp/parent_folders to be empty after Finalize")
	}
}

func TestVersionAndMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.SetVersion(ctx); err != nil {
		t.Fatalf("SetVersion: %v", err)
	}
	minor, ok, err := s.Version(ctx, IndexerName)
	if err != nil || !ok || minor != IndexerMinor {
		t.Fatalf("Version = (%d, %v, %v)", minor, ok, err)
	}

	if err := s.SetMetadata(ctx, "tarstats", `{"size":123,"mtime":456}`); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	v, ok, err := s.Metadata(ctx, "tarstats")
	if err != nil || !ok || v != `{"size":123,"mtime":456}` {
		t.Fatalf("Metadata = (%q, %v, %v)", v, ok, err)
	}
}

func TestBzip2TableRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	points := []bzip2.BlockPoint{
		{BitOffset: 32, UncompressedOffset: 0},
		{BitOffset: 81920, UncompressedOffset: 102400},
	}
	if err := s.PersistBzip2Table(ctx, points); err != nil {
		t.Fatalf("PersistBzip2Table: %v", err)
	}
	got, err := s.LoadBzip2Table(ctx)
	if err != nil {
		t.Fatalf("LoadBzip2Table: %v", err)
	}
	if len(got) != len(points) {
		t.Fatalf("got %d points, want %d", len(got), len(points))
	}
	for i := range points {
		if got[i] != points[i] {
			t.Fatalf("point %d: got %+v, want %+v", i, got[i], points[i])
		}
	}
}
