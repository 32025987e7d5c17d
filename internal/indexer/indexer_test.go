package indexer

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gotarfs/gotarfs/internal/index"
)

func buildTar(t *testing.T, entries []*tar.Header, contents [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for i, h := range entries {
		if err := tw.WriteHeader(h); err != nil {
			t.Fatalf("WriteHeader(%s): %v", h.Name, err)
		}
		if i < len(contents) && len(contents[i]) > 0 {
			if _, err := tw.Write(contents[i]); err != nil {
				t.Fatalf("Write(%s): %v", h.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func newStore(t *testing.T) *index.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.index.sqlite")
	s, err := index.Open(path, true)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.CreateTables(context.Background()); err != nil {
		t.Fatalf("CreateTables: %v", err)
	}
	return s
}

func writeArchive(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "test.tar")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestScanPopulatesFiles(t *testing.T) {
	data := buildTar(t, []*tar.Header{
		{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0755},
		{Name: "dir/b.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 5},
		{Name: "a.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 3},
	}, [][]byte{nil, []byte("hello"), []byte("hi!")})

	archivePath := writeArchive(t, data)
	s := newStore(t)
	ix := New(s, Options{})
	ctx := context.Background()
	if err := ix.Scan(ctx, archivePath); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	root, err := s.ReadDir(ctx, "")
	if err != nil {
		t.Fatalf("ReadDir(\"\"): %v", err)
	}
	if len(root) != 2 {
		t.Fatalf("ReadDir(\"\") = %+v, want 2 entries", root)
	}

	rec, ok, err := s.Stat(ctx, "/dir", "b.txt")
	if err != nil || !ok {
		t.Fatalf("Stat(/dir, b.txt) ok=%v err=%v", ok, err)
	}
	if rec.Size != 5 {
		t.Fatalf("b.txt size = %d, want 5", rec.Size)
	}

	stale, err := s.StaleScanArtifacts(ctx)
	if err != nil || stale {
		t.Fatalf("StaleScanArtifacts = %v, %v; want false, nil", stale, err)
	}

	if _, ok, err := s.Metadata(ctx, "tarstats"); err != nil || !ok {
		t.Fatalf("Metadata(tarstats) ok=%v err=%v", ok, err)
	}
}

func TestRecursiveScanDescendsIntoNestedTar(t *testing.T) {
	nested := buildTar(t, []*tar.Header{
		{Name: "inner.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 4},
	}, [][]byte{[]byte("rawr")})

	outer := buildTar(t, []*tar.Header{
		{Name: "nested.tar", Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(nested))},
	}, [][]byte{nested})

	archivePath := writeArchive(t, outer)
	s := newStore(t)
	ix := New(s, Options{Recursive: true})
	ctx := context.Background()
	if err := ix.Scan(ctx, archivePath); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	top, ok, err := s.Stat(ctx, "", "nested.tar")
	if err != nil || !ok {
		t.Fatalf("Stat(\"\", nested.tar) ok=%v err=%v", ok, err)
	}
	if !top.IsTar {
		t.Fatalf("nested.tar should be marked IsTar, got %+v", top)
	}
	if top.Mode&0040000 == 0 {
		t.Fatalf("nested.tar should have been rewritten to a directory mode, got %o", top.Mode)
	}
	if perm := top.Mode & 0777; perm != 0755 {
		t.Fatalf("nested.tar directory should gain execute bits matching its read bits (0644 -> 0755), got %o", perm)
	}

	children, err := s.ReadDir(ctx, "/nested.tar")
	if err != nil {
		t.Fatalf("ReadDir(/nested.tar): %v", err)
	}
	if len(children) != 1 || children[0].Name != "inner.txt" {
		t.Fatalf("ReadDir(/nested.tar) = %+v", children)
	}
}

func TestRecursiveScanKeepsInvalidNestedTarAsPlainFile(t *testing.T) {
	garbage := []byte("this is not a tar archive, just some bytes padded out long enough to look plausible")
	outer := buildTar(t, []*tar.Header{
		{Name: "fake.tar", Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(garbage))},
	}, [][]byte{garbage})

	archivePath := writeArchive(t, outer)
	s := newStore(t)
	ix := New(s, Options{Recursive: true})
	ctx := context.Background()
	if err := ix.Scan(ctx, archivePath); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	rec, ok, err := s.Stat(ctx, "", "fake.tar")
	if err != nil || !ok {
		t.Fatalf("Stat(\"\", fake.tar) ok=%v err=%v", ok, err)
	}
	if rec.IsTar {
		t.Fatalf("fake.tar should not be marked IsTar: %+v", rec)
	}
	if rec.Mode&0040000 != 0 {
		t.Fatalf("fake.tar should keep its regular-file mode, got %o", rec.Mode)
	}

	stale, err := s.StaleScanArtifacts(ctx)
	if err != nil || stale {
		t.Fatalf("StaleScanArtifacts after a rolled-back descent = %v, %v; want false, nil", stale, err)
	}
}
