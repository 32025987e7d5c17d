package readpath

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gotarfs/gotarfs/internal/index"
	"github.com/gotarfs/gotarfs/internal/indexer"
)

// memStream adapts a bytes.Reader to czip.Reader for tests that don't need
// real compression.
type memStream struct{ r *bytes.Reader }

func (m memStream) Read(p []byte) (int, error) { return m.r.Read(p) }
func (m memStream) Seek(pos int64) (int64, error) {
	return m.r.Seek(pos, io.SeekStart)
}

func buildArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	entries := []struct {
		hdr     *tar.Header
		content []byte
	}{
		{&tar.Header{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0755}, nil},
		{&tar.Header{Name: "dir/file.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 11}, []byte("hello world")},
		{&tar.Header{Name: "dir/symlink.txt", Typeflag: tar.TypeSymlink, Mode: 0777, Linkname: "dir/file.txt"}, nil},
		{&tar.Header{Name: "dir/hardlink.txt", Typeflag: tar.TypeLink, Mode: 0644, Linkname: "dir/file.txt"}, nil},
		{&tar.Header{Name: "dir/loop.txt", Typeflag: tar.TypeLink, Mode: 0644, Linkname: "dir/loop.txt"}, nil},
	}
	for _, e := range entries {
		if err := tw.WriteHeader(e.hdr); err != nil {
			t.Fatalf("WriteHeader(%s): %v", e.hdr.Name, err)
		}
		if len(e.content) > 0 {
			if _, err := tw.Write(e.content); err != nil {
				t.Fatalf("Write(%s): %v", e.hdr.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func newTestPath(t *testing.T) (*Path, []byte) {
	t.Helper()
	data := buildArchive(t)
	archivePath := filepath.Join(t.TempDir(), "test.tar")
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	storePath := filepath.Join(t.TempDir(), "test.index.sqlite")
	store, err := index.Open(storePath, true)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	if err := store.CreateTables(ctx); err != nil {
		t.Fatalf("CreateTables: %v", err)
	}
	ix := indexer.New(store, indexer.Options{})
	if err := ix.Scan(ctx, archivePath); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	stream := memStream{bytes.NewReader(data)}
	return New(store, stream), data
}

func TestLookupReaddirReadlink(t *testing.T) {
	p, _ := newTestPath(t)
	ctx := context.Background()

	if _, err := p.Lookup(ctx, "/dir/file.txt"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	entries, err := p.Readdir(ctx, "/dir")
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	sort.Strings(names)
	want := []string{"file.txt", "hardlink.txt", "loop.txt", "symlink.txt"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("Readdir(/dir) names mismatch (-want +got):\n%s", diff)
	}

	target, err := p.Readlink(ctx, "/dir/symlink.txt")
	if err != nil || target != "dir/file.txt" {
		t.Fatalf("Readlink = %q, %v", target, err)
	}

	if _, err := p.Lookup(ctx, "/does/not/exist"); err == nil {
		t.Fatalf("Lookup(missing) should have failed")
	}
}

func TestReadDereferencesHardlinkOneHopAndRejectsLoop(t *testing.T) {
	p, _ := newTestPath(t)
	ctx := context.Background()

	got, err := p.Read(ctx, "/dir/hardlink.txt", 0, 11)
	if err != nil {
		t.Fatalf("Read(hardlink): %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("Read(hardlink) = %q, want %q", got, "hello world")
	}

	if _, err := p.Read(ctx, "/dir/loop.txt", 0, 1); err == nil {
		t.Fatalf("Read(self-referential link) should have failed")
	}
}

func TestReadRegularFileAtOffset(t *testing.T) {
	p, _ := newTestPath(t)
	ctx := context.Background()

	got, err := p.Read(ctx, "/dir/file.txt", 6, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("Read(offset 6) = %q, want %q", got, "world")
	}
}
