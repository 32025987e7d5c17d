package lifecycle

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func writeTestArchive(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "hello.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 5}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write([]byte("world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p := filepath.Join(t.TempDir(), "archive.tar")
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestOpenBuildsAndReloadsIndex(t *testing.T) {
	archivePath := writeTestArchive(t)
	indexPath := archivePath + ".index.sqlite"
	ctx := context.Background()

	r1, err := Open(ctx, archivePath, Options{})
	if err != nil {
		t.Fatalf("Open (build): %v", err)
	}
	rec, ok, err := r1.Store.Stat(ctx, "", "hello.txt")
	if err != nil || !ok {
		t.Fatalf("Stat ok=%v err=%v", ok, err)
	}
	assert.Equal(t, int64(5), rec.Size)
	if err := r1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(indexPath); err != nil {
		t.Fatalf("expected index file at %s: %v", indexPath, err)
	}

	r2, err := Open(ctx, archivePath, Options{})
	if err != nil {
		t.Fatalf("Open (reload): %v", err)
	}
	defer r2.Close()
	if _, ok, err := r2.Store.Stat(ctx, "", "hello.txt"); err != nil || !ok {
		t.Fatalf("reloaded store missing hello.txt: ok=%v err=%v", ok, err)
	}
}

func TestOpenRecreatesStaleIndex(t *testing.T) {
	archivePath := writeTestArchive(t)
	ctx := context.Background()

	r1, err := Open(ctx, archivePath, Options{})
	if err != nil {
		t.Fatalf("Open (build): %v", err)
	}
	r1.Close()

	// Touch the archive so its mtime no longer matches the persisted
	// tarstats snapshot.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(archivePath, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	r2, err := Open(ctx, archivePath, Options{})
	if err != nil {
		t.Fatalf("Open (after stale mtime): %v", err)
	}
	defer r2.Close()
	if _, ok, err := r2.Store.Stat(ctx, "", "hello.txt"); err != nil || !ok {
		t.Fatalf("recreated store missing hello.txt: ok=%v err=%v", ok, err)
	}
}

func TestFirstWritableCandidateSkipsUnwritableDirectory(t *testing.T) {
	base := t.TempDir()

	// blocker is a regular file, not a directory, so MkdirAll underneath it
	// fails unconditionally regardless of the test's effective uid.
	blocker := filepath.Join(base, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	unwritable := filepath.Join(blocker, "sub", "archive.index.sqlite")
	writable := filepath.Join(base, "fallback", "archive.index.sqlite")

	got := firstWritableCandidate([]string{unwritable, writable})
	assert.Equal(t, writable, got)
}

func TestOpenHonorsRecreateFlag(t *testing.T) {
	archivePath := writeTestArchive(t)
	ctx := context.Background()

	r1, err := Open(ctx, archivePath, Options{})
	if err != nil {
		t.Fatalf("Open (build): %v", err)
	}
	r1.Close()

	r2, err := Open(ctx, archivePath, Options{Recreate: true})
	if err != nil {
		t.Fatalf("Open (recreate): %v", err)
	}
	defer r2.Close()
	if _, ok, err := r2.Store.Stat(ctx, "", "hello.txt"); err != nil || !ok {
		t.Fatalf("recreated store missing hello.txt: ok=%v err=%v", ok, err)
	}
}
