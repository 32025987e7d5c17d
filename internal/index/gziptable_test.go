package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gotarfs/gotarfs/internal/czip/gzip"
)

func TestGzipTableRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gzip.index.sqlite")
	s, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.CreateTables(ctx); err != nil {
		t.Fatalf("CreateTables: %v", err)
	}

	points := []gzip.CheckPoint{
		{BitOffset: 0, UncompressedOffset: 0, Dictionary: nil},
		{BitOffset: 16384 * 8, UncompressedOffset: 16 * 1024 * 1024, Dictionary: []byte("trailing window bytes")},
	}
	if err := s.PersistGzipTable(ctx, points); err != nil {
		t.Fatalf("PersistGzipTable: %v", err)
	}

	got, ok, err := s.LoadGzipTable(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadGzipTable: ok=%v err=%v", ok, err)
	}
	if len(got) != len(points) {
		t.Fatalf("got %d points, want %d", len(got), len(points))
	}
	for i := range points {
		if got[i].BitOffset != points[i].BitOffset || got[i].UncompressedOffset != points[i].UncompressedOffset {
			t.Fatalf("point %d offsets mismatch: got %+v, want %+v", i, got[i], points[i])
		}
		if string(got[i].Dictionary) != string(points[i].Dictionary) {
			t.Fatalf("point %d dictionary mismatch: got %q, want %q", i, got[i].Dictionary, points[i].Dictionary)
		}
	}
}
