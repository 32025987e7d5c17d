package gzip

import (
	"bytes"
	"encoding/base64"
	"io"
	"strings"
	"testing"
)

// fixtureBase64 is a gzip member holding a 60000 byte repeating pattern,
// written at compression level 9 with a sync flush after every 4096 input
// bytes, so the member has many DEFLATE blocks (some starting mid-byte) and
// back-references that cross block boundaries. It carries a FNAME field
// ("gplain.txt"), exercising the variable-length header parsing alongside
// the block bodies.
const fixtureBase64 = `H4sICAAAAAAC/2dwbGFpbi50eHQA7MvHDYAwFATRVrYEciiHYDJ8MLYJ1YPoAmmvM3qmU9hsX40otRwLGjkx2HndIU5pmHdPxX2hlhaeH4RRnKRZ/nUyMjIyMjIyMjIyMjIyMrKfsAcAAP//7MsxDQAAAICg/q3t4eBH0zRN0zRN0zRN07R/CwAA///syzENAAAAgKD+re3h4EfTNE3TNE3TNE3TtH8LAAD//+zLMQ0AAACAoP6t7eHgR9M0TdM0TdM0TdO0fwsAAP//7MsxDQAAAICg/q3t4eBH0zRN0zRN0zRN07R/CwAA///syzENAAAAgKD+re3h4EfTNE3TNE3TNE3TtH8LAAD//+zLMQ0AAACAoP6t7eHgR9M0TdM0TdM0TdO0fwsAAP//7MsxDQAAAICg/q3t4eBH0zRN0zRN0zRN07R/CwAA///syzENAAAAgKD+re3h4EfTNE3TNE3TNE3TtH8LAAD//+zLMQ0AAACAoP6t7eHgR9M0TdM0TdM0TdO0fwsAAP//7MsxDQAAAICg/q3t4eBH0zRN0zRN0zRN07R/CwAA///syzENAAAAgKD+re3h4EfTNE3TNE3TNE3TtH8LAAD//+zLMQ0AAACAoP6t7eHgR9M0TdM0TdM0TdO0fwsAAP//7MsxDQAAAICg/q3t4eBH0zRN0zRN0zRN07R/CwAA///syyEBAAAAgKD/rz1hhI6maZqmaZqmnS0AAAD//wMAHYKtxWDqAAA=`

const pattern = "the quick brown fox jumps over the lazy dog 0123456789 "

func expectedPlaintext(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(pattern)
	}
	return b.String()[:n]
}

func fixtureReaderAt(t *testing.T) io.ReaderAt {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(fixtureBase64)
	if err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}
	return bytes.NewReader(raw)
}

func TestFullDecodeMatchesPlaintext(t *testing.T) {
	r, err := New(fixtureReaderAt(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := expectedPlaintext(60000)
	if string(got) != want {
		t.Fatalf("decoded content mismatch (got %d bytes, want %d)", len(got), len(want))
	}
}

func TestSeekThenReadMatchesFullDecode(t *testing.T) {
	full, err := NewWithSpacing(fixtureReaderAt(t), 4096)
	if err != nil {
		t.Fatalf("NewWithSpacing: %v", err)
	}
	want, err := io.ReadAll(full)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	r, err := NewWithSpacing(fixtureReaderAt(t), 4096)
	if err != nil {
		t.Fatalf("NewWithSpacing: %v", err)
	}
	if _, err := io.ReadAll(r); err != nil {
		t.Fatalf("priming ReadAll: %v", err)
	}

	table, err := r.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if len(table) < 2 {
		t.Fatalf("expected multiple checkpoints with a 4096-byte spacing over 60000 bytes, got %d", len(table))
	}

	for _, offset := range []int64{0, 20000, 4095, 4096, 59000, 59999} {
		if _, err := r.Seek(offset); err != nil {
			t.Fatalf("Seek(%d): %v", offset, err)
		}
		got := make([]byte, 500)
		n, err := r.Read(got)
		if err != nil && err != io.EOF {
			t.Fatalf("Read after Seek(%d): %v", offset, err)
		}
		end := offset + int64(n)
		if end > int64(len(want)) {
			end = int64(len(want))
		}
		if string(got[:n]) != string(want[offset:end]) {
			t.Fatalf("Seek(%d) mismatch: got %q, want %q", offset, got[:n], want[offset:end])
		}
	}
}

func TestLoadTableRoundTrip(t *testing.T) {
	r, err := NewWithSpacing(fixtureReaderAt(t), 4096)
	if err != nil {
		t.Fatalf("NewWithSpacing: %v", err)
	}
	table, err := r.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	fresh, err := NewWithSpacing(fixtureReaderAt(t), 4096)
	if err != nil {
		t.Fatalf("NewWithSpacing: %v", err)
	}
	fresh.LoadTable(table)

	if _, err := fresh.Seek(30000); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got := make([]byte, 100)
	if _, err := io.ReadFull(fresh, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	want := expectedPlaintext(60000)[30000:30100]
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
