package mount

import (
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gotarfs/gotarfs/internal/index"
)

func TestParseOwnerOverride(t *testing.T) {
	cases := []struct {
		opts    string
		wantUID uint32
		wantGID uint32
		wantOK  bool
	}{
		{"uid=1000,gid=1000", 1000, 1000, true},
		{"allow_other,uid=0,gid=0", 0, 0, true},
		{"uid=1000", 0, 0, false},
		{"", 0, 0, false},
		{"uid=notanumber,gid=1000", 0, 0, false},
	}
	for _, c := range cases {
		uid, gid, ok := ParseOwnerOverride(c.opts)
		if ok != c.wantOK {
			t.Fatalf("ParseOwnerOverride(%q) ok = %v, want %v", c.opts, ok, c.wantOK)
		}
		if ok && (uid != c.wantUID || gid != c.wantGID) {
			t.Fatalf("ParseOwnerOverride(%q) = %d,%d want %d,%d", c.opts, uid, gid, c.wantUID, c.wantGID)
		}
	}
}

func TestFillAttrHonorsOwnerOverride(t *testing.T) {
	rec := index.Record{Mode: 0100644, Size: 3, UID: 42, GID: 43}

	plain := New(nil, Options{UID: 1, GID: 2})
	var out fuse.Attr
	plain.fillAttr(&out, rec)
	if out.Uid != 42 || out.Gid != 43 {
		t.Fatalf("fillAttr without override = %d,%d, want archive-recorded 42,43", out.Uid, out.Gid)
	}

	overridden := New(nil, Options{UID: 1000, GID: 1000, OverrideOwner: true})
	out = fuse.Attr{}
	overridden.fillAttr(&out, rec)
	if out.Uid != 1000 || out.Gid != 1000 {
		t.Fatalf("fillAttr with override = %d,%d, want 1000,1000", out.Uid, out.Gid)
	}
}
