// Package mount implements the Mount Facade: an adapter from the Read Path
// onto github.com/hanwen/go-fuse/v2's node-based filesystem API.
//
// Grounded on spec.md §4.8/§6 (a synthesized root directory, write bits
// always cleared) and on go-fuse's
// fs.InodeEmbedder vocabulary, the idiomatic way this pack's dependency
// graph exposes a FUSE filesystem: one Inode-embedding node type per
// virtual path, implementing only the Lookuper/Readdirer/Getattrer/
// Readlinker/Opener/Reader interfaces the Read Path actually needs.
package mount

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gotarfs/gotarfs/internal/fserrors"
	"github.com/gotarfs/gotarfs/internal/index"
	"github.com/gotarfs/gotarfs/internal/readpath"
)

const (
	sIFMT  = 0170000
	sIFDIR = 0040000
	sIFLNK = 0120000

	// writeBitsCleared is ANDed onto every mode the Mount Facade hands the
	// kernel, per spec.md §4.7's "write bits (0222) cleared regardless of
	// what the TAR header said."
	writeBitsCleared = ^uint32(0222)
)

// FS is the root of one mounted archive.
type FS struct {
	path *readpath.Path

	// mu serializes read/seek pairs against the backing decompressor, per
	// spec.md §5: the gzip/bzip2 variants don't support concurrent
	// seek+read, so every Read here takes the same lock rather than risk
	// interleaved seeks corrupting another caller's read. Lookup, Readdir,
	// Getattr and Readlink only query the index and do not take it.
	mu sync.Mutex

	rootUID, rootGID uint32
	rootMTime        int64
	rootPath         string

	// overrideOwner, when set, replaces every entry's reported uid/gid
	// (rootUID/rootGID included) with the above instead of the archive's
	// own recorded ownership, per the -o uid=,gid= override.
	overrideOwner bool
}

// Options configures the synthesized root directory.
type Options struct {
	// UID, GID report as the owner of the synthesized root directory, and
	// of every entry in the mount when OverrideOwner is true.
	UID, GID uint32
	MTime    int64
	// Prefix mounts the given virtual path as "/" instead of the archive's
	// own root, per the -p/--prefix flag.
	Prefix string
	// OverrideOwner replaces every entry's reported uid/gid with UID/GID
	// instead of the archive's own recorded ownership, per the original's
	// -o uid=,gid= override for archives whose uid/gid don't map to any
	// real user on the host. Never written back to the index.
	OverrideOwner bool
}

// New returns the FUSE root node for an archive already indexed through
// store, read through path.
func New(path *readpath.Path, opts Options) *FS {
	return &FS{
		path:          path,
		rootUID:       opts.UID,
		rootGID:       opts.GID,
		rootMTime:     opts.MTime,
		rootPath:      opts.Prefix,
		overrideOwner: opts.OverrideOwner,
	}
}

// ParseOwnerOverride extracts a uid=N,gid=N pair from a raw -o/--fuse
// options string. ok is true only when both uid and gid are present and
// parse as valid unsigned integers — a partial override (only one of the
// two) is treated as absent, matching spec.md §4.8's all-or-nothing
// override contract.
func ParseOwnerOverride(fuseOpts string) (uid, gid uint32, ok bool) {
	var uidSet, gidSet bool
	for _, opt := range strings.Split(fuseOpts, ",") {
		opt = strings.TrimSpace(opt)
		switch {
		case strings.HasPrefix(opt, "uid="):
			if v, err := strconv.ParseUint(strings.TrimPrefix(opt, "uid="), 10, 32); err == nil {
				uid, uidSet = uint32(v), true
			}
		case strings.HasPrefix(opt, "gid="):
			if v, err := strconv.ParseUint(strings.TrimPrefix(opt, "gid="), 10, 32); err == nil {
				gid, gidSet = uint32(v), true
			}
		}
	}
	return uid, gid, uidSet && gidSet
}

// node is one virtual path within the mounted archive. The root node's
// virtualPath is the FS's rootPath (normally "").
type node struct {
	fs.Inode
	fsys        *FS
	virtualPath string
}

var (
	_ fs.NodeLookuper  = (*node)(nil)
	_ fs.NodeReaddirer = (*node)(nil)
	_ fs.NodeGetattrer = (*node)(nil)
	_ fs.NodeReadlinker = (*node)(nil)
	_ fs.NodeOpener    = (*node)(nil)
	_ fs.NodeReader    = (*node)(nil)
)

// Root builds the node go-fuse mounts as "/".
func (f *FS) Root() fs.InodeEmbedder {
	return &node{fsys: f, virtualPath: f.rootPath}
}

func childPath(parent, name string) string {
	if parent == "" {
		return "/" + name
	}
	return parent + "/" + name
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	vp := childPath(n.virtualPath, name)
	rec, err := n.fsys.path.Lookup(ctx, vp)
	if err != nil {
		return nil, toErrno(err)
	}
	n.fsys.fillAttr(&out.Attr, rec)
	child := &node{fsys: n.fsys, virtualPath: vp}
	mode := attrMode(rec)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode}), 0
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	recs, err := n.fsys.path.Readdir(ctx, n.virtualPath)
	if err != nil {
		return nil, toErrno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, fuse.DirEntry{Name: r.Name, Mode: attrMode(r)})
	}
	return fs.NewListDirStream(entries), 0
}

// Getattr reports the root node (virtual path "") as a directory with the
// fixed mode 0555, owned by Options.UID/GID, with Options.MTime as its
// mtime; the archive file's own mode and ownership are not used.
func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if n.virtualPath == "" {
		out.Attr.Mode = sIFDIR | 0555
		out.Attr.Uid = n.fsys.rootUID
		out.Attr.Gid = n.fsys.rootGID
		out.Attr.Mtime = uint64(n.fsys.rootMTime)
		return 0
	}
	rec, err := n.fsys.path.Lookup(ctx, n.virtualPath)
	if err != nil {
		return toErrno(err)
	}
	n.fsys.fillAttr(&out.Attr, rec)
	return 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.path.Readlink(ctx, n.virtualPath)
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n.fsys.mu.Lock()
	defer n.fsys.mu.Unlock()
	data, err := n.fsys.path.Read(ctx, n.virtualPath, off, int64(len(dest)))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

func attrMode(rec index.Record) uint32 {
	return uint32(rec.Mode) & writeBitsCleared
}

func (f *FS) fillAttr(attr *fuse.Attr, rec index.Record) {
	attr.Mode = attrMode(rec)
	attr.Size = uint64(rec.Size)
	attr.Mtime = uint64(rec.MTime)
	if f.overrideOwner {
		attr.Uid = f.rootUID
		attr.Gid = f.rootGID
		return
	}
	attr.Uid = uint32(rec.UID)
	attr.Gid = uint32(rec.GID)
}

func toErrno(err error) syscall.Errno {
	switch fserrors.KindOf(err) {
	case fserrors.KindNotFound:
		return syscall.ENOENT
	default:
		return syscall.EIO
	}
}

// Mount mounts fsys at mountPath and returns the running server without
// waiting for it to be unmounted; the caller waits on the server. debug
// controls whether go-fuse logs to stderr; fuseOpts is the raw
// comma-separated -o/--fuse value. Mount itself only recognizes
// "allow_other" — the uid=/gid= suboptions are extracted separately by
// ParseOwnerOverride before fsys is built, since they affect Options rather
// than the MountOptions Mount passes to go-fuse.
func Mount(fsys *FS, mountPath string, debug bool, fuseOpts string) (*fuse.Server, error) {
	allowOther := false
	for _, opt := range strings.Split(fuseOpts, ",") {
		if strings.TrimSpace(opt) == "allow_other" {
			allowOther = true
		}
	}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:      debug,
			FsName:     "gotarfs",
			Name:       "gotarfs",
			AllowOther: allowOther,
		},
	}
	server, err := fs.Mount(mountPath, fsys.Root(), opts)
	if err != nil {
		return nil, fserrors.New(fserrors.KindIO, "mount.Mount", mountPath, err)
	}
	return server, nil
}
