package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gotarfs/gotarfs/internal/lifecycle"
	"github.com/gotarfs/gotarfs/internal/mount"
	"github.com/gotarfs/gotarfs/internal/readpath"
)

type config struct {
	archivePath string
	mountPath   string

	recreateIndex bool
	recursive     bool
	gzipSeekMiB   int
	foreground    bool
	debugLevel    int
	fuseOpts      string
	prefix        string
	indexFile     string
}

func main() {
	var exit int
	defer func() {
		if exit != 0 {
			os.Exit(exit)
		}
	}()

	ctx, done := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		<-ch
		done()
	}()

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Print(err)
		exit = 99
		return
	}

	configureLogging(cfg.debugLevel)

	if err := run(ctx, cfg); err != nil {
		log.Print(err)
		exit = 1
	}
}

func parseFlags(args []string) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("gotarfs", flag.ContinueOnError)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage: %s [flags] archive-path [mount-path]\n\n", os.Args[0])
		fs.PrintDefaults()
	}

	fs.BoolVar(&cfg.recreateIndex, "c", false, "delete any pre-existing index before mounting")
	fs.BoolVar(&cfg.recreateIndex, "recreate-index", false, "delete any pre-existing index before mounting")
	fs.BoolVar(&cfg.recursive, "r", false, "recurse into nested .tar members (index-creation time only)")
	fs.BoolVar(&cfg.recursive, "recursive", false, "recurse into nested .tar members (index-creation time only)")
	fs.IntVar(&cfg.gzipSeekMiB, "gs", 16, "uncompressed-byte spacing (MiB) between gzip index points")
	fs.IntVar(&cfg.gzipSeekMiB, "gzip-seek-point-spacing", 16, "uncompressed-byte spacing (MiB) between gzip index points")
	fs.BoolVar(&cfg.foreground, "f", false, "run in the foreground")
	fs.BoolVar(&cfg.foreground, "foreground", false, "run in the foreground")
	fs.IntVar(&cfg.debugLevel, "d", 0, "debug verbosity level")
	fs.IntVar(&cfg.debugLevel, "debug", 0, "debug verbosity level")
	fs.StringVar(&cfg.fuseOpts, "o", "", "comma-separated FUSE mount options (allow_other, uid=N,gid=N)")
	fs.StringVar(&cfg.fuseOpts, "fuse", "", "comma-separated FUSE mount options (allow_other, uid=N,gid=N)")
	fs.StringVar(&cfg.prefix, "p", "", "virtual path prefix to mount instead of the archive root")
	fs.StringVar(&cfg.prefix, "prefix", "", "virtual path prefix to mount instead of the archive root")
	fs.StringVar(&cfg.indexFile, "index-file", "", "override the index database path instead of using the discovery order")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	switch fs.NArg() {
	case 0:
		fs.Usage()
		return config{}, fmt.Errorf("gotarfs: archive-path is required")
	case 1:
		cfg.archivePath = fs.Arg(0)
		cfg.mountPath = defaultMountPath(cfg.archivePath)
	default:
		cfg.archivePath = fs.Arg(0)
		cfg.mountPath = fs.Arg(1)
	}
	return cfg, nil
}

// defaultMountPath strips a known archive suffix off archivePath, per
// spec.md §6's CLI surface.
func defaultMountPath(archivePath string) string {
	for _, suffix := range []string{".tar.bz2", ".tar.gz", ".tbz2", ".tgz", ".tar"} {
		if strings.HasSuffix(archivePath, suffix) {
			return strings.TrimSuffix(archivePath, suffix)
		}
	}
	return archivePath + ".mount"
}

func configureLogging(level int) {
	var lvl slog.Level
	switch {
	case level >= 2:
		lvl = slog.LevelDebug
	case level == 1:
		lvl = slog.LevelInfo
	default:
		lvl = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func run(ctx context.Context, cfg config) error {
	result, err := lifecycle.Open(ctx, cfg.archivePath, lifecycle.Options{
		Recreate:        cfg.recreateIndex,
		Recursive:       cfg.recursive,
		GzipSeekSpacing: int64(cfg.gzipSeekMiB) * 1024 * 1024,
		IndexFile:       cfg.indexFile,
	})
	if err != nil {
		return fmt.Errorf("gotarfs: opening index: %w", err)
	}
	defer result.Close()

	rp := readpath.New(result.Store, result.Reader)

	info, err := os.Stat(cfg.archivePath)
	if err != nil {
		return fmt.Errorf("gotarfs: stat archive: %w", err)
	}
	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())
	overrideOwner := false
	if ou, og, ok := mount.ParseOwnerOverride(cfg.fuseOpts); ok {
		uid, gid, overrideOwner = ou, og, true
	}
	fsys := mount.New(rp, mount.Options{
		UID:           uid,
		GID:           gid,
		MTime:         info.ModTime().Unix(),
		Prefix:        cfg.prefix,
		OverrideOwner: overrideOwner,
	})

	if err := os.MkdirAll(cfg.mountPath, 0o755); err != nil {
		return fmt.Errorf("gotarfs: preparing mount point: %w", err)
	}

	server, err := mount.Mount(fsys, cfg.mountPath, cfg.debugLevel >= 2, cfg.fuseOpts)
	if err != nil {
		return fmt.Errorf("gotarfs: mount failed: %w", err)
	}

	if !cfg.foreground {
		slog.InfoContext(ctx, "mounted", "archive", cfg.archivePath, "mountpoint", cfg.mountPath)
	}

	go func() {
		<-ctx.Done()
		server.Unmount()
	}()
	server.Wait()
	return nil
}
