// Package fserrors defines the sentinel error kinds shared across the
// indexer, the compressed readers, and the read path.
//
// Grounded on quay-claircore's errors.go: a small typed error carrying a
// Kind plus a wrapped cause, compared with errors.Is rather than string
// matching.
package fserrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that need to branch on it (the Mount
// Facade mapping to FUSE errno, the Index Lifecycle deciding whether to
// recreate).
type Kind int

const (
	// KindUnknown is the zero value; never returned deliberately.
	KindUnknown Kind = iota
	// KindNotFound means a virtual path does not resolve to a member.
	KindNotFound
	// KindUnsupportedCompression means the archive's magic bytes don't
	// match any decoder this module implements.
	KindUnsupportedCompression
	// KindDecodeError means the compressed stream is structurally invalid.
	KindDecodeError
	// KindUnexpectedEnd means the TAR stream truncated mid-member.
	KindUnexpectedEnd
	// KindIndexStale means the archive's size/mtime no longer matches the
	// index's recorded stat snapshot.
	KindIndexStale
	// KindIndexCorrupt means the index's schema failed validation.
	KindIndexCorrupt
	// KindSeekTableStale means an imported seek table disagrees with the
	// compressed file it's paired with.
	KindSeekTableStale
	// KindInvalidSeek means a seek target was negative.
	KindInvalidSeek
	// KindIO wraps a plain I/O failure with no more specific kind.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindUnsupportedCompression:
		return "unsupported compression"
	case KindDecodeError:
		return "decode error"
	case KindUnexpectedEnd:
		return "unexpected end"
	case KindIndexStale:
		return "index stale"
	case KindIndexCorrupt:
		return "index corrupt"
	case KindSeekTableStale:
		return "seek table stale"
	case KindInvalidSeek:
		return "invalid seek"
	case KindIO:
		return "i/o error"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this module's packages.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "index.Lookup"
	Path    string // the virtual or archive path involved, if any
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Path, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Kind, e.Path)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, fserrors.ErrNotFound) style comparisons: two
// *Error values match if they carry the same Kind, regardless of Op/Path.
func (e *Error) Is(target error) bool {
	k, ok := target.(*Error)
	if !ok {
		return false
	}
	return k.Kind == e.Kind
}

// Sentinel values for use with errors.Is, one per Kind.
var (
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrUnsupportedCompression = &Error{Kind: KindUnsupportedCompression}
	ErrDecodeError           = &Error{Kind: KindDecodeError}
	ErrUnexpectedEnd         = &Error{Kind: KindUnexpectedEnd}
	ErrIndexStale            = &Error{Kind: KindIndexStale}
	ErrIndexCorrupt          = &Error{Kind: KindIndexCorrupt}
	ErrSeekTableStale        = &Error{Kind: KindSeekTableStale}
	ErrInvalidSeek           = &Error{Kind: KindInvalidSeek}
	ErrIO                    = &Error{Kind: KindIO}
)

// New constructs an Error of the given kind.
func New(kind Kind, op string, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

// KindOf reports the Kind of err, or KindUnknown if err is not (or does not
// wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
