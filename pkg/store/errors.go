package store

import (
	"errors"

	"github.com/cockroachdb/pebble"
)

var (
	// ErrNotFound is returned for missing documents, tombstoned documents
	// on normal reads, and missing attachments.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write carries a stale revision.
	// The mutation layer's retry loop treats it as retryable; nothing
	// else is.
	ErrConflict = errors.New("document update conflict")

	// ErrNoIndex is returned by Find when no declared index can satisfy
	// the selector and sort.
	ErrNoIndex = errors.New("no index matches query")

	// ErrBadQuery is returned by Find for malformed selectors: negative
	// paging, a range without bounds, non-scalar values, unsupported
	// sort shapes.
	ErrBadQuery = errors.New("invalid query")

	// ErrIndexExists is returned by CreateIndex when the name is taken
	// by a definition with different fields.
	ErrIndexExists = errors.New("index name in use with different fields")

	// ErrBadIndex is returned by CreateIndex for malformed definitions.
	ErrBadIndex = errors.New("invalid index definition")

	// ErrBadDoc is returned for documents that cannot be stored: missing
	// id, malformed JSON, NUL bytes in indexed strings.
	ErrBadDoc = errors.New("invalid document")

	// ErrDocTooLarge and ErrAttachmentTooLarge enforce configured caps.
	ErrDocTooLarge        = errors.New("document exceeds size limit")
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// IsNotFound reports whether err is a not-found condition, from this
// package or the underlying engine.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pebble.ErrNotFound)
}

// IsConflict reports whether err is a revision conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
