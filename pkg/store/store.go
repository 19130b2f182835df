// Package store implements the document engine: revisioned JSON
// documents grouped into collections, secondary indexes with
// order-preserving key encoding, a monotonic per-collection changes
// feed, and binary attachments. All writes to a collection are
// serialized so revision checks and sequence assignment are atomic
// with the committed batch.
package store

import (
	"context"
	"encoding/json"
)

// Envelope is the control subset every stored document carries.
type Envelope struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	Type    string `json:"type,omitempty"`
	Deleted bool   `json:"_deleted,omitempty"`
}

// SortKey names one field of a sort, ascending unless Desc.
type SortKey struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Range bounds one field. Bounds are inclusive; a nil bound is open.
type Range struct {
	Field string `json:"field"`
	GTE   any    `json:"gte,omitempty"`
	LTE   any    `json:"lte,omitempty"`
}

// Query is a declarative selector served entirely from one index.
// Eq fields must equal the index's leading fields exactly; Range, if
// set, continues on the next indexed field; Sort must follow the
// index order. Queries that no index can serve fail with ErrNoIndex
// rather than falling back to a collection scan.
type Query struct {
	Eq    map[string]any `json:"eq,omitempty"`
	Range *Range         `json:"range,omitempty"`
	Sort  []SortKey      `json:"sort,omitempty"`
	Limit int            `json:"limit,omitempty"`
	Skip  int            `json:"skip,omitempty"`
}

// Index declares a secondary index over ordered fields. A document is
// indexed only when every field is present and non-null.
type Index struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// Change is one changes-feed entry: the latest recorded write of a
// document. Superseded entries for the same document are pruned, so a
// feed scan yields at most one entry per document.
type Change struct {
	Seq     uint64 `json:"seq"`
	ID      string `json:"id"`
	Rev     string `json:"rev"`
	Deleted bool   `json:"deleted,omitempty"`
	TS      string `json:"ts,omitempty"`
}

// ChangeBatch is one page of the feed. LastSeq is the resume point
// for the next call even when Changes is empty.
type ChangeBatch struct {
	Changes []Change `json:"results"`
	LastSeq uint64   `json:"last_seq"`
}

// BulkResult reports the outcome for one document of a BulkDocs call.
// With new edits, Error is "conflict" for stale revisions. Without
// new edits, a blank Rev means the incoming revision lost or matched
// the stored one and was skipped.
type BulkResult struct {
	ID    string `json:"id"`
	Rev   string `json:"rev,omitempty"`
	Error string `json:"error,omitempty"`
}

// OK reports whether the document was written.
func (r BulkResult) OK() bool { return r.Error == "" && r.Rev != "" }

// AttachmentMeta describes a stored attachment. BoundRev records the
// document revision current when the attachment was written locally;
// replicated attachments keep the origin's value.
type AttachmentMeta struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Length      int64  `json:"length"`
	Digest      string `json:"digest"`
	BoundRev    string `json:"bound_rev,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

// Store is one collection's document API. Implementations are safe
// for concurrent use.
type Store interface {
	// Name returns the collection name.
	Name() string

	// Get returns the current document body, or ErrNotFound for
	// missing and tombstoned documents.
	Get(ctx context.Context, id string) (json.RawMessage, error)

	// GetAny is Get including tombstones, for replication and
	// conflict inspection.
	GetAny(ctx context.Context, id string) (json.RawMessage, error)

	// Put writes doc. A blank _rev creates; otherwise _rev must equal
	// the stored revision or Put fails with ErrConflict. Documents
	// with _deleted true become tombstones. Returns the new revision.
	Put(ctx context.Context, doc json.RawMessage) (string, error)

	// Remove tombstones id at rev, keeping no body fields. Callers
	// that need typed tombstones put a document with _deleted set.
	Remove(ctx context.Context, id, rev string) (string, error)

	// BulkDocs writes docs in one atomic batch. With newEdits, each
	// document follows Put rules and conflicts are reported per
	// document without failing the batch. Without newEdits each
	// document must carry its origin _rev, and the deterministic
	// winner rule decides whether it replaces the stored revision.
	BulkDocs(ctx context.Context, docs []json.RawMessage, newEdits bool) ([]BulkResult, error)

	// Find runs q against a declared index. Results are full
	// documents in index order; see Query for planner rules.
	Find(ctx context.Context, q Query) ([]json.RawMessage, error)

	// CreateIndex declares idx and backfills it from existing
	// documents. Declaring an identical index again is a no-op and
	// returns false.
	CreateIndex(ctx context.Context, idx Index) (bool, error)

	// ListIndexes returns declared indexes sorted by name.
	ListIndexes(ctx context.Context) ([]Index, error)

	// Changes returns feed entries with Seq greater than since, up to
	// limit (a non-positive limit uses the default page size).
	Changes(ctx context.Context, since uint64, limit int) (ChangeBatch, error)

	// Watch streams the feed from since: first replayed entries, then
	// live ones. The channel closes when ctx ends, cancel is called,
	// or the subscriber falls too far behind; after a lag close the
	// caller re-Watches from its own checkpoint.
	Watch(ctx context.Context, since uint64) (<-chan Change, func(), error)

	// GetAttachment returns an attachment's bytes and metadata.
	GetAttachment(ctx context.Context, id, name string) ([]byte, *AttachmentMeta, error)

	// GetAttachmentMeta returns metadata without the body.
	GetAttachmentMeta(ctx context.Context, id, name string) (*AttachmentMeta, error)

	// PutAttachment stores data under the document's attachment slot.
	// rev must match the stored document revision; the document
	// revision is bumped and returned.
	PutAttachment(ctx context.Context, id, name, rev, contentType string, data []byte) (string, error)

	// RemoveAttachment deletes the attachment and bumps the document
	// revision.
	RemoveAttachment(ctx context.Context, id, name, rev string) (string, error)

	// ApplyAttachment installs replicated attachment state verbatim:
	// no revision check, no revision bump, no feed entry.
	ApplyAttachment(ctx context.Context, id, name string, meta AttachmentMeta, data []byte) error
}
