package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"holocron/pkg/store"
)

// Coll is one collection on a peer node.
type Coll struct {
	node *Node
	name string
}

// Coll mirrors the local collection API so replication can run the
// same session code against either end.
var _ store.Store = (*Coll)(nil)

// Name returns the collection name.
func (c *Coll) Name() string { return c.name }

// path builds a collection-scoped endpoint path. Trailing parts are
// escaped as path segments; document ids keep their ':' separators.
func (c *Coll) path(parts ...string) string {
	p := "/v1/db/" + c.name
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Coll) get(ctx context.Context, id string, q url.Values) (json.RawMessage, error) {
	if err := store.ValidateDocID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrBadDoc, err)
	}
	resp, err := c.node.do(ctx, c.node.client, http.MethodGet, c.path("docs", id), q, nil, nil)
	if err != nil {
		return nil, err
	}
	raw, err := readAll(resp)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// Get returns the current document body, or ErrNotFound for missing
// and tombstoned documents.
func (c *Coll) Get(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, id, nil)
}

// GetAny is Get including tombstones.
func (c *Coll) GetAny(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, id, url.Values{"include_deleted": {"1"}})
}

// Put writes doc on the peer and returns the new revision. The
// document's own _id and _rev drive addressing and the conflict
// check, same as a local Put.
func (c *Coll) Put(ctx context.Context, doc json.RawMessage) (string, error) {
	var env store.Envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrBadDoc, err)
	}
	if env.ID == "" {
		return "", fmt.Errorf("%w: missing _id", store.ErrBadDoc)
	}
	hdr := http.Header{"Content-Type": {"application/json"}}
	resp, err := c.node.do(ctx, c.node.client, http.MethodPut, c.path("docs", env.ID), nil, hdr, bytes.NewReader(doc))
	if err != nil {
		return "", err
	}
	var out struct {
		Rev string `json:"rev"`
	}
	if err := decode(resp, &out); err != nil {
		return "", err
	}
	return out.Rev, nil
}

// Remove tombstones id at rev on the peer.
func (c *Coll) Remove(ctx context.Context, id, rev string) (string, error) {
	if err := store.ValidateDocID(id); err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrBadDoc, err)
	}
	q := url.Values{}
	if rev != "" {
		q.Set("rev", rev)
	}
	resp, err := c.node.do(ctx, c.node.client, http.MethodDelete, c.path("docs", id), q, nil, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Rev string `json:"rev"`
	}
	if err := decode(resp, &out); err != nil {
		return "", err
	}
	return out.Rev, nil
}

// BulkDocs writes docs in one batch on the peer. Replication pushes
// with newEdits false so origin revisions survive and the peer's
// winner rule arbitrates.
func (c *Coll) BulkDocs(ctx context.Context, docs []json.RawMessage, newEdits bool) ([]store.BulkResult, error) {
	body := struct {
		Docs     []json.RawMessage `json:"docs"`
		NewEdits bool              `json:"new_edits"`
	}{Docs: docs, NewEdits: newEdits}
	resp, err := c.node.doJSON(ctx, http.MethodPost, c.path("bulk"), nil, body)
	if err != nil {
		return nil, err
	}
	var results []store.BulkResult
	if err := decode(resp, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Find runs q against the peer's declared indexes.
func (c *Coll) Find(ctx context.Context, q store.Query) ([]json.RawMessage, error) {
	resp, err := c.node.doJSON(ctx, http.MethodPost, c.path("find"), nil, q)
	if err != nil {
		return nil, err
	}
	var out struct {
		Docs []json.RawMessage `json:"docs"`
	}
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out.Docs, nil
}

// CreateIndex declares idx on the peer. Redeclaring an identical
// index reports created false, same as locally.
func (c *Coll) CreateIndex(ctx context.Context, idx store.Index) (bool, error) {
	resp, err := c.node.doJSON(ctx, http.MethodPost, c.path("indexes"), nil, idx)
	if err != nil {
		return false, err
	}
	var out struct {
		Result string `json:"result"`
	}
	if err := decode(resp, &out); err != nil {
		return false, err
	}
	return out.Result == "created", nil
}

// ListIndexes returns the peer's declared indexes.
func (c *Coll) ListIndexes(ctx context.Context) ([]store.Index, error) {
	resp, err := c.node.do(ctx, c.node.client, http.MethodGet, c.path("indexes"), nil, nil, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Indexes []store.Index `json:"indexes"`
	}
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out.Indexes, nil
}

// Changes reads one page of the peer's feed.
func (c *Coll) Changes(ctx context.Context, since uint64, limit int) (store.ChangeBatch, error) {
	q := url.Values{"since": {strconv.FormatUint(since, 10)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.node.do(ctx, c.node.client, http.MethodGet, c.path("changes"), q, nil, nil)
	if err != nil {
		return store.ChangeBatch{}, err
	}
	var batch store.ChangeBatch
	if err := decode(resp, &batch); err != nil {
		return store.ChangeBatch{}, err
	}
	return batch, nil
}
