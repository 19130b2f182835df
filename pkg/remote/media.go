package remote

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"holocron/pkg/store"
)

// mediaSlot is the one attachment slot the peer HTTP surface routes.
const mediaSlot = "media"

// Media replication headers, mirrored from the peer's HTTP surface.
const (
	hdrMediaDigest    = "X-Media-Digest"
	hdrMediaBoundRev  = "X-Media-Bound-Rev"
	hdrMediaUpdatedAt = "X-Media-Updated-At"
)

// slot rejects attachment names other than the media slot; the peer
// routes /docs/{id}/media and nothing else.
func (c *Coll) slot(id, name string) error {
	if err := store.ValidateDocID(id); err != nil {
		return fmt.Errorf("%w: %v", store.ErrBadDoc, err)
	}
	if name != mediaSlot {
		return fmt.Errorf("remote: attachment %q: peers expose only the %q slot", name, mediaSlot)
	}
	return nil
}

// GetAttachment returns the peer's attachment bytes and metadata. The
// metadata rides response headers so blob and meta come from the same
// read.
func (c *Coll) GetAttachment(ctx context.Context, id, name string) ([]byte, *store.AttachmentMeta, error) {
	if err := c.slot(id, name); err != nil {
		return nil, nil, err
	}
	resp, err := c.node.do(ctx, c.node.client, http.MethodGet, c.path("docs", id, mediaSlot), nil, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	data, err := readAll(resp)
	if err != nil {
		return nil, nil, err
	}
	meta := &store.AttachmentMeta{
		Name:        name,
		ContentType: resp.Header.Get("Content-Type"),
		Length:      int64(len(data)),
		Digest:      resp.Header.Get(hdrMediaDigest),
		BoundRev:    resp.Header.Get(hdrMediaBoundRev),
		UpdatedAt:   resp.Header.Get(hdrMediaUpdatedAt),
	}
	return data, meta, nil
}

// GetAttachmentMeta returns attachment metadata without the body.
func (c *Coll) GetAttachmentMeta(ctx context.Context, id, name string) (*store.AttachmentMeta, error) {
	if err := c.slot(id, name); err != nil {
		return nil, err
	}
	q := url.Values{"meta": {"1"}}
	resp, err := c.node.do(ctx, c.node.client, http.MethodGet, c.path("docs", id, mediaSlot), q, nil, nil)
	if err != nil {
		return nil, err
	}
	var meta store.AttachmentMeta
	if err := decode(resp, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// PutAttachment stores data in the peer document's media slot and
// returns the bumped document revision.
func (c *Coll) PutAttachment(ctx context.Context, id, name, rev, contentType string, data []byte) (string, error) {
	if err := c.slot(id, name); err != nil {
		return "", err
	}
	q := url.Values{}
	if rev != "" {
		q.Set("rev", rev)
	}
	var hdr http.Header
	if contentType != "" {
		hdr = http.Header{"Content-Type": {contentType}}
	}
	resp, err := c.node.do(ctx, c.node.client, http.MethodPut, c.path("docs", id, mediaSlot), q, hdr, bytes.NewReader(data))
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

// RemoveAttachment deletes the peer's attachment and returns the
// bumped document revision.
func (c *Coll) RemoveAttachment(ctx context.Context, id, name, rev string) (string, error) {
	if err := c.slot(id, name); err != nil {
		return "", err
	}
	q := url.Values{}
	if rev != "" {
		q.Set("rev", rev)
	}
	resp, err := c.node.do(ctx, c.node.client, http.MethodDelete, c.path("docs", id, mediaSlot), q, nil, nil)
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

// ApplyAttachment installs replicated attachment state verbatim on
// the peer. An empty meta.Digest with no data clears the slot. The
// digest header is always sent so the peer can tell a clear from a
// normal write.
func (c *Coll) ApplyAttachment(ctx context.Context, id, name string, meta store.AttachmentMeta, data []byte) error {
	if err := c.slot(id, name); err != nil {
		return err
	}
	q := url.Values{"new_edits": {"false"}}
	hdr := http.Header{hdrMediaDigest: {meta.Digest}}
	if meta.ContentType != "" {
		hdr.Set("Content-Type", meta.ContentType)
	}
	if meta.BoundRev != "" {
		hdr.Set(hdrMediaBoundRev, meta.BoundRev)
	}
	if meta.UpdatedAt != "" {
		hdr.Set(hdrMediaUpdatedAt, meta.UpdatedAt)
	}
	resp, err := c.node.do(ctx, c.node.client, http.MethodPut, c.path("docs", id, mediaSlot), q, hdr, bytes.NewReader(data))
	if err != nil {
		return err
	}
	return discard(resp)
}
