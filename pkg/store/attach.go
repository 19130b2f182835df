package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// GetAttachment returns an attachment's bytes and metadata.
func (c *Collection) GetAttachment(ctx context.Context, id, name string) ([]byte, *AttachmentMeta, error) {
	meta, err := c.GetAttachmentMeta(ctx, id, name)
	if err != nil {
		return nil, nil, err
	}
	data, err := c.db.getRaw(attKey(c.name, id, name))
	if err != nil {
		return nil, nil, err
	}
	return data, meta, nil
}

// GetAttachmentMeta returns attachment metadata without the body.
func (c *Collection) GetAttachmentMeta(ctx context.Context, id, name string) (*AttachmentMeta, error) {
	if err := ValidateAttachmentName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDoc, err)
	}
	if err := ValidateDocID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDoc, err)
	}
	raw, err := c.db.getRaw(attMetaKey(c.name, id, name))
	if err != nil {
		return nil, err
	}
	var meta AttachmentMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("attachment meta %s/%s corrupt: %w", id, name, err)
	}
	return &meta, nil
}

// PutAttachment stores data under the document's attachment slot and
// bumps the document revision in the same batch, so the feed carries
// exactly one entry for the write. rev must name the current document
// revision.
func (c *Collection) PutAttachment(ctx context.Context, id, name, rev, contentType string, data []byte) (string, error) {
	if err := ValidateAttachmentName(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadDoc, err)
	}
	if int64(len(data)) > c.db.maxAtt {
		return "", ErrAttachmentTooLarge
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	raw, env, err := c.getWithEnvelope(id)
	if err != nil {
		return "", err
	}
	if env.Deleted {
		return "", ErrNotFound
	}
	if rev != env.Rev {
		recordConflict(c.name)
		return "", fmt.Errorf("%w: %s", ErrConflict, id)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("stored doc %s corrupt: %w", id, err)
	}
	st, err := c.resolve(pendingWrite{id: id, rev: rev, body: body})
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	meta := AttachmentMeta{
		Name:        name,
		ContentType: contentType,
		Length:      int64(len(data)),
		Digest:      "sha256-" + hex.EncodeToString(sum[:]),
		BoundRev:    st.rev,
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	enc, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	err = c.commit([]stagedWrite{st}, func(b *pebble.Batch) error {
		if err := b.Set(attKey(c.name, id, name), data, nil); err != nil {
			return err
		}
		return b.Set(attMetaKey(c.name, id, name), enc, nil)
	})
	if err != nil {
		return "", err
	}
	return st.rev, nil
}

// RemoveAttachment deletes the attachment and bumps the document
// revision. Missing attachments fail with ErrNotFound.
func (c *Collection) RemoveAttachment(ctx context.Context, id, name, rev string) (string, error) {
	if err := ValidateAttachmentName(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadDoc, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.getRaw(attMetaKey(c.name, id, name)); err != nil {
		return "", err
	}
	raw, env, err := c.getWithEnvelope(id)
	if err != nil {
		return "", err
	}
	if env.Deleted {
		return "", ErrNotFound
	}
	if rev != env.Rev {
		recordConflict(c.name)
		return "", fmt.Errorf("%w: %s", ErrConflict, id)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("stored doc %s corrupt: %w", id, err)
	}
	st, err := c.resolve(pendingWrite{id: id, rev: rev, body: body})
	if err != nil {
		return "", err
	}
	err = c.commit([]stagedWrite{st}, func(b *pebble.Batch) error {
		if err := b.Delete(attKey(c.name, id, name), nil); err != nil {
			return err
		}
		return b.Delete(attMetaKey(c.name, id, name), nil)
	})
	if err != nil {
		return "", err
	}
	return st.rev, nil
}

// ApplyAttachment installs replicated attachment state verbatim: the
// blob and the origin's metadata, with no revision check, no revision
// bump and no feed entry. An empty Digest clears the slot, mirroring a
// peer that has none.
func (c *Collection) ApplyAttachment(ctx context.Context, id, name string, meta AttachmentMeta, data []byte) error {
	if err := ValidateAttachmentName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrBadDoc, err)
	}
	if err := ValidateDocID(id); err != nil {
		return fmt.Errorf("%w: %v", ErrBadDoc, err)
	}
	b := c.db.pdb.NewBatch()
	defer b.Close()
	if meta.Digest == "" {
		if err := b.Delete(attKey(c.name, id, name), nil); err != nil {
			return err
		}
		if err := b.Delete(attMetaKey(c.name, id, name), nil); err != nil {
			return err
		}
		return c.db.pdb.Apply(b, c.db.writeOpt())
	}
	if int64(len(data)) > c.db.maxAtt {
		return ErrAttachmentTooLarge
	}
	meta.Name = name
	meta.Length = int64(len(data))
	enc, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := b.Set(attKey(c.name, id, name), data, nil); err != nil {
		return err
	}
	if err := b.Set(attMetaKey(c.name, id, name), enc, nil); err != nil {
		return err
	}
	return c.db.pdb.Apply(b, c.db.writeOpt())
}
