// Package media manages the single "media" attachment slot on
// characters and messages: attach and remove with the two-step
// blob-then-stamp write, and resolution of blobs to temp files handed
// out as revocable handles. The two steps are deliberately not atomic;
// either partial state (blob without stamp, stamp without blob) is
// tolerated by readers and healed by the next attach or remove.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"holocron/pkg/logger"
	"holocron/pkg/models"
	"holocron/pkg/mutation"
	"holocron/pkg/store"
)

// SlotName is the one attachment slot every owner document has.
const SlotName = "media"

// attachAttempts bounds the get-attach loop on revision conflicts,
// matching the mutation layer's bound.
const attachAttempts = 3

const (
	handleTTL       = time.Hour
	handleSweepTick = 10 * time.Minute
)

// Handle is an outstanding materialized blob: a temp file a consumer
// may read until the handle is revoked or expires.
type Handle struct {
	OwnerID     string
	Path        string
	ContentType string
	Length      int64
	Digest      string
}

// Manager resolves media for both collections and tracks at most one
// outstanding handle per owner id.
type Manager struct {
	chars   store.Store
	msgs    store.Store
	tmpDir  string
	handles *gocache.Cache
}

// NewManager builds a Manager writing temp files under tmpDir. Expired
// or revoked handles have their temp files removed by the registry's
// eviction hook, so leaked handles are reclaimed without explicit
// revocation.
func NewManager(chars, msgs store.Store, tmpDir string) (*Manager, error) {
	if err := os.MkdirAll(tmpDir, 0o700); err != nil {
		return nil, fmt.Errorf("create media tmp dir: %w", err)
	}
	m := &Manager{
		chars:   chars,
		msgs:    msgs,
		tmpDir:  tmpDir,
		handles: gocache.New(handleTTL, handleSweepTick),
	}
	m.handles.OnEvicted(func(owner string, v any) {
		h, ok := v.(*Handle)
		if !ok {
			return
		}
		if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
			logger.Warn("media_handle_cleanup_failed", "owner", owner, "path", h.Path, "error", err)
		}
	})
	return m, nil
}

// storeFor routes an owner id to its collection by the id prefix.
func (m *Manager) storeFor(ownerID string) store.Store {
	if models.TypeFromID(ownerID) == models.TypeCharacter {
		return m.chars
	}
	return m.msgs
}

// AttachMedia stores blob in the owner's media slot and then stamps
// mediaContentType on the owner document. The attachment write
// re-fetches the owner revision and retries on conflict; the stamp is
// a separate conflict-retried document update. A failure between the
// two steps leaves a blob without a stamp, which resolves fine and is
// re-stamped by the next attach.
func (m *Manager) AttachMedia(ctx context.Context, ownerID, contentType string, blob []byte) error {
	s := m.storeFor(ownerID)
	var err error
	for attempt := 0; attempt < attachAttempts; attempt++ {
		var env store.Envelope
		if env, err = ownerEnvelope(ctx, s, ownerID); err != nil {
			return err
		}
		if _, err = s.PutAttachment(ctx, ownerID, SlotName, env.Rev, contentType, blob); err == nil {
			break
		}
		if !store.IsConflict(err) {
			return fmt.Errorf("attach media to %s: %w", ownerID, err)
		}
	}
	if err != nil {
		return fmt.Errorf("attach media to %s: %w", ownerID, err)
	}
	if err := m.stampContentType(ctx, s, ownerID, contentType); err != nil {
		return fmt.Errorf("stamp media type on %s: %w", ownerID, err)
	}
	m.Revoke(ownerID)
	logger.Info("media_attached", "owner", ownerID, "content_type", contentType, "bytes", len(blob))
	return nil
}

// RemoveMedia deletes the owner's blob and clears the stamp. A missing
// blob is not an error; the stamp is still cleared so a stale stamp
// heals.
func (m *Manager) RemoveMedia(ctx context.Context, ownerID string) error {
	s := m.storeFor(ownerID)
	var err error
	for attempt := 0; attempt < attachAttempts; attempt++ {
		if _, metaErr := s.GetAttachmentMeta(ctx, ownerID, SlotName); metaErr != nil {
			if store.IsNotFound(metaErr) {
				err = nil
				break
			}
			return fmt.Errorf("remove media of %s: %w", ownerID, metaErr)
		}
		var env store.Envelope
		if env, err = ownerEnvelope(ctx, s, ownerID); err != nil {
			return err
		}
		if _, err = s.RemoveAttachment(ctx, ownerID, SlotName, env.Rev); err == nil {
			break
		}
		if !store.IsConflict(err) {
			return fmt.Errorf("remove media of %s: %w", ownerID, err)
		}
	}
	if err != nil {
		return fmt.Errorf("remove media of %s: %w", ownerID, err)
	}
	if err := m.stampContentType(ctx, s, ownerID, ""); err != nil {
		return fmt.Errorf("clear media type on %s: %w", ownerID, err)
	}
	m.Revoke(ownerID)
	logger.Info("media_removed", "owner", ownerID)
	return nil
}

// stampContentType sets or, when contentType is blank, clears the
// owner's mediaContentType field with conflict retry.
func (m *Manager) stampContentType(ctx context.Context, s store.Store, ownerID, contentType string) error {
	_, err := mutation.UpdateWithRetry(ctx, s, ownerID, func(latest json.RawMessage) (json.RawMessage, error) {
		var body map[string]any
		if err := json.Unmarshal(latest, &body); err != nil {
			return nil, fmt.Errorf("decode owner %s: %w", ownerID, err)
		}
		if contentType == "" {
			delete(body, "mediaContentType")
		} else {
			body["mediaContentType"] = contentType
		}
		return json.Marshal(body)
	})
	return err
}

// ResolveMedia materializes the owner's blob to a temp file and
// returns a handle to it. A missing blob returns a nil handle, not an
// error. Resolving again revokes the previous handle first, so at most
// one temp file exists per owner.
func (m *Manager) ResolveMedia(ctx context.Context, ownerID string) (*Handle, error) {
	m.Revoke(ownerID)
	s := m.storeFor(ownerID)
	data, meta, err := s.GetAttachment(ctx, ownerID, SlotName)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve media of %s: %w", ownerID, err)
	}
	f, err := os.CreateTemp(m.tmpDir, "media-*")
	if err != nil {
		return nil, fmt.Errorf("materialize media of %s: %w", ownerID, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("materialize media of %s: %w", ownerID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("materialize media of %s: %w", ownerID, err)
	}
	h := &Handle{
		OwnerID:     ownerID,
		Path:        f.Name(),
		ContentType: meta.ContentType,
		Length:      meta.Length,
		Digest:      meta.Digest,
	}
	m.handles.Set(ownerID, h, gocache.DefaultExpiration)
	logger.Debug("media_resolved", "owner", ownerID, "path", h.Path, "bytes", meta.Length)
	return h, nil
}

// Revoke deletes the owner's outstanding handle and its temp file, if
// any.
func (m *Manager) Revoke(ownerID string) {
	m.handles.Delete(ownerID)
}

// RevokeAll revokes every outstanding handle. Items are deleted one by
// one because a flush would bypass the eviction hook and leak the temp
// files.
func (m *Manager) RevokeAll() {
	for owner := range m.handles.Items() {
		m.handles.Delete(owner)
	}
}

func ownerEnvelope(ctx context.Context, s store.Store, ownerID string) (store.Envelope, error) {
	var env store.Envelope
	raw, err := s.Get(ctx, ownerID)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode owner %s: %w", ownerID, err)
	}
	return env, nil
}
