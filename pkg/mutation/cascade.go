package mutation

import (
	"context"
	"encoding/json"
	"fmt"

	"holocron/pkg/models"
	"holocron/pkg/store"
)

// tombstoneFor builds a typed tombstone from the latest stored body:
// _deleted plus the type discriminator and foreign keys, so sync peers
// can still classify the delete without the full document.
func tombstoneFor(latest json.RawMessage) (json.RawMessage, error) {
	var body map[string]any
	if err := json.Unmarshal(latest, &body); err != nil {
		return nil, fmt.Errorf("decode document for tombstone: %w", err)
	}
	tomb := map[string]any{
		"_id":      body["_id"],
		"_rev":     body["_rev"],
		"_deleted": true,
	}
	for _, k := range []string{"type", "characterId", "messageId"} {
		if v, ok := body[k]; ok {
			tomb[k] = v
		}
	}
	return json.Marshal(tomb)
}

// tombstoneWithRetry tombstones id with the same bounded conflict
// retry as updates. A document that is already gone counts as done.
func tombstoneWithRetry(ctx context.Context, s store.Store, id string) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		latest, err := s.Get(ctx, id)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		tomb, err := tombstoneFor(latest)
		if err != nil {
			return err
		}
		if _, err := s.Put(ctx, tomb); err != nil {
			if store.IsConflict(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrRetriesExhausted, id, maxAttempts, lastErr)
}

// tombstoneAll bulk-tombstones ids, re-fetching fresh revisions and
// retrying per-document conflicts up to the attempt bound. Documents
// already gone are skipped; residual conflicts after the last round
// are reported, not rolled back.
func tombstoneAll(ctx context.Context, s store.Store, ids []string) error {
	remaining := ids
	for attempt := 0; attempt < maxAttempts && len(remaining) > 0; attempt++ {
		docs := make([]json.RawMessage, 0, len(remaining))
		docIDs := make([]string, 0, len(remaining))
		for _, id := range remaining {
			latest, err := s.Get(ctx, id)
			if err != nil {
				if store.IsNotFound(err) {
					continue
				}
				return err
			}
			tomb, err := tombstoneFor(latest)
			if err != nil {
				return err
			}
			docs = append(docs, tomb)
			docIDs = append(docIDs, id)
		}
		if len(docs) == 0 {
			return nil
		}
		results, err := s.BulkDocs(ctx, docs, true)
		if err != nil {
			return err
		}
		var retry []string
		for i, r := range results {
			switch r.Error {
			case "":
			case "conflict":
				retry = append(retry, docIDs[i])
			default:
				return fmt.Errorf("tombstone %s: %s", docIDs[i], r.Error)
			}
		}
		remaining = retry
	}
	if len(remaining) > 0 {
		return fmt.Errorf("%w: %d documents still conflicted", ErrRetriesExhausted, len(remaining))
	}
	return nil
}

// messageIDsFor lists the ids of all live messages under characterID.
func (m *Mutator) messageIDsFor(ctx context.Context, characterID string) ([]string, error) {
	docs, err := m.msgs.Find(ctx, store.Query{
		Eq: map[string]any{"type": models.TypeMessage, "characterId": characterID},
	})
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", characterID, err)
	}
	return idsOf(docs)
}

// commentIDsFor lists the ids of all live comments under messageID.
func (m *Mutator) commentIDsFor(ctx context.Context, messageID string) ([]string, error) {
	docs, err := m.msgs.Find(ctx, store.Query{
		Eq: map[string]any{"type": models.TypeComment, "messageId": messageID},
	})
	if err != nil {
		return nil, fmt.Errorf("list comments of %s: %w", messageID, err)
	}
	return idsOf(docs)
}

func idsOf(docs []json.RawMessage) ([]string, error) {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		var env store.Envelope
		if err := json.Unmarshal(doc, &env); err != nil {
			return nil, fmt.Errorf("decode document envelope: %w", err)
		}
		ids = append(ids, env.ID)
	}
	return ids, nil
}
