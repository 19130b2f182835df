// Package mutation implements the write operations of the application
// model on top of the document store. Every update goes through one
// get-merge-put primitive with bounded conflict retry; deletes cascade
// through child entities before removing the parent. Operations return
// the committed document or an error, never a partially applied state:
// a failed multi-step cascade leaves already-tombstoned children in
// place and reports the failure instead of rolling back.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"holocron/pkg/store"
)

// maxAttempts bounds the get-merge-put loop. Three attempts absorb
// ordinary local contention; a writer that loses three races in a row
// is fighting a sustained stream and should surface the failure.
const maxAttempts = 3

// ErrRetriesExhausted reports an update that lost the revision race on
// every attempt. Callers at the view boundary treat it as a null
// result.
var ErrRetriesExhausted = errors.New("update retries exhausted")

// Mutator executes application writes against the two collections.
type Mutator struct {
	chars store.Store
	msgs  store.Store
}

// New builds a Mutator over the characters and messages collections.
func New(chars, msgs store.Store) *Mutator {
	return &Mutator{chars: chars, msgs: msgs}
}

// UpdateWithRetry applies merge to the latest stored body of id and
// writes the result, re-fetching and re-merging on revision conflict
// up to maxAttempts times. Only store.ErrConflict is retried; any
// other failure, including a merge error, aborts immediately. The
// returned body carries the committed revision.
func UpdateWithRetry(ctx context.Context, s store.Store, id string, merge func(latest json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		latest, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		doc, err := merge(latest)
		if err != nil {
			return nil, err
		}
		rev, err := s.Put(ctx, doc)
		if err != nil {
			if store.IsConflict(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return withRev(doc, rev), nil
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrRetriesExhausted, id, maxAttempts, lastErr)
}

// withRev returns doc with its _rev field replaced by rev, so callers
// see the revision the store actually committed.
func withRev(doc json.RawMessage, rev string) json.RawMessage {
	var body map[string]any
	if err := json.Unmarshal(doc, &body); err != nil {
		return doc
	}
	body["_rev"] = rev
	out, err := json.Marshal(body)
	if err != nil {
		return doc
	}
	return out
}

// create marshals entity, writes it as a new document and returns the
// stored body with its first revision.
func create(ctx context.Context, s store.Store, entity any) (json.RawMessage, error) {
	doc, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	rev, err := s.Put(ctx, doc)
	if err != nil {
		return nil, err
	}
	return withRev(doc, rev), nil
}
