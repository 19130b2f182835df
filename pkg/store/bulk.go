package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// BulkDocs writes docs atomically in one batch. See Store.BulkDocs for
// the two modes. Duplicate ids inside one call are collapsed first:
// with new edits the later duplicate reports a conflict, without new
// edits the deterministic winner among the duplicates is kept.
func (c *Collection) BulkDocs(ctx context.Context, docs []json.RawMessage, newEdits bool) ([]BulkResult, error) {
	results := make([]BulkResult, len(docs))
	ops := make([]pendingWrite, len(docs))
	skip := make([]bool, len(docs))
	byID := make(map[string]int, len(docs))

	for i, doc := range docs {
		op, err := c.prepare(doc)
		if err != nil {
			results[i] = BulkResult{ID: op.id, Error: err.Error()}
			skip[i] = true
			continue
		}
		if !newEdits && !ValidRev(op.rev) {
			results[i] = BulkResult{ID: op.id, Error: "missing rev"}
			skip[i] = true
			continue
		}
		if prev, dup := byID[op.id]; dup {
			if newEdits {
				results[i] = BulkResult{ID: op.id, Error: "conflict"}
				skip[i] = true
				continue
			}
			// keep the deterministic winner among duplicates
			if CompareRevs(op.rev, ops[prev].rev) > 0 {
				skip[prev] = true
				results[prev] = BulkResult{ID: op.id}
				byID[op.id] = i
			} else {
				results[i] = BulkResult{ID: op.id}
				skip[i] = true
				continue
			}
		} else {
			byID[op.id] = i
		}
		ops[i] = op
		results[i] = BulkResult{ID: op.id}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	staged := make([]stagedWrite, 0, len(docs))
	applied := make([]int, 0, len(docs))
	for i := range ops {
		if skip[i] {
			continue
		}
		var st stagedWrite
		var err error
		if newEdits {
			st, err = c.resolve(ops[i])
			if err != nil {
				if IsConflict(err) {
					results[i].Error = "conflict"
					continue
				}
				return nil, err
			}
		} else {
			var ok bool
			st, ok, err = c.resolveReplicated(ops[i])
			if err != nil {
				return nil, err
			}
			if !ok {
				continue // incoming revision lost or matched; skipped
			}
		}
		staged = append(staged, st)
		applied = append(applied, i)
	}

	if len(staged) > 0 {
		if err := c.commit(staged); err != nil {
			return nil, err
		}
	}
	for n, i := range applied {
		results[i].Rev = staged[n].rev
		if !newEdits {
			recordReplApplied(c.name)
		}
	}
	return results, nil
}

// resolveReplicated decides whether an incoming replicated revision
// replaces the stored one. The incoming revision is kept verbatim so
// every node converges on the same winner. Caller holds c.mu.
func (c *Collection) resolveReplicated(op pendingWrite) (stagedWrite, bool, error) {
	var st stagedWrite
	curRaw, curEnv, err := c.getWithEnvelope(op.id)
	switch {
	case err == nil:
		if CompareRevs(op.rev, curEnv.Rev) <= 0 {
			return st, false, nil
		}
		st.oldExists = true
		st.oldDeleted = curEnv.Deleted
		if !curEnv.Deleted {
			if uerr := json.Unmarshal(curRaw, &st.oldBody); uerr != nil {
				return st, false, fmt.Errorf("stored doc %s corrupt: %w", op.id, uerr)
			}
		}
	case IsNotFound(err):
	default:
		return st, false, err
	}
	st.id = op.id
	st.rev = op.rev
	st.deleted = op.deleted
	st.body = op.body
	st.body["_id"] = op.id
	st.body["_rev"] = op.rev
	raw, merr := json.Marshal(st.body)
	if merr != nil {
		return st, false, fmt.Errorf("%w: %v", ErrBadDoc, merr)
	}
	if int64(len(raw)) > c.db.maxDoc {
		return st, false, ErrDocTooLarge
	}
	st.raw = raw
	return st, true, nil
}
