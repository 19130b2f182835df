package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"holocron/pkg/logger"
)

// PurgeTombstones permanently removes tombstoned documents deleted
// before cutoff: the document row, its feed entry and any attachment
// rows left behind. A peer that never pulled the tombstone can
// reintroduce the document afterwards, so retention should run on a
// much longer period than replication. With dryRun only the count is
// reported.
func (c *Collection) PurgeTombstones(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := chgPrefix(c.name)
	iter, err := c.db.pdb.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	b := c.db.pdb.NewBatch()
	defer b.Close()
	var n, scanned int
	for iter.First(); iter.Valid(); iter.Next() {
		if scanned++; scanned%512 == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return n, cerr
			}
		}
		var ch Change
		if json.Unmarshal(iter.Value(), &ch) != nil || !ch.Deleted || ch.TS == "" {
			continue
		}
		ts, terr := time.Parse(time.RFC3339Nano, ch.TS)
		if terr != nil || !ts.Before(cutoff) {
			continue
		}
		n++
		if dryRun {
			continue
		}
		if err := b.Delete(docKey(c.name, ch.ID), nil); err != nil {
			return n, err
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return n, err
		}
		if err := b.Delete(chgPtrKey(c.name, ch.ID), nil); err != nil {
			return n, err
		}
		ap := attDocPrefix(c.name, ch.ID)
		if err := b.DeleteRange(ap, prefixUpperBound(ap), nil); err != nil {
			return n, err
		}
		mp := attMetaDocPrefix(c.name, ch.ID)
		if err := b.DeleteRange(mp, prefixUpperBound(mp), nil); err != nil {
			return n, err
		}
	}
	if err := iter.Error(); err != nil {
		return n, err
	}
	if dryRun || n == 0 {
		return n, nil
	}
	if err := c.db.pdb.Apply(b, c.db.writeOpt()); err != nil {
		return n, fmt.Errorf("store: purge %s: %w", c.name, err)
	}
	logger.Info("tombstones_purged", "collection", c.name, "count", n)
	return n, nil
}

// SweepChangelog removes feed entries older than cutoff whose document
// row is gone, remnants of purges and crashes. Entries backing live
// documents are never touched; they are what replication replays.
func (c *Collection) SweepChangelog(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := chgPrefix(c.name)
	iter, err := c.db.pdb.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	b := c.db.pdb.NewBatch()
	defer b.Close()
	var n, scanned int
	for iter.First(); iter.Valid(); iter.Next() {
		if scanned++; scanned%512 == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return n, cerr
			}
		}
		var ch Change
		if json.Unmarshal(iter.Value(), &ch) != nil {
			continue
		}
		if ch.TS != "" {
			ts, terr := time.Parse(time.RFC3339Nano, ch.TS)
			if terr != nil || !ts.Before(cutoff) {
				continue
			}
		}
		if _, gerr := c.db.getRaw(docKey(c.name, ch.ID)); gerr == nil || !IsNotFound(gerr) {
			continue
		}
		n++
		if dryRun {
			continue
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return n, err
		}
		if err := b.Delete(chgPtrKey(c.name, ch.ID), nil); err != nil {
			return n, err
		}
	}
	if err := iter.Error(); err != nil {
		return n, err
	}
	if dryRun || n == 0 {
		return n, nil
	}
	if err := c.db.pdb.Apply(b, c.db.writeOpt()); err != nil {
		return n, fmt.Errorf("store: sweep changelog %s: %w", c.name, err)
	}
	logger.Info("changelog_swept", "collection", c.name, "count", n)
	return n, nil
}

// SweepOrphanAttachments removes attachment rows whose document is
// missing or tombstoned, and blobs that lost their metadata row.
func (c *Collection) SweepOrphanAttachments(ctx context.Context, dryRun bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.db.pdb.NewBatch()
	defer b.Close()
	n, err := c.sweepAttRows(ctx, b, attMetaPrefix(c.name), true)
	if err != nil {
		return n, err
	}
	blobs, err := c.sweepAttRows(ctx, b, attPrefix(c.name), false)
	n += blobs
	if err != nil {
		return n, err
	}
	if dryRun || n == 0 {
		return n, nil
	}
	if err := c.db.pdb.Apply(b, c.db.writeOpt()); err != nil {
		return n, fmt.Errorf("store: sweep attachments %s: %w", c.name, err)
	}
	logger.Info("orphan_attachments_swept", "collection", c.name, "count", n)
	return n, nil
}

// sweepAttRows stages deletes for orphaned rows under prefix. With
// meta it checks the owning document; for blob rows it checks the
// metadata row, which the first pass may already have staged away.
func (c *Collection) sweepAttRows(ctx context.Context, b *pebble.Batch, prefix []byte, meta bool) (int, error) {
	iter, err := c.db.pdb.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	var n, scanned int
	for iter.First(); iter.Valid(); iter.Next() {
		if scanned++; scanned%512 == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return n, cerr
			}
		}
		id, name, ok := attIDName(string(iter.Key()[len(prefix):]))
		if !ok {
			continue
		}
		orphaned := false
		if meta {
			_, env, gerr := c.getWithEnvelope(id)
			orphaned = IsNotFound(gerr) || (gerr == nil && env.Deleted)
		} else {
			_, gerr := c.db.getRaw(attMetaKey(c.name, id, name))
			orphaned = IsNotFound(gerr)
		}
		if !orphaned {
			continue
		}
		n++
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return n, err
		}
		if meta {
			if err := b.Delete(attKey(c.name, id, name), nil); err != nil {
				return n, err
			}
		}
	}
	return n, iter.Error()
}
