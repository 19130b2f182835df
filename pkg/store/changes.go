package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"holocron/pkg/logger"
)

// watchBuffer is each subscriber's channel capacity. A subscriber that
// is still full when the next write publishes is closed as lagging and
// must re-Watch from its own checkpoint.
const watchBuffer = 256

// Changes returns feed entries with Seq greater than since, oldest
// first, up to limit. Superseded entries are pruned at write time, so
// a page holds at most one entry per document.
func (c *Collection) Changes(ctx context.Context, since uint64, limit int) (ChangeBatch, error) {
	if limit <= 0 {
		limit = defaultChangesLimit
	}
	batch := ChangeBatch{Changes: []Change{}, LastSeq: since}
	iter, err := c.db.pdb.NewIter(&pebble.IterOptions{
		LowerBound: chgKey(c.name, since+1),
		UpperBound: prefixUpperBound(chgPrefix(c.name)),
	})
	if err != nil {
		return batch, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid() && len(batch.Changes) < limit; iter.Next() {
		if cerr := ctx.Err(); cerr != nil {
			return batch, cerr
		}
		var ch Change
		if err := json.Unmarshal(iter.Value(), &ch); err != nil {
			return batch, fmt.Errorf("store: feed entry %s corrupt: %w", iter.Key(), err)
		}
		batch.Changes = append(batch.Changes, ch)
		batch.LastSeq = ch.Seq
	}
	return batch, iter.Error()
}

// subscriber is one live Watch registration. Sends happen under subMu
// while the subscriber is registered; whoever removes it from the map
// closes the channel.
type subscriber struct {
	ch chan Change
}

// Watch streams the feed from since: persisted entries replayed first,
// then live publishes. The subscriber is registered before the replay
// snapshot is taken, so nothing between the two is lost; anything
// delivered twice is dropped by the sequence cursor.
func (c *Collection) Watch(ctx context.Context, since uint64) (<-chan Change, func(), error) {
	sub := &subscriber{ch: make(chan Change, watchBuffer)}
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub
	c.subMu.Unlock()
	cancel := func() { c.dropSubscriber(id) }

	snapshot, err := c.Seq()
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan Change, watchBuffer)
	go func() {
		defer close(out)
		defer cancel()
		cursor := since
		for cursor < snapshot {
			batch, err := c.Changes(ctx, cursor, defaultChangesLimit)
			if err != nil {
				logger.Warn("watch_replay_failed", "collection", c.name, "error", err)
				return
			}
			if len(batch.Changes) == 0 {
				break
			}
			for _, ch := range batch.Changes {
				if ch.Seq > snapshot {
					break
				}
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			}
			cursor = batch.LastSeq
		}
		// live entries beyond the snapshot were buffered while replaying
		cursor = snapshot
		for {
			select {
			case ch, ok := <-sub.ch:
				if !ok {
					return
				}
				if ch.Seq <= cursor {
					continue
				}
				cursor = ch.Seq
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

func (c *Collection) dropSubscriber(id int) {
	c.subMu.Lock()
	if sub, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(sub.ch)
	}
	c.subMu.Unlock()
}

// publish fans a committed change out to live subscribers. A full
// buffer means the subscriber stopped draining; it is closed as
// lagging rather than holding the collection lock behind it.
func (c *Collection) publish(ch Change) {
	c.subMu.Lock()
	for id, sub := range c.subs {
		select {
		case sub.ch <- ch:
		default:
			delete(c.subs, id)
			close(sub.ch)
			recordWatchLag(c.name)
			logger.Warn("watch_subscriber_lagged", "collection", c.name, "seq", ch.Seq)
		}
	}
	c.subMu.Unlock()
}

func (c *Collection) closeSubscribers() {
	c.subMu.Lock()
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub.ch)
	}
	c.subMu.Unlock()
}
