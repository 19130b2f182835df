package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/cockroachdb/pebble"

	"holocron/pkg/logger"
)

// CreateIndex declares idx over the collection and backfills entries
// for existing documents. Redeclaring an identical index is a no-op
// returning false; reusing a name for different fields fails with
// ErrIndexExists.
func (c *Collection) CreateIndex(ctx context.Context, idx Index) (bool, error) {
	if err := ValidateIndexName(idx.Name); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadIndex, err)
	}
	if len(idx.Fields) == 0 {
		return false, fmt.Errorf("%w: no fields", ErrBadIndex)
	}
	seen := make(map[string]bool, len(idx.Fields))
	for _, f := range idx.Fields {
		if f == "" {
			return false, fmt.Errorf("%w: empty field name", ErrBadIndex)
		}
		if seen[f] {
			return false, fmt.Errorf("%w: duplicate field %q", ErrBadIndex, f)
		}
		seen[f] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defs, err := c.indexDefs()
	if err != nil {
		return false, err
	}
	for _, def := range defs {
		if def.Name != idx.Name {
			continue
		}
		if slices.Equal(def.Fields, idx.Fields) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrIndexExists, idx.Name)
	}

	enc, err := json.Marshal(idx)
	if err != nil {
		return false, err
	}
	b := c.db.pdb.NewBatch()
	defer b.Close()
	if err := b.Set(idxDefKey(c.name, idx.Name), enc, nil); err != nil {
		return false, err
	}
	n, err := c.backfill(ctx, b, idx)
	if err != nil {
		return false, err
	}
	if err := c.db.pdb.Apply(b, c.db.writeOpt()); err != nil {
		return false, fmt.Errorf("store: create index %s/%s: %w", c.name, idx.Name, err)
	}
	c.indexes = append(c.indexes, idx)
	logger.Info("index_created", "collection", c.name, "index", idx.Name, "fields", idx.Fields, "entries", n)
	return true, nil
}

// ListIndexes returns the declared indexes sorted by name.
func (c *Collection) ListIndexes(ctx context.Context) ([]Index, error) {
	c.mu.Lock()
	defs, err := c.indexDefs()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	out := make([]Index, len(defs))
	copy(out, defs)
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RebuildIndex drops and rebuilds every entry of one declared index.
// The storage upgrade path runs it when the entry encoding changes.
func (c *Collection) RebuildIndex(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defs, err := c.indexDefs()
	if err != nil {
		return err
	}
	var def *Index
	for i := range defs {
		if defs[i].Name == name {
			def = &defs[i]
			break
		}
	}
	if def == nil {
		return fmt.Errorf("%w: index %s", ErrNotFound, name)
	}
	b := c.db.pdb.NewBatch()
	defer b.Close()
	prefix := idxPrefix(c.name, name)
	if err := b.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return err
	}
	n, err := c.backfill(ctx, b, *def)
	if err != nil {
		return err
	}
	if err := c.db.pdb.Apply(b, c.db.writeOpt()); err != nil {
		return fmt.Errorf("store: rebuild index %s/%s: %w", c.name, name, err)
	}
	logger.Info("index_rebuilt", "collection", c.name, "index", name, "entries", n)
	return nil
}

// indexDefs returns the declared indexes, loading them from idxdef:
// rows on first use. Caller holds c.mu.
func (c *Collection) indexDefs() ([]Index, error) {
	if c.idxLoaded {
		return c.indexes, nil
	}
	prefix := idxDefPrefix(c.name)
	iter, err := c.db.pdb.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var defs []Index
	for iter.First(); iter.Valid(); iter.Next() {
		var def Index
		if err := json.Unmarshal(iter.Value(), &def); err != nil {
			return nil, fmt.Errorf("store: index definition %s corrupt: %w", iter.Key(), err)
		}
		defs = append(defs, def)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	c.indexes = defs
	c.idxLoaded = true
	return defs, nil
}

// backfill stages index entries for every live document. Caller holds
// c.mu so no write races the scan.
func (c *Collection) backfill(ctx context.Context, b *pebble.Batch, idx Index) (int, error) {
	prefix := docPrefix(c.name)
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
				return 0, cerr
			}
		}
		var body map[string]any
		if err := json.Unmarshal(iter.Value(), &body); err != nil {
			continue
		}
		if deleted, _ := body["_deleted"].(bool); deleted {
			continue
		}
		id, _ := body["_id"].(string)
		key, ok, err := indexEntry(c.name, idx, body, id)
		if err != nil || !ok {
			// documents predating the index may hold values it cannot
			// encode; they simply stay out of it
			continue
		}
		if err := b.Set(key, nil, nil); err != nil {
			return 0, err
		}
		n++
	}
	return n, iter.Error()
}

// indexEntry builds the index row key for one document, or ok=false
// when the document has no entry: a field missing, null, or not a
// scalar. A NUL byte inside an indexed string is a document error.
func indexEntry(coll string, def Index, body map[string]any, docID string) ([]byte, bool, error) {
	key := idxPrefix(coll, def.Name)
	for _, field := range def.Fields {
		v, ok := body[field]
		if !ok || v == nil {
			return nil, false, nil
		}
		var err error
		key, err = appendValue(key, v)
		if err != nil {
			if errors.Is(err, ErrBadDoc) {
				return nil, false, err
			}
			return nil, false, nil
		}
	}
	return append(key, docID...), true, nil
}
