package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Find runs q against one declared index. The planner refuses queries
// no index can serve rather than falling back to a collection scan, so
// query cost stays proportional to the page returned.
func (c *Collection) Find(ctx context.Context, q Query) ([]json.RawMessage, error) {
	if err := normalizeQuery(&q); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defs, err := c.indexDefs()
	if err == nil {
		defs = append([]Index(nil), defs...)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	def, err := pickIndex(defs, q)
	if err != nil {
		return nil, err
	}
	recordIndexScan(c.name, def.Name)
	return c.scanIndex(ctx, def, q)
}

// normalizeQuery validates q and coerces every selector value to the
// canonical scalar set the encoding accepts.
func normalizeQuery(q *Query) error {
	if q.Limit < 0 || q.Skip < 0 {
		return fmt.Errorf("%w: negative limit or skip", ErrBadQuery)
	}
	if len(q.Eq) > 0 {
		eq := make(map[string]any, len(q.Eq))
		for f, v := range q.Eq {
			if f == "" {
				return fmt.Errorf("%w: empty field in selector", ErrBadQuery)
			}
			nv, err := normalizeValue(v)
			if err != nil {
				return fmt.Errorf("%w: field %s: %v", ErrBadQuery, f, err)
			}
			eq[f] = nv
		}
		q.Eq = eq
	}
	if q.Range != nil {
		r := *q.Range
		if r.Field == "" {
			return fmt.Errorf("%w: range without field", ErrBadQuery)
		}
		if r.GTE == nil && r.LTE == nil {
			return fmt.Errorf("%w: range without bounds", ErrBadQuery)
		}
		if _, ok := q.Eq[r.Field]; ok {
			return fmt.Errorf("%w: field %s is both equality and range", ErrBadQuery, r.Field)
		}
		if r.GTE != nil {
			nv, err := normalizeValue(r.GTE)
			if err != nil {
				return fmt.Errorf("%w: range gte: %v", ErrBadQuery, err)
			}
			r.GTE = nv
		}
		if r.LTE != nil {
			nv, err := normalizeValue(r.LTE)
			if err != nil {
				return fmt.Errorf("%w: range lte: %v", ErrBadQuery, err)
			}
			r.LTE = nv
		}
		q.Range = &r
	}
	seen := make(map[string]bool, len(q.Sort))
	for _, s := range q.Sort {
		if s.Field == "" || seen[s.Field] {
			return fmt.Errorf("%w: invalid sort", ErrBadQuery)
		}
		seen[s.Field] = true
		if _, ok := q.Eq[s.Field]; ok {
			return fmt.Errorf("%w: sort on equality field %s", ErrBadQuery, s.Field)
		}
	}
	if q.Range != nil && len(q.Sort) > 0 && q.Sort[0].Field != q.Range.Field {
		return fmt.Errorf("%w: sort must lead with range field %s", ErrBadQuery, q.Range.Field)
	}
	// one direction change is served by reversing runs of equal leading
	// values; more than one cannot come off a single index scan
	flips := 0
	for i := 1; i < len(q.Sort); i++ {
		if q.Sort[i].Desc != q.Sort[i-1].Desc {
			flips++
		}
	}
	if flips > 1 {
		return fmt.Errorf("%w: more than one sort direction change", ErrBadQuery)
	}
	return nil
}

// pickIndex chooses the shortest index serving q, name as tiebreak so
// planning is deterministic.
func pickIndex(defs []Index, q Query) (Index, error) {
	var best *Index
	for i := range defs {
		def := &defs[i]
		if !indexServes(*def, q) {
			continue
		}
		if best == nil || len(def.Fields) < len(best.Fields) ||
			(len(def.Fields) == len(best.Fields) && def.Name < best.Name) {
			best = def
		}
	}
	if best == nil {
		return Index{}, ErrNoIndex
	}
	return *best, nil
}

// indexServes reports whether def can answer q: its leading fields are
// exactly the equality set, the range field (if any) comes next, and
// the sort keys follow the remaining fields in order.
func indexServes(def Index, q Query) bool {
	if len(def.Fields) < len(q.Eq) {
		return false
	}
	for _, f := range def.Fields[:len(q.Eq)] {
		if _, ok := q.Eq[f]; !ok {
			return false
		}
	}
	rest := def.Fields[len(q.Eq):]
	if q.Range != nil {
		if len(rest) == 0 || rest[0] != q.Range.Field {
			return false
		}
	}
	if len(q.Sort) > len(rest) {
		return false
	}
	for i, s := range q.Sort {
		if rest[i] != s.Field {
			return false
		}
	}
	return true
}

func (c *Collection) scanIndex(ctx context.Context, def Index, q Query) ([]json.RawMessage, error) {
	prefix := idxPrefix(c.name, def.Name)
	for _, f := range def.Fields[:len(q.Eq)] {
		var err error
		prefix, err = appendValue(prefix, q.Eq[f])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadQuery, err)
		}
	}
	lower := prefix
	upper := prefixUpperBound(prefix)
	if q.Range != nil {
		if q.Range.GTE != nil {
			b, err := appendValue(append([]byte(nil), prefix...), q.Range.GTE)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadQuery, err)
			}
			lower = b
		}
		if q.Range.LTE != nil {
			b, err := appendValue(append([]byte(nil), prefix...), q.Range.LTE)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadQuery, err)
			}
			// rows equal to the bound carry further encoded fields and
			// the doc id after it, so extend past them
			upper = prefixUpperBound(b)
		}
	}

	desc := false
	if len(q.Sort) > 0 {
		desc = q.Sort[0].Desc
	}
	flipAt := -1
	for i := 1; i < len(q.Sort); i++ {
		if q.Sort[i].Desc != q.Sort[i-1].Desc {
			flipAt = i
			break
		}
	}

	iter, err := c.db.pdb.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	skip := q.Skip
	out := []json.RawMessage{}
	done := false
	emit := func(id string) error {
		raw, env, gerr := c.getWithEnvelope(id)
		if gerr != nil {
			if IsNotFound(gerr) {
				return nil // stale row
			}
			return gerr
		}
		if env.Deleted {
			return nil
		}
		if skip > 0 {
			skip--
			return nil
		}
		out = append(out, raw)
		if q.Limit > 0 && len(out) >= q.Limit {
			done = true
		}
		return nil
	}

	base := len(idxPrefix(c.name, def.Name))
	nFields := len(def.Fields)
	groupFields := nFields
	if flipAt >= 0 {
		groupFields = len(q.Eq) + flipAt
	}
	// split decodes a row key into the doc id suffix and the encoded
	// bytes of the fields ahead of the direction change
	split := func(key []byte) (string, []byte, error) {
		vals := key[base:]
		rem := vals
		var gEnd int
		for i := 0; i < nFields; i++ {
			_, next, derr := decodeValue(rem)
			if derr != nil {
				return "", nil, fmt.Errorf("store: index row %q corrupt: %w", key, derr)
			}
			rem = next
			if i+1 == groupFields {
				gEnd = len(vals) - len(rem)
			}
		}
		return string(rem), vals[:gEnd], nil
	}

	step := iter.Next
	ok := iter.First()
	if desc {
		step = iter.Prev
		ok = iter.Last()
	}

	if flipAt < 0 {
		var scanned int
		for ; ok && !done; ok = step() {
			if scanned++; scanned%512 == 0 {
				if cerr := ctx.Err(); cerr != nil {
					return nil, cerr
				}
			}
			id, _, serr := split(iter.Key())
			if serr != nil {
				return nil, serr
			}
			if err := emit(id); err != nil {
				return nil, err
			}
		}
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return out, nil
	}

	// One direction change: scan the primary direction and reverse each
	// run of rows sharing the leading sort values.
	var group []byte
	haveGroup := false
	var pending []string
	flush := func() error {
		for i := len(pending) - 1; i >= 0 && !done; i-- {
			if err := emit(pending[i]); err != nil {
				return err
			}
		}
		pending = pending[:0]
		return nil
	}
	var scanned int
	for ; ok && !done; ok = step() {
		if scanned++; scanned%512 == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
		}
		id, g, serr := split(iter.Key())
		if serr != nil {
			return nil, serr
		}
		if !haveGroup || !bytes.Equal(g, group) {
			if err := flush(); err != nil {
				return nil, err
			}
			group = append(group[:0], g...)
			haveGroup = true
		}
		pending = append(pending, id)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}
