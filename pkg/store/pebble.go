package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"holocron/pkg/logger"
)

// Default caps applied when Options leaves them zero.
const (
	DefaultMaxDocSize        = 1 << 20  // 1 MiB
	DefaultMaxAttachmentSize = 32 << 20 // 32 MiB
	defaultChangesLimit      = 1000
)

// Options tunes a DB at open time.
type Options struct {
	// SyncWrites makes every commit wait for the WAL fsync.
	SyncWrites bool
	// CacheSize is the pebble block cache size in bytes; zero keeps
	// pebble's default.
	CacheSize int64
	// MaxDocSize and MaxAttachmentSize cap encoded sizes; zero applies
	// the package defaults.
	MaxDocSize        int64
	MaxAttachmentSize int64
}

// DB owns one pebble instance holding any number of collections.
type DB struct {
	pdb        *pebble.DB
	path       string
	syncWrites bool
	maxDoc     int64
	maxAtt     int64

	mu     sync.Mutex
	colls  map[string]*Collection
	closed bool
}

// Open opens or creates the database at path.
func Open(path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty db path")
	}
	popts := &pebble.Options{}
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		popts.Cache = cache
	}
	pdb, err := pebble.Open(path, popts)
	if err != nil {
		return nil, fmt.Errorf("store: open pebble at %s: %w", path, err)
	}
	d := &DB{
		pdb:        pdb,
		path:       path,
		syncWrites: opts.SyncWrites,
		maxDoc:     opts.MaxDocSize,
		maxAtt:     opts.MaxAttachmentSize,
		colls:      make(map[string]*Collection),
	}
	if d.maxDoc <= 0 {
		d.maxDoc = DefaultMaxDocSize
	}
	if d.maxAtt <= 0 {
		d.maxAtt = DefaultMaxAttachmentSize
	}
	logger.Info("store_opened", "path", path, "sync_writes", opts.SyncWrites)
	return d, nil
}

// Close closes every collection's subscribers and the pebble handle.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	colls := make([]*Collection, 0, len(d.colls))
	for _, c := range d.colls {
		colls = append(colls, c)
	}
	d.mu.Unlock()
	for _, c := range colls {
		c.closeSubscribers()
	}
	if err := d.pdb.Close(); err != nil {
		return fmt.Errorf("store: close pebble: %w", err)
	}
	logger.Info("store_closed", "path", d.path)
	return nil
}

// Path returns the database directory.
func (d *DB) Path() string { return d.path }

// Collection returns the handle for name, creating it on first use.
// Collections exist implicitly; a handle with no documents is valid.
func (d *DB) Collection(name string) (*Collection, error) {
	if err := ValidateCollection(name); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if c, ok := d.colls[name]; ok {
		return c, nil
	}
	c := &Collection{db: d, name: name, subs: make(map[int]*subscriber)}
	d.colls[name] = c
	return c, nil
}

// Collections returns handles opened so far, for stats and sweeps.
func (d *DB) Collections() []*Collection {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Collection, 0, len(d.colls))
	for _, c := range d.colls {
		out = append(out, c)
	}
	return out
}

// DiskUsage returns the on-disk footprint of the database directory.
func (d *DB) DiskUsage() (int64, error) {
	var total int64
	err := filepath.WalkDir(d.path, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func (d *DB) writeOpt() *pebble.WriteOptions {
	if d.syncWrites {
		return pebble.Sync
	}
	return pebble.NoSync
}

// getRaw reads one key, copying the value out of pebble's buffer.
func (d *DB) getRaw(key []byte) ([]byte, error) {
	v, closer, err := d.pdb.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), v...)
	if cerr := closer.Close(); cerr != nil {
		return nil, cerr
	}
	return out, nil
}

func (d *DB) setRaw(key, val []byte) error {
	return d.pdb.Set(key, val, d.writeOpt())
}

func (d *DB) deleteRaw(key []byte) error {
	return d.pdb.Delete(key, d.writeOpt())
}

// GetSys, SetSys and DeleteSys access node-local state under the sys:
// prefix: replication checkpoints, the storage format marker. Sys keys
// never appear in any changes feed.
func (d *DB) GetSys(parts ...string) ([]byte, error) {
	return d.getRaw(SysKey(parts...))
}

func (d *DB) SetSys(val []byte, parts ...string) error {
	return d.setRaw(SysKey(parts...), val)
}

func (d *DB) DeleteSys(parts ...string) error {
	return d.deleteRaw(SysKey(parts...))
}

// Collection is a named document set inside a DB. The mutex serializes
// every write to the collection, making the read-check-write of
// revision handling and sequence assignment atomic with the batch
// commit. Reads never take the write lock.
type Collection struct {
	db   *DB
	name string

	mu        sync.Mutex // guards writes, seq, indexes
	seq       uint64
	seqLoaded bool
	indexes   []Index
	idxLoaded bool

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Get returns the current body of id, or ErrNotFound when the document
// is missing or tombstoned.
func (c *Collection) Get(ctx context.Context, id string) (json.RawMessage, error) {
	raw, env, err := c.getWithEnvelope(id)
	if err != nil {
		return nil, err
	}
	if env.Deleted {
		return nil, ErrNotFound
	}
	return raw, nil
}

// GetAny is Get including tombstones.
func (c *Collection) GetAny(ctx context.Context, id string) (json.RawMessage, error) {
	raw, _, err := c.getWithEnvelope(id)
	return raw, err
}

func (c *Collection) getWithEnvelope(id string) (json.RawMessage, Envelope, error) {
	var env Envelope
	if err := ValidateDocID(id); err != nil {
		return nil, env, fmt.Errorf("%w: %v", ErrBadDoc, err)
	}
	raw, err := c.db.getRaw(docKey(c.name, id))
	if err != nil {
		return nil, env, err
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, env, fmt.Errorf("stored doc %s corrupt: %w", id, err)
	}
	return raw, env, nil
}

// Put writes one document under optimistic concurrency. See Store.Put.
func (c *Collection) Put(ctx context.Context, doc json.RawMessage) (string, error) {
	op, err := c.prepare(doc)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	staged, err := c.resolve(op)
	if err != nil {
		return "", err
	}
	if err := c.commit([]stagedWrite{staged}); err != nil {
		return "", err
	}
	return staged.rev, nil
}

// Remove tombstones id at rev. The tombstone keeps no body fields;
// callers needing typed tombstones put a _deleted document instead.
func (c *Collection) Remove(ctx context.Context, id, rev string) (string, error) {
	doc, err := json.Marshal(map[string]any{"_id": id, "_rev": rev, "_deleted": true})
	if err != nil {
		return "", err
	}
	return c.Put(ctx, doc)
}

// pendingWrite is a parsed document before revision resolution.
type pendingWrite struct {
	id      string
	rev     string
	deleted bool
	body    map[string]any
}

// stagedWrite is a resolved document ready to commit, with the prior
// state needed for index maintenance.
type stagedWrite struct {
	id         string
	rev        string
	deleted    bool
	body       map[string]any
	raw        []byte
	oldBody    map[string]any
	oldDeleted bool
	oldExists  bool
}

func (c *Collection) prepare(doc json.RawMessage) (pendingWrite, error) {
	var op pendingWrite
	if int64(len(doc)) > c.db.maxDoc {
		return op, ErrDocTooLarge
	}
	var body map[string]any
	if err := json.Unmarshal(doc, &body); err != nil {
		return op, fmt.Errorf("%w: %v", ErrBadDoc, err)
	}
	id, _ := body["_id"].(string)
	if err := ValidateDocID(id); err != nil {
		return op, fmt.Errorf("%w: %v", ErrBadDoc, err)
	}
	rev, _ := body["_rev"].(string)
	if rev != "" && !ValidRev(rev) {
		return op, fmt.Errorf("%w: malformed _rev %q", ErrBadDoc, rev)
	}
	deleted, _ := body["_deleted"].(bool)
	op = pendingWrite{id: id, rev: rev, deleted: deleted, body: body}
	return op, nil
}

// resolve performs the conflict check against the stored revision and
// assigns the successor revision. Caller holds c.mu.
func (c *Collection) resolve(op pendingWrite) (stagedWrite, error) {
	var st stagedWrite
	curRaw, curEnv, err := c.getWithEnvelope(op.id)
	switch {
	case err == nil:
		if op.rev != curEnv.Rev {
			// A tombstoned id may be recreated without naming the
			// tombstone's revision.
			if !(curEnv.Deleted && op.rev == "") {
				recordConflict(c.name)
				return st, fmt.Errorf("%w: %s", ErrConflict, op.id)
			}
		}
		st.oldExists = true
		st.oldDeleted = curEnv.Deleted
		if !curEnv.Deleted {
			if uerr := json.Unmarshal(curRaw, &st.oldBody); uerr != nil {
				return st, fmt.Errorf("stored doc %s corrupt: %w", op.id, uerr)
			}
		}
		st.rev = NextRev(curEnv.Rev)
	case IsNotFound(err):
		if op.rev != "" {
			recordConflict(c.name)
			return st, fmt.Errorf("%w: %s not found at %s", ErrConflict, op.id, op.rev)
		}
		st.rev = NextRev("")
	default:
		return st, err
	}
	st.id = op.id
	st.deleted = op.deleted
	st.body = op.body
	st.body["_id"] = op.id
	st.body["_rev"] = st.rev
	raw, err := json.Marshal(st.body)
	if err != nil {
		return st, fmt.Errorf("%w: %v", ErrBadDoc, err)
	}
	if int64(len(raw)) > c.db.maxDoc {
		return st, ErrDocTooLarge
	}
	st.raw = raw
	return st, nil
}

// commit assigns sequence numbers, writes the batch and publishes the
// changes. Extras add further writes to the same batch, used by the
// attachment path to keep blob and document atomic. Caller holds c.mu.
func (c *Collection) commit(ops []stagedWrite, extras ...func(*pebble.Batch) error) error {
	if err := c.loadSeq(); err != nil {
		return err
	}
	defs, err := c.indexDefs()
	if err != nil {
		return err
	}
	b := c.db.pdb.NewBatch()
	defer b.Close()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	changes := make([]Change, 0, len(ops))
	for _, op := range ops {
		c.seq++
		ch := Change{Seq: c.seq, ID: op.id, Rev: op.rev, Deleted: op.deleted, TS: now}
		if err := c.stageOp(b, defs, op, ch); err != nil {
			c.seqLoaded = false
			return err
		}
		changes = append(changes, ch)
	}
	for _, extra := range extras {
		if err := extra(b); err != nil {
			c.seqLoaded = false
			return err
		}
	}
	if err := b.Set(seqCtrKey(c.name), []byte(FormatSeq(c.seq)), nil); err != nil {
		c.seqLoaded = false
		return err
	}
	if err := c.db.pdb.Apply(b, c.db.writeOpt()); err != nil {
		c.seqLoaded = false
		return fmt.Errorf("store: commit %s: %w", c.name, err)
	}
	for _, ch := range changes {
		c.publish(ch)
		recordWrite(c.name, ch.Deleted)
	}
	return nil
}

// stageOp adds one document's writes to the batch: body, feed entry
// with superseded-entry pruning, and index row maintenance. Deletes of
// old index rows precede sets of new ones so unchanged rows survive
// the batch.
func (c *Collection) stageOp(b *pebble.Batch, defs []Index, op stagedWrite, ch Change) error {
	if err := b.Set(docKey(c.name, op.id), op.raw, nil); err != nil {
		return err
	}
	if old, err := c.db.getRaw(chgPtrKey(c.name, op.id)); err == nil {
		if oldSeq, perr := ParseSeq(string(old)); perr == nil {
			if derr := b.Delete(chgKey(c.name, oldSeq), nil); derr != nil {
				return derr
			}
		}
	} else if !IsNotFound(err) {
		return err
	}
	enc, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	if err := b.Set(chgKey(c.name, ch.Seq), enc, nil); err != nil {
		return err
	}
	if err := b.Set(chgPtrKey(c.name, op.id), []byte(FormatSeq(ch.Seq)), nil); err != nil {
		return err
	}
	for _, def := range defs {
		if op.oldExists && !op.oldDeleted {
			oldKey, ok, kerr := indexEntry(c.name, def, op.oldBody, op.id)
			if kerr != nil {
				return kerr
			}
			if ok {
				if derr := b.Delete(oldKey, nil); derr != nil {
					return derr
				}
			}
		}
		if !op.deleted {
			newKey, ok, kerr := indexEntry(c.name, def, op.body, op.id)
			if kerr != nil {
				return kerr
			}
			if ok {
				if serr := b.Set(newKey, nil, nil); serr != nil {
					return serr
				}
			}
		}
	}
	return nil
}

// loadSeq lazily reads the persisted high water mark. Caller holds c.mu.
func (c *Collection) loadSeq() error {
	if c.seqLoaded {
		return nil
	}
	raw, err := c.db.getRaw(seqCtrKey(c.name))
	switch {
	case err == nil:
		seq, perr := ParseSeq(string(raw))
		if perr != nil {
			return fmt.Errorf("store: seq counter for %s corrupt: %w", c.name, perr)
		}
		c.seq = seq
	case IsNotFound(err):
		c.seq = 0
	default:
		return err
	}
	c.seqLoaded = true
	return nil
}

// Seq returns the collection's current sequence high water mark.
func (c *Collection) Seq() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadSeq(); err != nil {
		return 0, err
	}
	return c.seq, nil
}

// CountDocs scans the collection and counts live documents and
// tombstones, for admin stats.
func (c *Collection) CountDocs(ctx context.Context) (live, deleted int64, err error) {
	prefix := docPrefix(c.name)
	iter, err := c.db.pdb.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()
	var n int
	for iter.First(); iter.Valid(); iter.Next() {
		if n++; n%512 == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return 0, 0, cerr
			}
		}
		var env Envelope
		if uerr := json.Unmarshal(iter.Value(), &env); uerr != nil {
			continue
		}
		if env.Deleted {
			deleted++
		} else {
			live++
		}
	}
	return live, deleted, iter.Error()
}
