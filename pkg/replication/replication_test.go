package replication

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"holocron/pkg/api"
	"holocron/pkg/media"
	"holocron/pkg/models"
	"holocron/pkg/store"
)

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// serveStore fronts db with the full HTTP surface, the same way a
// peer node exposes itself.
func serveStore(t *testing.T, db *store.DB) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(api.New(api.Options{DB: db}).Router())
	t.Cleanup(srv.Close)
	return srv
}

func startSync(t *testing.T, local *store.DB, peerURL string, sink RefreshSink) *Controller {
	t.Helper()
	ctrl := NewController(local, Config{
		Peer:        peerURL,
		Collections: []string{models.CollCharacters, models.CollMessages},
		BatchSize:   50,
		Debounce:    20 * time.Millisecond,
		Timeout:     5 * time.Second,
	}, sink)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start sync: %v", err)
	}
	t.Cleanup(ctrl.Stop)
	return ctrl
}

func coll(t *testing.T, db *store.DB, name string) *store.Collection {
	t.Helper()
	c, err := db.Collection(name)
	if err != nil {
		t.Fatalf("collection %s: %v", name, err)
	}
	return c
}

func putDoc(t *testing.T, db *store.DB, collName, doc string) string {
	t.Helper()
	rev, err := coll(t, db, collName).Put(context.Background(), json.RawMessage(doc))
	if err != nil {
		t.Fatalf("put %s: %v", doc, err)
	}
	return rev
}

// docEnv is the slice of a document the convergence checks compare.
type docEnv struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev"`
	Deleted bool   `json:"_deleted"`
	Name    string `json:"name"`
}

func getEnv(db *store.DB, collName, id string) (docEnv, error) {
	c, err := db.Collection(collName)
	if err != nil {
		return docEnv{}, err
	}
	raw, err := c.Get(context.Background(), id)
	if err != nil {
		return docEnv{}, err
	}
	var e docEnv
	if err := json.Unmarshal(raw, &e); err != nil {
		return docEnv{}, err
	}
	return e, nil
}

func waitUntil(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(15 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// TestControllerLifecycle: Start is idempotent while Live, Stop drains
// and is a no-op when already stopped, and Status tracks the state.
func TestControllerLifecycle(t *testing.T) {
	local := openStore(t)
	peerDB := openStore(t)
	srv := serveStore(t, peerDB)

	ctrl := startSync(t, local, srv.URL, nil)
	st := ctrl.Status()
	if st.State != "live" {
		t.Fatalf("state = %s, want live", st.State)
	}
	if len(st.Collections) != 2 {
		t.Fatalf("status lists %d collections, want 2", len(st.Collections))
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}

	ctrl.Stop()
	if got := ctrl.Status().State; got != "stopped" {
		t.Fatalf("state after stop = %s", got)
	}
	ctrl.Stop()

	if err := NewController(local, Config{Collections: []string{"characters"}}, nil).Start(context.Background()); err == nil {
		t.Fatalf("start without peer did not fail")
	}
	if err := NewController(local, Config{Peer: srv.URL}, nil).Start(context.Background()); err == nil {
		t.Fatalf("start without collections did not fail")
	}
}

// TestReplicationConvergesBothWays: documents written on either side
// before sync starts end up on both sides with their origin
// revisions, and echoed batches do not churn revisions afterwards.
func TestReplicationConvergesBothWays(t *testing.T) {
	local := openStore(t)
	peerDB := openStore(t)
	srv := serveStore(t, peerDB)

	revRey := putDoc(t, local, models.CollCharacters, `{"_id":"character:rey","type":"character","name":"Rey"}`)
	revMsg := putDoc(t, local, models.CollMessages, `{"_id":"message:hello","type":"message","characterId":"character:rey","text":"Hello there"}`)
	revKylo := putDoc(t, peerDB, models.CollCharacters, `{"_id":"character:kylo","type":"character","name":"Kylo"}`)

	startSync(t, local, srv.URL, nil)

	waitUntil(t, "peer holds pushed documents", func() bool {
		rey, err1 := getEnv(peerDB, models.CollCharacters, "character:rey")
		msg, err2 := getEnv(peerDB, models.CollMessages, "message:hello")
		return err1 == nil && err2 == nil && rey.Rev == revRey && msg.Rev == revMsg
	})
	waitUntil(t, "local holds pulled document", func() bool {
		kylo, err := getEnv(local, models.CollCharacters, "character:kylo")
		return err == nil && kylo.Rev == revKylo
	})

	// Both feeds now replay each other's applies; a same-revision
	// re-apply must be a no-op or the loop would never settle.
	time.Sleep(200 * time.Millisecond)
	rey, err := getEnv(peerDB, models.CollCharacters, "character:rey")
	if err != nil || rey.Rev != revRey {
		t.Fatalf("pushed doc churned: rev=%q err=%v, want %q", rey.Rev, err, revRey)
	}
	kylo, err := getEnv(local, models.CollCharacters, "character:kylo")
	if err != nil || kylo.Rev != revKylo {
		t.Fatalf("pulled doc churned: rev=%q err=%v, want %q", kylo.Rev, err, revKylo)
	}
}

// TestReplicationPropagatesDeletes: a tombstone written on one side
// hides the document on the other.
func TestReplicationPropagatesDeletes(t *testing.T) {
	local := openStore(t)
	peerDB := openStore(t)
	srv := serveStore(t, peerDB)

	rev := putDoc(t, local, models.CollCharacters, `{"_id":"character:rey","type":"character","name":"Rey"}`)
	startSync(t, local, srv.URL, nil)
	waitUntil(t, "peer holds document", func() bool {
		_, err := getEnv(peerDB, models.CollCharacters, "character:rey")
		return err == nil
	})

	delRev, err := coll(t, local, models.CollCharacters).Remove(context.Background(), "character:rey", rev)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	peerColl := coll(t, peerDB, models.CollCharacters)
	waitUntil(t, "peer sees tombstone", func() bool {
		_, gerr := peerColl.Get(context.Background(), "character:rey")
		return errors.Is(gerr, store.ErrNotFound)
	})
	raw, err := peerColl.GetAny(context.Background(), "character:rey")
	if err != nil {
		t.Fatalf("peer tombstone unreadable: %v", err)
	}
	var e docEnv
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("decode tombstone: %v", err)
	}
	if !e.Deleted || e.Rev != delRev {
		t.Fatalf("peer tombstone = %+v, want deleted at %q", e, delRev)
	}
}

// TestReplicationMirrorsMedia: the media slot follows its winning
// document, both the blob copy and the clear.
func TestReplicationMirrorsMedia(t *testing.T) {
	local := openStore(t)
	peerDB := openStore(t)
	srv := serveStore(t, peerDB)

	rev := putDoc(t, local, models.CollCharacters, `{"_id":"character:rey","type":"character","name":"Rey"}`)
	startSync(t, local, srv.URL, nil)
	waitUntil(t, "peer holds document", func() bool {
		_, err := getEnv(peerDB, models.CollCharacters, "character:rey")
		return err == nil
	})

	ctx := context.Background()
	localColl := coll(t, local, models.CollCharacters)
	peerColl := coll(t, peerDB, models.CollCharacters)

	blob := []byte("portrait-bytes")
	rev2, err := localColl.PutAttachment(ctx, "character:rey", media.SlotName, rev, "image/png", blob)
	if err != nil {
		t.Fatalf("put attachment: %v", err)
	}
	srcMeta, err := localColl.GetAttachmentMeta(ctx, "character:rey", media.SlotName)
	if err != nil {
		t.Fatalf("local attachment meta: %v", err)
	}

	waitUntil(t, "peer holds mirrored blob", func() bool {
		meta, merr := peerColl.GetAttachmentMeta(ctx, "character:rey", media.SlotName)
		return merr == nil && meta.Digest == srcMeta.Digest
	})
	data, meta, err := peerColl.GetAttachment(ctx, "character:rey", media.SlotName)
	if err != nil {
		t.Fatalf("peer attachment: %v", err)
	}
	if string(data) != string(blob) {
		t.Fatalf("mirrored blob = %q, want %q", data, blob)
	}
	if meta.BoundRev != srcMeta.BoundRev || meta.ContentType != "image/png" {
		t.Fatalf("mirrored meta = %+v, want bound to %q", meta, srcMeta.BoundRev)
	}

	if _, err := localColl.RemoveAttachment(ctx, "character:rey", media.SlotName, rev2); err != nil {
		t.Fatalf("remove attachment: %v", err)
	}
	waitUntil(t, "peer clears mirrored blob", func() bool {
		_, merr := peerColl.GetAttachmentMeta(ctx, "character:rey", media.SlotName)
		return errors.Is(merr, store.ErrNotFound)
	})
}

// TestReplicationResumesFromCheckpoint: cursors persist across
// Stop/Start, and a restarted controller picks up writes that
// happened while it was down.
func TestReplicationResumesFromCheckpoint(t *testing.T) {
	local := openStore(t)
	peerDB := openStore(t)
	srv := serveStore(t, peerDB)

	ctrl := startSync(t, local, srv.URL, nil)
	putDoc(t, peerDB, models.CollCharacters, `{"_id":"character:kylo","type":"character","name":"Kylo"}`)
	waitUntil(t, "local holds first document", func() bool {
		_, err := getEnv(local, models.CollCharacters, "character:kylo")
		return err == nil
	})
	ctrl.Stop()

	raw, err := local.GetSys("sync", "ckpt", models.CollCharacters, "pull", peerHash(srv.URL))
	if err != nil {
		t.Fatalf("pull checkpoint missing: %v", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		t.Fatalf("decode checkpoint: %v", err)
	}
	if cp.Seq == 0 {
		t.Fatalf("checkpoint not advanced: %+v", cp)
	}

	revRey := putDoc(t, peerDB, models.CollCharacters, `{"_id":"character:rey","type":"character","name":"Rey"}`)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitUntil(t, "local holds document written while stopped", func() bool {
		rey, gerr := getEnv(local, models.CollCharacters, "character:rey")
		return gerr == nil && rey.Rev == revRey
	})
}

// TestReplicationConvergesConflictsDeterministically: independent
// first edits of the same id on both sides converge to the revision
// CompareRevs ranks higher, on both sides.
func TestReplicationConvergesConflictsDeterministically(t *testing.T) {
	local := openStore(t)
	peerDB := openStore(t)
	srv := serveStore(t, peerDB)

	revL := putDoc(t, local, models.CollCharacters, `{"_id":"character:rey","type":"character","name":"Rey Local"}`)
	revP := putDoc(t, peerDB, models.CollCharacters, `{"_id":"character:rey","type":"character","name":"Rey Peer"}`)
	if revL == revP {
		t.Fatalf("seed revisions collide: %q", revL)
	}
	winRev, winName := revL, "Rey Local"
	if store.CompareRevs(revP, revL) > 0 {
		winRev, winName = revP, "Rey Peer"
	}

	startSync(t, local, srv.URL, nil)

	converged := func(db *store.DB) bool {
		e, err := getEnv(db, models.CollCharacters, "character:rey")
		return err == nil && e.Rev == winRev && e.Name == winName
	}
	waitUntil(t, "local converges on winner", func() bool { return converged(local) })
	waitUntil(t, "peer converges on winner", func() bool { return converged(peerDB) })
}

// TestReplicationNotifiesSink: pulled changes reach the refresh sink
// as targeted refreshes, including comments whose parent arrived over
// the same sync.
func TestReplicationNotifiesSink(t *testing.T) {
	local := openStore(t)
	peerDB := openStore(t)
	srv := serveStore(t, peerDB)

	sink := &recordingSink{}
	startSync(t, local, srv.URL, sink)

	sinkHas := func(call string) func() bool {
		return func() bool {
			for _, c := range sink.snapshot() {
				if c == call {
					return true
				}
			}
			return false
		}
	}

	putDoc(t, peerDB, models.CollCharacters, `{"_id":"character:kylo","type":"character","name":"Kylo"}`)
	waitUntil(t, "character refresh", sinkHas("char:character:kylo"))

	putDoc(t, peerDB, models.CollMessages, `{"_id":"message:hello","type":"message","characterId":"character:kylo","text":"Hello there"}`)
	putDoc(t, peerDB, models.CollMessages, `{"_id":"comment:nice","type":"comment","messageId":"message:hello","text":"Nice!"}`)
	waitUntil(t, "comment refresh targets parent message", sinkHas("msg:message:hello"))

	for _, c := range sink.snapshot() {
		if c == "full" {
			t.Fatalf("targeted changes degraded to full reload: %v", sink.snapshot())
		}
	}
	if sink.overlap {
		t.Fatalf("sink refreshes overlapped")
	}
}
