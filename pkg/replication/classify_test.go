package replication

import (
	"context"
	"encoding/json"
	"testing"

	"holocron/pkg/store"
)

func classifyDocs(t *testing.T, c *Classifier, docs ...string) RefreshSet {
	t.Helper()
	raw := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		raw[i] = json.RawMessage(d)
	}
	return c.Classify(context.Background(), raw)
}

// newLookup returns a classifier whose parent lookups resolve against
// a real messages collection holding the given documents.
func newLookup(t *testing.T, docs ...string) *Classifier {
	t.Helper()
	db, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	coll, err := db.Collection("messages")
	if err != nil {
		t.Fatalf("collection: %v", err)
	}
	for _, d := range docs {
		if _, err := coll.Put(context.Background(), json.RawMessage(d)); err != nil {
			t.Fatalf("seed %s: %v", d, err)
		}
	}
	return NewClassifier(coll)
}

// TestClassifyCharacter marks the character's own id dirty.
func TestClassifyCharacter(t *testing.T) {
	set := classifyDocs(t, NewClassifier(nil),
		`{"_id":"character:rey","type":"character","name":"Rey"}`)
	if set.FullReload {
		t.Fatalf("character change forced full reload")
	}
	if got := set.CharacterIDs(); len(got) != 1 || got[0] != "character:rey" {
		t.Fatalf("dirty characters = %v, want [character:rey]", got)
	}
}

// TestClassifyMessage marks the owning character dirty; a message with
// no characterId cannot be targeted and forces a full reload.
func TestClassifyMessage(t *testing.T) {
	set := classifyDocs(t, NewClassifier(nil),
		`{"_id":"message:1","type":"message","characterId":"character:rey","text":"hi"}`)
	if set.FullReload {
		t.Fatalf("message change forced full reload")
	}
	if got := set.CharacterIDs(); len(got) != 1 || got[0] != "character:rey" {
		t.Fatalf("dirty characters = %v, want owner", got)
	}

	set = classifyDocs(t, NewClassifier(nil), `{"_id":"message:2","type":"message","text":"orphan"}`)
	if !set.FullReload {
		t.Fatalf("ownerless message did not force full reload")
	}
}

// TestClassifyComment marks the parent message dirty when it resolves
// locally and degrades to a full reload when it does not.
func TestClassifyComment(t *testing.T) {
	c := newLookup(t, `{"_id":"message:1","type":"message","characterId":"character:rey","text":"hi"}`)

	set := classifyDocs(t, c, `{"_id":"comment:1","type":"comment","messageId":"message:1","text":"nice"}`)
	if set.FullReload {
		t.Fatalf("comment with resolvable parent forced full reload")
	}
	if got := set.MessageIDs(); len(got) != 1 || got[0] != "message:1" {
		t.Fatalf("dirty messages = %v, want [message:1]", got)
	}

	set = classifyDocs(t, c, `{"_id":"comment:2","type":"comment","messageId":"message:gone","text":"lost"}`)
	if !set.FullReload {
		t.Fatalf("comment with missing parent did not force full reload")
	}

	// No lookup store at all: comments cannot be targeted.
	set = classifyDocs(t, NewClassifier(nil), `{"_id":"comment:3","type":"comment","messageId":"message:1"}`)
	if !set.FullReload {
		t.Fatalf("comment without lookup did not force full reload")
	}
}

// TestClassifyTombstoneFallsBackToIDPrefix recovers the type of bare
// tombstones from the id convention; ids that resolve to a character
// stay targeted, the rest force a full reload.
func TestClassifyTombstoneFallsBackToIDPrefix(t *testing.T) {
	set := classifyDocs(t, NewClassifier(nil),
		`{"_id":"character:rey","_rev":"2-00000000000000000000000000000000","_deleted":true}`)
	if set.FullReload {
		t.Fatalf("character tombstone forced full reload")
	}
	if got := set.CharacterIDs(); len(got) != 1 || got[0] != "character:rey" {
		t.Fatalf("dirty characters = %v, want [character:rey]", got)
	}

	set = classifyDocs(t, NewClassifier(nil),
		`{"_id":"message:1","_rev":"2-00000000000000000000000000000000","_deleted":true}`)
	if !set.FullReload {
		t.Fatalf("bare message tombstone did not force full reload")
	}

	set = classifyDocs(t, NewClassifier(nil),
		`{"_id":"note:1","_rev":"2-00000000000000000000000000000000","_deleted":true}`)
	if !set.FullReload {
		t.Fatalf("unrecognized tombstone did not force full reload")
	}
}

// TestClassifyTypedTombstoneStaysTargeted: cascade deletes write
// tombstones that keep their type and parent refs, so they classify
// like live documents.
func TestClassifyTypedTombstoneStaysTargeted(t *testing.T) {
	set := classifyDocs(t, NewClassifier(nil),
		`{"_id":"message:1","_rev":"3-00000000000000000000000000000000","_deleted":true,"type":"message","characterId":"character:rey"}`)
	if set.FullReload {
		t.Fatalf("typed message tombstone forced full reload")
	}
	if got := set.CharacterIDs(); len(got) != 1 || got[0] != "character:rey" {
		t.Fatalf("dirty characters = %v, want owner", got)
	}
}

// TestClassifyEmptyBatch: a batch with no readable documents cannot be
// targeted at all.
func TestClassifyEmptyBatch(t *testing.T) {
	if set := classifyDocs(t, NewClassifier(nil)); !set.FullReload {
		t.Fatalf("empty batch did not force full reload")
	}
}

// TestRefreshSetMerge folds flags and both id sets.
func TestRefreshSetMerge(t *testing.T) {
	var a RefreshSet
	a.markCharacter("character:a")
	var b RefreshSet
	b.markCharacter("character:b")
	b.markMessage("message:1")
	b.FullReload = true

	a.merge(b)
	if !a.FullReload {
		t.Fatalf("merge dropped full-reload flag")
	}
	if got := a.CharacterIDs(); len(got) != 2 || got[0] != "character:a" || got[1] != "character:b" {
		t.Fatalf("merged characters = %v", got)
	}
	if got := a.MessageIDs(); len(got) != 1 || got[0] != "message:1" {
		t.Fatalf("merged messages = %v", got)
	}
	if !(RefreshSet{}).Empty() {
		t.Fatalf("zero set not empty")
	}
	if a.Empty() {
		t.Fatalf("merged set reported empty")
	}
}
