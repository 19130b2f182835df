package tests

import (
	"context"
	"testing"

	"holocron/internal/upgrade"
	"holocron/pkg/models"
	"holocron/pkg/query"
	"holocron/pkg/store"
)

func TestUpgradeFreshStore(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)

	invoked, err := upgrade.Run(ctx, db, "1.0.0")
	if err != nil {
		t.Fatalf("upgrade.Run: %v", err)
	}
	if !invoked {
		t.Fatal("fresh store did not trigger a sync")
	}

	// the shipped catalog is declared on both collections
	for _, name := range []string{models.CollCharacters, models.CollMessages} {
		coll, err := db.Collection(name)
		if err != nil {
			t.Fatalf("collection %s: %v", name, err)
		}
		idxs, err := coll.ListIndexes(ctx)
		if err != nil {
			t.Fatalf("list indexes %s: %v", name, err)
		}
		if want := len(query.IndexesFor(name)); len(idxs) != want {
			t.Fatalf("%s has %d indexes, want %d", name, len(idxs), want)
		}
	}

	// same version again is a no-op
	invoked, err = upgrade.Run(ctx, db, "1.0.0")
	if err != nil {
		t.Fatalf("upgrade.Run again: %v", err)
	}
	if invoked {
		t.Fatal("matching version still triggered a sync")
	}
}

func TestUpgradeVersionBumpRebuildsIndexes(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)

	if _, err := upgrade.Run(ctx, db, "1.0.0"); err != nil {
		t.Fatalf("upgrade.Run: %v", err)
	}
	coll, err := db.Collection(models.CollCharacters)
	if err != nil {
		t.Fatalf("collection: %v", err)
	}
	doc := `{"_id":"character:rey","type":"character","name":"Rey","affiliationLower":"resistance"}`
	if _, err := coll.Put(ctx, []byte(doc)); err != nil {
		t.Fatalf("put: %v", err)
	}

	invoked, err := upgrade.Run(ctx, db, "1.1.0")
	if err != nil {
		t.Fatalf("upgrade.Run bump: %v", err)
	}
	if !invoked {
		t.Fatal("version bump did not trigger a sync")
	}

	// rebuilt index rows still serve the existing documents
	docs, err := coll.Find(ctx, store.Query{
		Eq: map[string]any{"type": models.TypeCharacter, "affiliationLower": "resistance"},
	})
	if err != nil {
		t.Fatalf("find after rebuild: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("find after rebuild returned %d docs", len(docs))
	}

	// the in-progress marker does not outlive a successful pass
	if _, err := db.GetSys("migration_in_progress"); !store.IsNotFound(err) {
		t.Fatalf("in-progress marker survived: %v", err)
	}
}
