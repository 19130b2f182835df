package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"holocron/pkg/models"
	"holocron/pkg/query"
	"holocron/pkg/store"
)

func newTestMutator(t *testing.T) (*Mutator, store.Store, store.Store) {
	t.Helper()
	db, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	chars, err := db.Collection(models.CollCharacters)
	if err != nil {
		t.Fatalf("characters collection: %v", err)
	}
	msgs, err := db.Collection(models.CollMessages)
	if err != nil {
		t.Fatalf("messages collection: %v", err)
	}
	ctx := context.Background()
	if err := query.EnsureIndexes(ctx, chars); err != nil {
		t.Fatalf("ensure character indexes: %v", err)
	}
	if err := query.EnsureIndexes(ctx, msgs); err != nil {
		t.Fatalf("ensure message indexes: %v", err)
	}
	return New(chars, msgs), chars, msgs
}

// TestCreateCharacterDerivesFields verifies id convention, type
// discriminator, lowercase search field and the zero like count.
func TestCreateCharacterDerivesFields(t *testing.T) {
	m, _, _ := newTestMutator(t)
	c, err := m.CreateCharacter(context.Background(), models.CharacterInput{
		Name: "Ahsoka Tano", Age: 32, Affiliation: "Rebel Alliance", HasLightsaber: true,
	})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	if models.TypeFromID(c.ID) != models.TypeCharacter {
		t.Fatalf("id %q does not follow the convention", c.ID)
	}
	if c.Type != models.TypeCharacter || c.AffiliationLower != "rebel alliance" {
		t.Fatalf("derived fields wrong: %+v", c)
	}
	if c.LikeCount != 0 || c.Rev == "" {
		t.Fatalf("expected zero likes and a committed rev, got %+v", c)
	}
}

// TestCreateMessageDerivesFields verifies textLower and createdAt on a
// fresh message.
func TestCreateMessageDerivesFields(t *testing.T) {
	m, _, _ := newTestMutator(t)
	msg, err := m.CreateMessage(context.Background(), "character:x", "Hello There")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if msg.TextLower != "hello there" || msg.CreatedAt == "" {
		t.Fatalf("derived fields wrong: %+v", msg)
	}
	if msg.CharacterID != "character:x" || msg.LikeCount != 0 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

// TestUpdateCharacterMergesLikeCountByMax verifies that an edit built
// from a stale copy cannot lower the like count, while a higher patch
// value wins.
func TestUpdateCharacterMergesLikeCountByMax(t *testing.T) {
	m, _, _ := newTestMutator(t)
	ctx := context.Background()
	c, err := m.CreateCharacter(ctx, models.CharacterInput{Name: "Rey", Affiliation: "Resistance"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := m.LikeCharacter(ctx, c.ID); err != nil {
			t.Fatalf("like: %v", err)
		}
	}

	// stale patch carries likeCount 1; stored value 2 must survive
	got, err := m.UpdateCharacter(ctx, c.ID, CharacterPatch{
		Name: "Rey Skywalker", Affiliation: "The Resistance", LikeCount: 1,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.LikeCount != 2 {
		t.Fatalf("stale patch lowered like count to %d", got.LikeCount)
	}
	if got.Name != "Rey Skywalker" || got.AffiliationLower != "the resistance" {
		t.Fatalf("edit fields not applied: %+v", got)
	}

	got, err = m.UpdateCharacter(ctx, c.ID, CharacterPatch{
		Name: got.Name, Affiliation: got.Affiliation, LikeCount: 10,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.LikeCount != 10 {
		t.Fatalf("higher patch value lost, got %d", got.LikeCount)
	}
}

// TestConcurrentLikesBothLand verifies that two racing likes both
// survive the revision race through re-fetch and retry.
func TestConcurrentLikesBothLand(t *testing.T) {
	m, chars, _ := newTestMutator(t)
	ctx := context.Background()
	c, err := m.CreateCharacter(ctx, models.CharacterInput{Name: "Din Djarin"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.LikeCharacter(ctx, c.ID)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("like %d: %v", i, err)
		}
	}
	raw, err := chars.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got models.Character
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.LikeCount != 2 {
		t.Fatalf("expected 2 likes, got %d", got.LikeCount)
	}
}

// conflictPutStore fails every Put with a conflict so the retry bound
// can be observed exactly.
type conflictPutStore struct {
	store.Store
	puts int
}

func (s *conflictPutStore) Put(ctx context.Context, doc json.RawMessage) (string, error) {
	s.puts++
	return "", store.ErrConflict
}

// TestUpdateRetryExhaustion verifies the loop gives up after exactly
// three conflicted attempts and reports the sentinel.
func TestUpdateRetryExhaustion(t *testing.T) {
	m, chars, _ := newTestMutator(t)
	ctx := context.Background()
	c, err := m.CreateCharacter(ctx, models.CharacterInput{Name: "Bo-Katan"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	cs := &conflictPutStore{Store: chars}
	doc, err := UpdateWithRetry(ctx, cs, c.ID, func(latest json.RawMessage) (json.RawMessage, error) {
		return latest, nil
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if doc != nil {
		t.Fatalf("exhausted update returned a document")
	}
	if cs.puts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", cs.puts)
	}
}

// TestUpdateAbortsWithoutRetry verifies that non-conflict failures end
// the loop immediately: a missing document and a merge error.
func TestUpdateAbortsWithoutRetry(t *testing.T) {
	m, chars, _ := newTestMutator(t)
	ctx := context.Background()
	if _, err := UpdateWithRetry(ctx, chars, "character:missing", func(latest json.RawMessage) (json.RawMessage, error) {
		return latest, nil
	}); !store.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	c, err := m.CreateCharacter(ctx, models.CharacterInput{Name: "Sabine"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	mergeErr := errors.New("merge failed")
	calls := 0
	if _, err := UpdateWithRetry(ctx, chars, c.ID, func(latest json.RawMessage) (json.RawMessage, error) {
		calls++
		return nil, mergeErr
	}); !errors.Is(err, mergeErr) {
		t.Fatalf("expected merge error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("merge error was retried %d times", calls)
	}
}

// TestDeleteCharacterCascades verifies the full subtree goes and
// unrelated documents stay.
func TestDeleteCharacterCascades(t *testing.T) {
	m, chars, msgs := newTestMutator(t)
	ctx := context.Background()
	c, err := m.CreateCharacter(ctx, models.CharacterInput{Name: "Hera"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	other, err := m.CreateCharacter(ctx, models.CharacterInput{Name: "Chopper"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}

	var doomed []string
	for i := 0; i < 2; i++ {
		msg, err := m.CreateMessage(ctx, c.ID, "to be removed")
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		doomed = append(doomed, msg.ID)
		for j := 0; j <= i; j++ {
			cm, err := m.CreateComment(ctx, msg.ID, "reply")
			if err != nil {
				t.Fatalf("create comment: %v", err)
			}
			doomed = append(doomed, cm.ID)
		}
	}
	keep, err := m.CreateMessage(ctx, other.ID, "survivor")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	if err := m.DeleteCharacter(ctx, c.ID); err != nil {
		t.Fatalf("delete character: %v", err)
	}

	if _, err := chars.Get(ctx, c.ID); !store.IsNotFound(err) {
		t.Fatalf("character still readable: %v", err)
	}
	for _, id := range doomed {
		if _, err := msgs.Get(ctx, id); !store.IsNotFound(err) {
			t.Fatalf("cascade missed %s: %v", id, err)
		}
	}
	if _, err := chars.Get(ctx, other.ID); err != nil {
		t.Fatalf("unrelated character gone: %v", err)
	}
	if _, err := msgs.Get(ctx, keep.ID); err != nil {
		t.Fatalf("unrelated message gone: %v", err)
	}

	left, err := m.messageIDsFor(ctx, c.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("index still lists %v", left)
	}
}

// TestDeleteMessageCascadesComments verifies comments go with their
// message and the parent character is untouched.
func TestDeleteMessageCascadesComments(t *testing.T) {
	m, chars, msgs := newTestMutator(t)
	ctx := context.Background()
	c, err := m.CreateCharacter(ctx, models.CharacterInput{Name: "Ezra"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	msg, err := m.CreateMessage(ctx, c.ID, "going away")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	var comments []string
	for i := 0; i < 3; i++ {
		cm, err := m.CreateComment(ctx, msg.ID, "reply")
		if err != nil {
			t.Fatalf("create comment: %v", err)
		}
		comments = append(comments, cm.ID)
	}

	if err := m.DeleteMessage(ctx, msg.ID); err != nil {
		t.Fatalf("delete message: %v", err)
	}
	if _, err := msgs.Get(ctx, msg.ID); !store.IsNotFound(err) {
		t.Fatalf("message still readable: %v", err)
	}
	for _, id := range comments {
		if _, err := msgs.Get(ctx, id); !store.IsNotFound(err) {
			t.Fatalf("comment %s survived: %v", id, err)
		}
	}
	if _, err := chars.Get(ctx, c.ID); err != nil {
		t.Fatalf("character gone: %v", err)
	}
}

// TestDeleteIsIdempotent verifies deleting an already-deleted entity
// succeeds instead of failing the caller.
func TestDeleteIsIdempotent(t *testing.T) {
	m, _, _ := newTestMutator(t)
	ctx := context.Background()
	c, err := m.CreateCharacter(ctx, models.CharacterInput{Name: "Kanan"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	if err := m.DeleteCharacter(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.DeleteCharacter(ctx, c.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

// TestOrphanCommentTolerated verifies a comment under a nonexistent
// message is accepted; integrity is by convention, not enforcement.
func TestOrphanCommentTolerated(t *testing.T) {
	m, _, _ := newTestMutator(t)
	cm, err := m.CreateComment(context.Background(), "message:never-existed", "still here")
	if err != nil {
		t.Fatalf("create orphan comment: %v", err)
	}
	if cm.MessageID != "message:never-existed" {
		t.Fatalf("unexpected comment: %+v", cm)
	}
}
