package query

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"holocron/pkg/models"
	"holocron/pkg/store"
)

func newTestStores(t *testing.T) (store.Store, store.Store) {
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
	if err := EnsureIndexes(ctx, chars); err != nil {
		t.Fatalf("ensure character indexes: %v", err)
	}
	if err := EnsureIndexes(ctx, msgs); err != nil {
		t.Fatalf("ensure message indexes: %v", err)
	}
	return chars, msgs
}

func putDoc(t *testing.T, s store.Store, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := s.Put(context.Background(), b); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func char(id, name, affiliation string) *models.Character {
	c := &models.Character{
		Meta:        models.Meta{ID: id, Type: models.TypeCharacter},
		Name:        name,
		Affiliation: affiliation,
	}
	c.Normalize()
	return c
}

func msg(id, charID, text string, likes int64, created string) *models.Message {
	m := &models.Message{
		Meta:        models.Meta{ID: id, Type: models.TypeMessage},
		CharacterID: charID,
		Text:        text,
		CreatedAt:   created,
		LikeCount:   likes,
	}
	m.Normalize()
	return m
}

func comment(id, msgID, text, created string) *models.Comment {
	c := &models.Comment{
		Meta:      models.Meta{ID: id, Type: models.TypeComment},
		MessageID: msgID,
		Text:      text,
		CreatedAt: created,
	}
	c.Normalize()
	return c
}

func seed(t *testing.T) *Queries {
	t.Helper()
	chars, msgs := newTestStores(t)
	putDoc(t, chars, char("character:001", "Rey", "Resistance"))
	putDoc(t, chars, char("character:002", "Kylo Ren", "First Order"))
	putDoc(t, chars, char("character:003", "Finn", "Resistance"))

	putDoc(t, msgs, msg("message:001", "character:001", "Jedi rises", 5, "2026-01-01T00:00:01.000000000Z"))
	putDoc(t, msgs, msg("message:002", "character:001", "jedi Rises", 2, "2026-01-01T00:00:02.000000000Z"))
	putDoc(t, msgs, msg("message:003", "character:002", "jediism endures", 9, "2026-01-01T00:00:03.000000000Z"))
	putDoc(t, msgs, msg("message:004", "character:002", "Sith rises", 4, "2026-01-01T00:00:04.000000000Z"))

	putDoc(t, msgs, comment("comment:001", "message:001", "Nice!", "2026-01-01T00:01:01.000000000Z"))
	putDoc(t, msgs, comment("comment:002", "message:001", "Later reply", "2026-01-01T00:01:02.000000000Z"))
	putDoc(t, msgs, comment("comment:003", "message:004", "Hm", "2026-01-01T00:01:03.000000000Z"))
	return New(chars, msgs)
}

// TestListCharacters verifies the roster comes back complete, in
// creation order, excluding non-character documents by type.
func TestListCharacters(t *testing.T) {
	q := seed(t)
	got := q.ListCharacters(context.Background(), 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 characters; got %d", len(got))
	}
	if got[0].Name != "Rey" || got[2].Name != "Finn" {
		t.Fatalf("roster order wrong: %+v", got)
	}
	if got := q.ListCharacters(context.Background(), 2); len(got) != 2 {
		t.Fatalf("limit not applied: %d", len(got))
	}
}

// TestSearchCharactersByAffiliation verifies case-insensitive equality
// and the blank-clears-filter rule.
func TestSearchCharactersByAffiliation(t *testing.T) {
	q := seed(t)
	ctx := context.Background()

	got := q.SearchCharactersByAffiliation(ctx, "RESISTANCE")
	if len(got) != 2 || got[0].Name != "Rey" || got[1].Name != "Finn" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got := q.SearchCharactersByAffiliation(ctx, "  "); len(got) != 3 {
		t.Fatalf("blank input should return full roster; got %d", len(got))
	}
	if got := q.SearchCharactersByAffiliation(ctx, "Hutt Cartel"); len(got) != 0 {
		t.Fatalf("expected empty result; got %+v", got)
	}
}

// TestSearchMessagesByText verifies the prefix-search property: "jed"
// matches exactly the messages whose lowercased text starts with it,
// case-insensitively, and blank input matches nothing.
func TestSearchMessagesByText(t *testing.T) {
	q := seed(t)
	ctx := context.Background()

	got := q.SearchMessagesByText(ctx, "JED")
	if len(got) != 3 {
		t.Fatalf("expected 3 matches for jed; got %d: %+v", len(got), got)
	}
	for _, m := range got {
		if m.TextLower[:3] != "jed" {
			t.Fatalf("non-prefix match leaked: %+v", m)
		}
	}
	// groups sort by text; equal texts newest first
	if got[0].ID != "message:002" || got[1].ID != "message:001" || got[2].ID != "message:003" {
		t.Fatalf("order wrong: %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}

	if got := q.SearchMessagesByText(ctx, "sith"); len(got) != 1 || got[0].ID != "message:004" {
		t.Fatalf("sith search wrong: %+v", got)
	}
	if got := q.SearchMessagesByText(ctx, ""); len(got) != 0 {
		t.Fatalf("blank search must match nothing; got %d", len(got))
	}
	if got := q.SearchMessagesByText(ctx, "wookiee"); len(got) != 0 {
		t.Fatalf("expected no matches; got %+v", got)
	}
}

// TestListMessagesForCharacter verifies both sort modes and that
// messages of other characters stay out.
func TestListMessagesForCharacter(t *testing.T) {
	q := seed(t)
	ctx := context.Background()

	byTime := q.ListMessagesForCharacter(ctx, "character:001", false)
	if len(byTime) != 2 || byTime[0].ID != "message:002" || byTime[1].ID != "message:001" {
		t.Fatalf("newest-first order wrong: %+v", byTime)
	}
	byLikes := q.ListMessagesForCharacter(ctx, "character:001", true)
	if len(byLikes) != 2 || byLikes[0].LikeCount != 5 || byLikes[1].LikeCount != 2 {
		t.Fatalf("likes order wrong: %+v", byLikes)
	}
	if got := q.ListMessagesForCharacter(ctx, "character:404", false); len(got) != 0 {
		t.Fatalf("unknown character should list nothing; got %+v", got)
	}
}

// TestTopMessagesByLikes verifies the global ranking and paging rules.
func TestTopMessagesByLikes(t *testing.T) {
	q := seed(t)
	ctx := context.Background()
	top := q.TopMessagesByLikes(ctx, 0, 2)
	if len(top) != 2 || top[0].LikeCount != 9 || top[1].LikeCount != 5 {
		t.Fatalf("top page wrong: %+v", top)
	}
	second := q.TopMessagesByLikes(ctx, 1, 2)
	if len(second) != 2 || second[0].LikeCount != 4 || second[1].LikeCount != 2 {
		t.Fatalf("second page wrong: %+v", second)
	}
	if got := q.TopMessagesByLikes(ctx, 5, 2); len(got) != 0 {
		t.Fatalf("page past the end should be empty; got %+v", got)
	}
}

// TestTopMessagesPaginationDeterminism verifies pages are disjoint,
// ordered and gapless over a larger set.
func TestTopMessagesPaginationDeterminism(t *testing.T) {
	chars, msgs := newTestStores(t)
	for i := 0; i < 25; i++ {
		putDoc(t, msgs, msg(fmt.Sprintf("message:%03d", i), "character:001", fmt.Sprintf("text %d", i), int64(i), "2026-01-01T00:00:00.000000000Z"))
	}
	q := New(chars, msgs)
	ctx := context.Background()
	var likes []int64
	for page := 0; ; page++ {
		batch := q.TopMessagesByLikes(ctx, page, 7)
		if len(batch) == 0 {
			break
		}
		for _, m := range batch {
			likes = append(likes, m.LikeCount)
		}
	}
	if len(likes) != 25 {
		t.Fatalf("expected 25 across pages; got %d", len(likes))
	}
	for i, l := range likes {
		if want := int64(24 - i); l != want {
			t.Fatalf("ranking broke at %d: got %d want %d", i, l, want)
		}
	}
}

// TestComments verifies latest-comment selection and full ascending
// listing, with nil for messages that have none.
func TestComments(t *testing.T) {
	q := seed(t)
	ctx := context.Background()

	latest := q.LatestCommentFor(ctx, "message:001")
	if latest == nil || latest.ID != "comment:002" {
		t.Fatalf("latest comment wrong: %+v", latest)
	}
	if got := q.LatestCommentFor(ctx, "message:002"); got != nil {
		t.Fatalf("expected nil for commentless message; got %+v", got)
	}
	all := q.AllCommentsFor(ctx, "message:001")
	if len(all) != 2 || all[0].ID != "comment:001" || all[1].ID != "comment:002" {
		t.Fatalf("comment order wrong: %+v", all)
	}
}

// TestOrphanedCommentsStillList verifies comments under a deleted or
// never-seen message remain readable, the orphan-tolerance rule.
func TestOrphanedCommentsStillList(t *testing.T) {
	chars, msgs := newTestStores(t)
	putDoc(t, msgs, comment("comment:900", "message:ghost", "still here", "2026-01-01T00:00:01.000000000Z"))
	q := New(chars, msgs)
	got := q.AllCommentsFor(context.Background(), "message:ghost")
	if len(got) != 1 || got[0].Text != "still here" {
		t.Fatalf("orphan comment lost: %+v", got)
	}
}
