package view

import (
	"context"
	"testing"
	"time"

	"holocron/pkg/media"
	"holocron/pkg/models"
	"holocron/pkg/mutation"
	"holocron/pkg/query"
	"holocron/pkg/store"
)

type fixture struct {
	proj *Projector
	ref  *Refresher
	mut  *mutation.Mutator
	man  *media.Manager
}

func newFixture(t *testing.T) *fixture {
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
	man, err := media.NewManager(chars, msgs, t.TempDir())
	if err != nil {
		t.Fatalf("media manager: %v", err)
	}
	t.Cleanup(man.RevokeAll)
	proj := NewProjector(chars, query.New(chars, msgs), man)
	return &fixture{
		proj: proj,
		ref:  NewRefresher(proj, 100),
		mut:  mutation.New(chars, msgs),
		man:  man,
	}
}

// TestRosterJoinsMessagesAndComments verifies the basic projection:
// characters in creation order, their messages newest first, each with
// its latest comment.
func TestRosterJoinsMessagesAndComments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rey, err := f.mut.CreateCharacter(ctx, models.CharacterInput{Name: "Rey"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	finn, err := f.mut.CreateCharacter(ctx, models.CharacterInput{Name: "Finn"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}

	m1, err := f.mut.CreateMessage(ctx, rey.ID, "first")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	m2, err := f.mut.CreateMessage(ctx, rey.ID, "second")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if _, err := f.mut.CreateComment(ctx, m1.ID, "older"); err != nil {
		t.Fatalf("create comment: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := f.mut.CreateComment(ctx, m1.ID, "newest"); err != nil {
		t.Fatalf("create comment: %v", err)
	}

	cards := f.proj.Roster(ctx, 0)
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}
	if cards[0].Character.ID != rey.ID || cards[1].Character.ID != finn.ID {
		t.Fatalf("roster order wrong: %s, %s", cards[0].Character.ID, cards[1].Character.ID)
	}
	msgs := cards[0].Messages
	if len(msgs) != 2 || msgs[0].Message.ID != m2.ID || msgs[1].Message.ID != m1.ID {
		t.Fatalf("messages not newest first: %+v", msgs)
	}
	lc := msgs[1].LatestComment
	if lc == nil || lc.Text != "newest" {
		t.Fatalf("latest comment wrong: %+v", lc)
	}
	if msgs[0].LatestComment != nil {
		t.Fatalf("comment invented for %s", m2.ID)
	}
}

// TestExpandedFlagSwitchesCommentProjection verifies toggling one
// message between latest-only and the full ascending list.
func TestExpandedFlagSwitchesCommentProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.mut.CreateCharacter(ctx, models.CharacterInput{Name: "Poe"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	m, err := f.mut.CreateMessage(ctx, c.ID, "hello")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	for _, text := range []string{"one", "two", "three"} {
		if _, err := f.mut.CreateComment(ctx, m.ID, text); err != nil {
			t.Fatalf("create comment: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	card, err := f.proj.Character(ctx, c.ID)
	if err != nil || card == nil {
		t.Fatalf("character: %v %v", card, err)
	}
	mv := card.Messages[0]
	if mv.Expanded || mv.LatestComment == nil || mv.LatestComment.Text != "three" {
		t.Fatalf("collapsed projection wrong: %+v", mv)
	}

	f.proj.SetExpanded(m.ID, true)
	card, err = f.proj.Character(ctx, c.ID)
	if err != nil || card == nil {
		t.Fatalf("character: %v %v", card, err)
	}
	mv = card.Messages[0]
	if !mv.Expanded || len(mv.Comments) != 3 {
		t.Fatalf("expanded projection wrong: %+v", mv)
	}
	if mv.Comments[0].Text != "one" || mv.Comments[2].Text != "three" {
		t.Fatalf("expanded comments not ascending: %+v", mv.Comments)
	}

	f.proj.SetExpanded(m.ID, false)
	card, _ = f.proj.Character(ctx, c.ID)
	if card.Messages[0].Expanded || card.Messages[0].Comments != nil {
		t.Fatalf("collapse did not stick: %+v", card.Messages[0])
	}
}

// TestCharacterVanishedIsNil verifies refresh-by-id semantics for a
// deleted character.
func TestCharacterVanishedIsNil(t *testing.T) {
	f := newFixture(t)
	card, err := f.proj.Character(context.Background(), "character:gone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if card != nil {
		t.Fatalf("expected nil card, got %+v", card)
	}
}

// TestMediaHandleOnCard verifies a character's attachment resolves
// onto its card.
func TestMediaHandleOnCard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.mut.CreateCharacter(ctx, models.CharacterInput{Name: "BB-8"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	if err := f.man.AttachMedia(ctx, c.ID, "image/png", []byte("portrait")); err != nil {
		t.Fatalf("attach: %v", err)
	}
	card, err := f.proj.Character(ctx, c.ID)
	if err != nil || card == nil {
		t.Fatalf("character: %v %v", card, err)
	}
	if card.Media == nil || card.Media.ContentType != "image/png" {
		t.Fatalf("media handle missing: %+v", card.Media)
	}
}

// TestRefresherCharacterLifecycle verifies insert, in-place update and
// vanish-removal against the materialized snapshot.
func TestRefresherCharacterLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ref.FullReload(ctx)
	if len(f.ref.Roster()) != 0 {
		t.Fatalf("expected empty roster")
	}

	c, err := f.mut.CreateCharacter(ctx, models.CharacterInput{Name: "Luke"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	f.ref.RefreshCharacter(ctx, c.ID)
	roster := f.ref.Roster()
	if len(roster) != 1 || roster[0].Character.Name != "Luke" {
		t.Fatalf("insert missed: %+v", roster)
	}

	if _, err := f.mut.UpdateCharacter(ctx, c.ID, mutation.CharacterPatch{Name: "Luke Skywalker"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	f.ref.RefreshCharacter(ctx, c.ID)
	roster = f.ref.Roster()
	if len(roster) != 1 || roster[0].Character.Name != "Luke Skywalker" {
		t.Fatalf("update missed: %+v", roster)
	}

	if err := f.mut.DeleteCharacter(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	f.ref.RefreshCharacter(ctx, c.ID)
	if got := f.ref.Roster(); len(got) != 0 {
		t.Fatalf("vanish not removed: %+v", got)
	}
}

// TestRefresherMessageComments verifies a comment refresh touches only
// the one message projection.
func TestRefresherMessageComments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.mut.CreateCharacter(ctx, models.CharacterInput{Name: "Leia"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	m1, err := f.mut.CreateMessage(ctx, c.ID, "a")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	m2, err := f.mut.CreateMessage(ctx, c.ID, "b")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	f.ref.FullReload(ctx)

	if _, err := f.mut.CreateComment(ctx, m1.ID, "late arrival"); err != nil {
		t.Fatalf("create comment: %v", err)
	}
	f.ref.RefreshMessageComments(ctx, m1.ID)

	roster := f.ref.Roster()
	var got *MessageView
	for i := range roster[0].Messages {
		if roster[0].Messages[i].Message.ID == m1.ID {
			got = &roster[0].Messages[i]
		} else if roster[0].Messages[i].Message.ID == m2.ID && roster[0].Messages[i].LatestComment != nil {
			t.Fatalf("refresh leaked onto %s", m2.ID)
		}
	}
	if got == nil || got.LatestComment == nil || got.LatestComment.Text != "late arrival" {
		t.Fatalf("comment refresh missed: %+v", got)
	}
}

// TestRefresherTopMessages verifies the top-likes snapshot honors the
// page set on the refresher.
func TestRefresherTopMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.mut.CreateCharacter(ctx, models.CharacterInput{Name: "Han"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	for i := 0; i < 3; i++ {
		m, err := f.mut.CreateMessage(ctx, c.ID, "m")
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		for j := 0; j <= i; j++ {
			if _, err := f.mut.LikeMessage(ctx, m.ID); err != nil {
				t.Fatalf("like: %v", err)
			}
		}
	}

	f.ref.SetTopView(true, 0)
	if !f.ref.TopViewActive() {
		t.Fatalf("top view flag not set")
	}
	f.ref.RefreshTopMessages(ctx)
	top := f.ref.TopMessages()
	if len(top) != 3 || top[0].LikeCount != 3 || top[2].LikeCount != 1 {
		t.Fatalf("top page wrong: %+v", top)
	}
}
