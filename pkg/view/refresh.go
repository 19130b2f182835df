package view

import (
	"context"
	"sort"
	"sync"

	"holocron/pkg/logger"
	"holocron/pkg/models"
)

// Refresher keeps a materialized roster snapshot current. Sync
// notifications land here as targeted refreshes; readers take cheap
// copies under a read lock. It satisfies the sync controller's refresh
// sink contract.
type Refresher struct {
	proj        *Projector
	rosterLimit int

	mu        sync.RWMutex
	roster    []CharacterCard
	topActive bool
	topPage   int
	top       []models.Message
}

// NewRefresher builds a Refresher projecting at most rosterLimit
// characters per full reload.
func NewRefresher(proj *Projector, rosterLimit int) *Refresher {
	return &Refresher{proj: proj, rosterLimit: rosterLimit}
}

// Roster returns a copy of the current snapshot.
func (r *Refresher) Roster() []CharacterCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CharacterCard, len(r.roster))
	copy(out, r.roster)
	return out
}

// TopMessages returns a copy of the current top-likes page.
func (r *Refresher) TopMessages() []models.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Message, len(r.top))
	copy(out, r.top)
	return out
}

// SetTopView records whether the global top-likes view is showing and
// which page it is on. While active, sync refreshes collapse to one
// bounded top-messages query instead of per-character work.
func (r *Refresher) SetTopView(active bool, page int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topActive = active
	r.topPage = page
}

// TopViewActive reports the flag for the sync dispatcher.
func (r *Refresher) TopViewActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topActive
}

// RefreshTopMessages re-fetches the current top-likes page.
func (r *Refresher) RefreshTopMessages(ctx context.Context) {
	r.mu.RLock()
	page := r.topPage
	r.mu.RUnlock()
	top := r.proj.queries.TopMessagesByLikes(ctx, page, 0)
	r.mu.Lock()
	r.top = top
	r.mu.Unlock()
}

// FullReload rebuilds the whole roster snapshot.
func (r *Refresher) FullReload(ctx context.Context) {
	roster := r.proj.Roster(ctx, r.rosterLimit)
	r.mu.Lock()
	r.roster = roster
	r.mu.Unlock()
}

// RefreshCharacter re-projects one character. A vanished character is
// removed from the snapshot and its media handle revoked; a projection
// failure keeps the previous card.
func (r *Refresher) RefreshCharacter(ctx context.Context, id string) {
	card, err := r.proj.Character(ctx, id)
	if err != nil {
		logger.Warn("view_refresh_failed", "character", id, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.roster), func(i int) bool { return r.roster[i].Character.ID >= id })
	found := i < len(r.roster) && r.roster[i].Character.ID == id
	switch {
	case card == nil && found:
		r.roster = append(r.roster[:i], r.roster[i+1:]...)
		r.proj.revokeMedia(id)
	case card == nil:
		r.proj.revokeMedia(id)
	case found:
		r.roster[i] = *card
	default:
		r.roster = append(r.roster, CharacterCard{})
		copy(r.roster[i+1:], r.roster[i:])
		r.roster[i] = *card
	}
}

// RefreshMessageComments re-fetches one message's comment projection
// in place. A message not in the snapshot is ignored; its card will
// pick the comments up whenever it is next refreshed.
func (r *Refresher) RefreshMessageComments(ctx context.Context, messageID string) {
	expanded := r.proj.Expanded(messageID)
	var mv MessageView
	if expanded {
		mv.Comments = r.proj.queries.AllCommentsFor(ctx, messageID)
	} else {
		mv.LatestComment = r.proj.queries.LatestCommentFor(ctx, messageID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for ci := range r.roster {
		for mi := range r.roster[ci].Messages {
			m := &r.roster[ci].Messages[mi]
			if m.Message.ID != messageID {
				continue
			}
			m.Expanded = expanded
			m.Comments = mv.Comments
			m.LatestComment = mv.LatestComment
			return
		}
	}
}
