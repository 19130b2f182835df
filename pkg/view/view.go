// Package view assembles the read shapes a presentation layer
// consumes: characters joined with their messages and comment
// projections, plus resolved media handles. Projection is pure and
// synchronous; nothing here writes documents. The Refresher keeps a
// materialized snapshot current from sync notifications.
package view

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"holocron/pkg/logger"
	"holocron/pkg/media"
	"holocron/pkg/models"
	"holocron/pkg/query"
	"holocron/pkg/store"
)

// MessageView is one message with its comment projection: the latest
// comment by default, the full ascending list when expanded.
type MessageView struct {
	Message       models.Message   `json:"message"`
	LatestComment *models.Comment  `json:"latestComment,omitempty"`
	Comments      []models.Comment `json:"comments,omitempty"`
	Expanded      bool             `json:"expanded,omitempty"`
}

// CharacterCard is one character with its messages and, when media is
// attached, a resolved local handle.
type CharacterCard struct {
	Character models.Character `json:"character"`
	Messages  []MessageView    `json:"messages"`
	Media     *media.Handle    `json:"media,omitempty"`
}

// Projector builds cards from the query layer. It owns the per-message
// expanded flags and the per-character message order toggles, keyed by
// stable entity ids so they survive refreshes.
type Projector struct {
	chars   store.Store
	queries *query.Queries
	media   *media.Manager

	mu          sync.Mutex
	expanded    map[string]bool
	sortByLikes map[string]bool
}

// NewProjector builds a Projector. media may be nil; cards then carry
// no handles.
func NewProjector(chars store.Store, q *query.Queries, m *media.Manager) *Projector {
	return &Projector{
		chars:       chars,
		queries:     q,
		media:       m,
		expanded:    make(map[string]bool),
		sortByLikes: make(map[string]bool),
	}
}

// SetExpanded sets the comment projection of one message to the full
// list (on) or the latest comment (off).
func (p *Projector) SetExpanded(messageID string, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		p.expanded[messageID] = true
	} else {
		delete(p.expanded, messageID)
	}
}

// Expanded reports the flag for one message.
func (p *Projector) Expanded(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expanded[messageID]
}

// SetMessageOrder toggles one character's message ordering between
// newest-first (default) and most-liked-first.
func (p *Projector) SetMessageOrder(characterID string, byLikes bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if byLikes {
		p.sortByLikes[characterID] = true
	} else {
		delete(p.sortByLikes, characterID)
	}
}

func (p *Projector) orderByLikes(characterID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortByLikes[characterID]
}

// Roster projects up to limit characters into cards.
func (p *Projector) Roster(ctx context.Context, limit int) []CharacterCard {
	chars := p.queries.ListCharacters(ctx, limit)
	cards := make([]CharacterCard, 0, len(chars))
	for _, c := range chars {
		cards = append(cards, p.card(ctx, c))
	}
	return cards
}

// Character projects one character by id. A missing or tombstoned
// character returns a nil card and no error: the entity vanished and
// callers drop it from the view. Other failures are returned so
// callers can keep their previous state.
func (p *Projector) Character(ctx context.Context, id string) (*CharacterCard, error) {
	raw, err := p.chars.Get(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	c, err := decodeCharacter(raw)
	if err != nil {
		return nil, err
	}
	card := p.card(ctx, *c)
	return &card, nil
}

// card joins one character with its messages, comment projections and
// media handle. Read failures inside the join degrade to absent parts;
// a card is always produced.
func (p *Projector) card(ctx context.Context, c models.Character) CharacterCard {
	card := CharacterCard{Character: c}
	msgs := p.queries.ListMessagesForCharacter(ctx, c.ID, p.orderByLikes(c.ID))
	card.Messages = make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		card.Messages = append(card.Messages, p.messageView(ctx, m))
	}
	if p.media != nil {
		h, err := p.media.ResolveMedia(ctx, c.ID)
		if err != nil {
			logger.Warn("view_media_resolve_failed", "character", c.ID, "error", err)
		} else {
			card.Media = h
		}
	}
	return card
}

// messageView builds the comment projection for one message per its
// expanded flag.
func (p *Projector) messageView(ctx context.Context, m models.Message) MessageView {
	mv := MessageView{Message: m, Expanded: p.Expanded(m.ID)}
	if mv.Expanded {
		mv.Comments = p.queries.AllCommentsFor(ctx, m.ID)
	} else {
		mv.LatestComment = p.queries.LatestCommentFor(ctx, m.ID)
	}
	return mv
}

func (p *Projector) revokeMedia(id string) {
	if p.media != nil {
		p.media.Revoke(id)
	}
}

func decodeCharacter(raw []byte) (*models.Character, error) {
	var c models.Character
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode character: %w", err)
	}
	return &c, nil
}
