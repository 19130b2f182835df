package mutation

import (
	"context"
	"encoding/json"
	"fmt"

	"holocron/pkg/logger"
	"holocron/pkg/models"
)

// CharacterPatch is the full editable state of a character, the shape
// an edit form submits. Update overwrites these fields wholesale; the
// like count merges by max so a like racing the edit is kept.
type CharacterPatch struct {
	Name          string `json:"name"`
	Age           int    `json:"age"`
	Affiliation   string `json:"affiliation"`
	HasLightsaber bool   `json:"hasLightsaber"`
	LikeCount     int64  `json:"likeCount"`
}

// CreateCharacter stores a new character with derived fields and a
// zero like count.
func (m *Mutator) CreateCharacter(ctx context.Context, in models.CharacterInput) (*models.Character, error) {
	doc, err := create(ctx, m.chars, models.NewCharacter(in))
	if err != nil {
		return nil, err
	}
	return decodeCharacter(doc)
}

// UpdateCharacter overwrites the editable fields of id from patch,
// re-deriving affiliationLower, with conflict retry.
func (m *Mutator) UpdateCharacter(ctx context.Context, id string, patch CharacterPatch) (*models.Character, error) {
	doc, err := UpdateWithRetry(ctx, m.chars, id, func(latest json.RawMessage) (json.RawMessage, error) {
		var c models.Character
		if err := json.Unmarshal(latest, &c); err != nil {
			return nil, fmt.Errorf("decode character %s: %w", id, err)
		}
		c.Name = patch.Name
		c.Age = patch.Age
		c.Affiliation = patch.Affiliation
		c.HasLightsaber = patch.HasLightsaber
		if patch.LikeCount > c.LikeCount {
			c.LikeCount = patch.LikeCount
		}
		c.Normalize()
		return json.Marshal(&c)
	})
	if err != nil {
		return nil, err
	}
	return decodeCharacter(doc)
}

// LikeCharacter increments the like count from the latest stored
// value, never from a cached copy.
func (m *Mutator) LikeCharacter(ctx context.Context, id string) (*models.Character, error) {
	doc, err := UpdateWithRetry(ctx, m.chars, id, func(latest json.RawMessage) (json.RawMessage, error) {
		var c models.Character
		if err := json.Unmarshal(latest, &c); err != nil {
			return nil, fmt.Errorf("decode character %s: %w", id, err)
		}
		c.LikeCount++
		c.Normalize()
		return json.Marshal(&c)
	})
	if err != nil {
		return nil, err
	}
	return decodeCharacter(doc)
}

// DeleteCharacter tombstones the character and everything under it:
// first all comments of its messages, then the messages, then the
// character itself. Children go first so an interrupted cascade never
// leaves reachable parents over deleted subtrees; leftovers from a
// partial run are re-collected by the next attempt.
func (m *Mutator) DeleteCharacter(ctx context.Context, id string) error {
	msgIDs, err := m.messageIDsFor(ctx, id)
	if err != nil {
		return err
	}
	var commentIDs []string
	for _, mid := range msgIDs {
		cids, err := m.commentIDsFor(ctx, mid)
		if err != nil {
			return err
		}
		commentIDs = append(commentIDs, cids...)
	}
	if err := tombstoneAll(ctx, m.msgs, commentIDs); err != nil {
		return fmt.Errorf("cascade comments of %s: %w", id, err)
	}
	if err := tombstoneAll(ctx, m.msgs, msgIDs); err != nil {
		return fmt.Errorf("cascade messages of %s: %w", id, err)
	}
	if err := tombstoneWithRetry(ctx, m.chars, id); err != nil {
		return err
	}
	logger.AuditEvent("character_deleted", "id", id, "messages", len(msgIDs), "comments", len(commentIDs))
	return nil
}

func decodeCharacter(doc json.RawMessage) (*models.Character, error) {
	var c models.Character
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("decode character: %w", err)
	}
	return &c, nil
}
