package mutation

import (
	"context"
	"encoding/json"
	"fmt"

	"holocron/pkg/logger"
	"holocron/pkg/models"
)

// CreateMessage stores a new message under characterID. The character
// is not checked: referential integrity is by convention, and readers
// tolerate orphans.
func (m *Mutator) CreateMessage(ctx context.Context, characterID, text string) (*models.Message, error) {
	doc, err := create(ctx, m.msgs, models.NewMessage(characterID, text))
	if err != nil {
		return nil, err
	}
	return decodeMessage(doc)
}

// UpdateMessage replaces the message text, re-deriving textLower, with
// conflict retry.
func (m *Mutator) UpdateMessage(ctx context.Context, id, text string) (*models.Message, error) {
	doc, err := UpdateWithRetry(ctx, m.msgs, id, func(latest json.RawMessage) (json.RawMessage, error) {
		var msg models.Message
		if err := json.Unmarshal(latest, &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", id, err)
		}
		msg.Text = text
		msg.Normalize()
		return json.Marshal(&msg)
	})
	if err != nil {
		return nil, err
	}
	return decodeMessage(doc)
}

// LikeMessage increments the like count from the latest stored value.
func (m *Mutator) LikeMessage(ctx context.Context, id string) (*models.Message, error) {
	doc, err := UpdateWithRetry(ctx, m.msgs, id, func(latest json.RawMessage) (json.RawMessage, error) {
		var msg models.Message
		if err := json.Unmarshal(latest, &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", id, err)
		}
		msg.LikeCount++
		msg.Normalize()
		return json.Marshal(&msg)
	})
	if err != nil {
		return nil, err
	}
	return decodeMessage(doc)
}

// DeleteMessage tombstones the message and all its comments, comments
// first.
func (m *Mutator) DeleteMessage(ctx context.Context, id string) error {
	commentIDs, err := m.commentIDsFor(ctx, id)
	if err != nil {
		return err
	}
	if err := tombstoneAll(ctx, m.msgs, commentIDs); err != nil {
		return fmt.Errorf("cascade comments of %s: %w", id, err)
	}
	if err := tombstoneWithRetry(ctx, m.msgs, id); err != nil {
		return err
	}
	logger.AuditEvent("message_deleted", "id", id, "comments", len(commentIDs))
	return nil
}

func decodeMessage(doc json.RawMessage) (*models.Message, error) {
	var msg models.Message
	if err := json.Unmarshal(doc, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}
