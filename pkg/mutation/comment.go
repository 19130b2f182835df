package mutation

import (
	"context"
	"encoding/json"
	"fmt"

	"holocron/pkg/logger"
	"holocron/pkg/models"
)

// CreateComment stores a new comment under messageID.
func (m *Mutator) CreateComment(ctx context.Context, messageID, text string) (*models.Comment, error) {
	doc, err := create(ctx, m.msgs, models.NewComment(messageID, text))
	if err != nil {
		return nil, err
	}
	return decodeComment(doc)
}

// UpdateComment replaces the comment text with conflict retry.
func (m *Mutator) UpdateComment(ctx context.Context, id, text string) (*models.Comment, error) {
	doc, err := UpdateWithRetry(ctx, m.msgs, id, func(latest json.RawMessage) (json.RawMessage, error) {
		var c models.Comment
		if err := json.Unmarshal(latest, &c); err != nil {
			return nil, fmt.Errorf("decode comment %s: %w", id, err)
		}
		c.Text = text
		c.Normalize()
		return json.Marshal(&c)
	})
	if err != nil {
		return nil, err
	}
	return decodeComment(doc)
}

// DeleteComment tombstones a single comment with conflict retry.
func (m *Mutator) DeleteComment(ctx context.Context, id string) error {
	if err := tombstoneWithRetry(ctx, m.msgs, id); err != nil {
		return err
	}
	logger.AuditEvent("comment_deleted", "id", id)
	return nil
}

func decodeComment(doc json.RawMessage) (*models.Comment, error) {
	var c models.Comment
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("decode comment: %w", err)
	}
	return &c, nil
}
