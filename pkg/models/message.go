package models

import "strings"

// Message belongs to a character. CharacterID is not enforced by the
// store; orphaned messages must be tolerated by every reader. TextLower
// must equal strings.ToLower(Text) on every write.
type Message struct {
	Meta
	CharacterID      string `json:"characterId"`
	Text             string `json:"text"`
	TextLower        string `json:"textLower"`
	CreatedAt        string `json:"createdAt"`
	LikeCount        int64  `json:"likeCount"`
	MediaContentType string `json:"mediaContentType,omitempty"`
}

// NewMessage builds a message under the given character with a fresh
// chronological id and derived fields.
func NewMessage(characterID, text string) *Message {
	m := &Message{
		Meta:        Meta{ID: NewID(TypeMessage), Type: TypeMessage},
		CharacterID: characterID,
		Text:        text,
		CreatedAt:   NowISO(),
	}
	m.Normalize()
	return m
}

// Normalize re-derives the search fields and pins the type discriminator.
func (m *Message) Normalize() {
	m.Type = TypeMessage
	m.TextLower = strings.ToLower(m.Text)
}
