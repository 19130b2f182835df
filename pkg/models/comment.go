package models

// Comment is a leaf entity under a message. MessageID is not enforced by
// the store; orphaned comments must be tolerated.
type Comment struct {
	Meta
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// NewComment builds a comment under the given message.
func NewComment(messageID, text string) *Comment {
	c := &Comment{
		Meta:      Meta{ID: NewID(TypeComment), Type: TypeComment},
		MessageID: messageID,
		Text:      text,
		CreatedAt: NowISO(),
	}
	c.Normalize()
	return c
}

// Normalize pins the type discriminator.
func (c *Comment) Normalize() {
	c.Type = TypeComment
}
