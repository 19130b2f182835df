package models

import "strings"

// Character is a roster entry. AffiliationLower exists so equality
// queries can be case-insensitive without client-side filtering; it must
// equal strings.ToLower(Affiliation) on every write.
type Character struct {
	Meta
	Name             string `json:"name"`
	Age              int    `json:"age,omitempty"`
	Affiliation      string `json:"affiliation"`
	AffiliationLower string `json:"affiliationLower"`
	HasLightsaber    bool   `json:"hasLightsaber"`
	LikeCount        int64  `json:"likeCount"`
	MediaContentType string `json:"mediaContentType,omitempty"`
}

// CharacterInput is the caller-supplied part of a new or updated character.
type CharacterInput struct {
	Name          string `json:"name"`
	Age           int    `json:"age"`
	Affiliation   string `json:"affiliation"`
	HasLightsaber bool   `json:"hasLightsaber"`
}

// NewCharacter builds a character with a fresh chronological id, derived
// fields and a zero like count.
func NewCharacter(in CharacterInput) *Character {
	c := &Character{
		Meta:          Meta{ID: NewID(TypeCharacter), Type: TypeCharacter},
		Name:          in.Name,
		Age:           in.Age,
		Affiliation:   in.Affiliation,
		HasLightsaber: in.HasLightsaber,
	}
	c.Normalize()
	return c
}

// Normalize re-derives the search fields and pins the type discriminator.
func (c *Character) Normalize() {
	c.Type = TypeCharacter
	c.AffiliationLower = strings.ToLower(c.Affiliation)
}
