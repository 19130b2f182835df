// Package query holds the read side: the shipped index catalog and the
// operations the view layer calls. Queries run strictly against
// declared indexes; a selector nothing can serve logs and returns an
// empty result rather than falling back to a scan.
package query

import (
	"context"
	"fmt"

	"holocron/pkg/logger"
	"holocron/pkg/models"
	"holocron/pkg/store"
)

// IndexesFor returns the shipped catalog for a collection. Unknown
// collections have no catalog and get none.
func IndexesFor(collection string) []store.Index {
	switch collection {
	case models.CollCharacters:
		return []store.Index{
			{Name: "chars-type", Fields: []string{"type"}},
			{Name: "chars-affiliation", Fields: []string{"type", "affiliationLower"}},
			{Name: "chars-likes", Fields: []string{"type", "likeCount"}},
		}
	case models.CollMessages:
		return []store.Index{
			{Name: "msgs-type", Fields: []string{"type"}},
			{Name: "msgs-character", Fields: []string{"type", "characterId"}},
			{Name: "msgs-character-likes", Fields: []string{"type", "characterId", "likeCount"}},
			{Name: "msgs-character-created", Fields: []string{"type", "characterId", "createdAt"}},
			{Name: "msgs-text", Fields: []string{"type", "textLower"}},
			{Name: "msgs-text-created", Fields: []string{"type", "textLower", "createdAt"}},
			{Name: "msgs-parent", Fields: []string{"type", "messageId"}},
			{Name: "msgs-parent-created", Fields: []string{"type", "messageId", "createdAt"}},
			{Name: "msgs-likes", Fields: []string{"type", "likeCount"}},
		}
	}
	return nil
}

// EnsureIndexes declares the catalog for the store's collection.
// Idempotent: identical existing definitions are left alone.
func EnsureIndexes(ctx context.Context, s store.Store) error {
	for _, idx := range IndexesFor(s.Name()) {
		created, err := s.CreateIndex(ctx, idx)
		if err != nil {
			return fmt.Errorf("ensure index %s/%s: %w", s.Name(), idx.Name, err)
		}
		if created {
			logger.Info("index_ensured", "collection", s.Name(), "index", idx.Name)
		}
	}
	return nil
}
