package query

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"holocron/pkg/logger"
	"holocron/pkg/models"
	"holocron/pkg/store"
)

const (
	// HighSentinel closes a prefix range: [p, p+HighSentinel] covers
	// every string starting with p.
	HighSentinel = string(utf8.MaxRune)

	defaultListLimit = 1000
	searchResultCap  = 500
	defaultPageSize  = 10
)

// Queries is the read side over the two shipped collections. All
// operations degrade to empty results on failure; projections render
// stale or missing data, they do not crash.
type Queries struct {
	chars store.Store
	msgs  store.Store
}

// New builds the query layer over the character and message stores.
func New(chars, msgs store.Store) *Queries {
	return &Queries{chars: chars, msgs: msgs}
}

// ListCharacters returns the roster in id (creation) order, up to
// limit; a non-positive limit applies the default bound.
func (q *Queries) ListCharacters(ctx context.Context, limit int) []models.Character {
	if limit <= 0 {
		limit = defaultListLimit
	}
	docs := q.run(ctx, "list_characters", q.chars, store.Query{
		Eq:    map[string]any{"type": models.TypeCharacter},
		Limit: limit,
	})
	return decodeCharacters(docs)
}

// SearchCharactersByAffiliation filters the roster by affiliation,
// case-insensitively. Blank input clears the filter and returns the
// full bounded list.
func (q *Queries) SearchCharactersByAffiliation(ctx context.Context, affiliation string) []models.Character {
	needle := strings.ToLower(strings.TrimSpace(affiliation))
	if needle == "" {
		return q.ListCharacters(ctx, 0)
	}
	docs := q.run(ctx, "search_characters_by_affiliation", q.chars, store.Query{
		Eq:    map[string]any{"type": models.TypeCharacter, "affiliationLower": needle},
		Limit: defaultListLimit,
	})
	return decodeCharacters(docs)
}

// SearchMessagesByText is a prefix search on the lowercased text:
// matches group by text, newest first within a group. Blank input
// matches nothing.
func (q *Queries) SearchMessagesByText(ctx context.Context, text string) []models.Message {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil
	}
	docs := q.run(ctx, "search_messages_by_text", q.msgs, store.Query{
		Eq:    map[string]any{"type": models.TypeMessage},
		Range: &store.Range{Field: "textLower", GTE: needle, LTE: needle + HighSentinel},
		Sort:  []store.SortKey{{Field: "textLower"}, {Field: "createdAt", Desc: true}},
		Limit: searchResultCap,
	})
	return decodeMessages(docs)
}

// ListMessagesForCharacter returns a character's messages, newest
// first, or most liked first with orderByLikes. Orphans whose
// character is gone still list under the stale id.
func (q *Queries) ListMessagesForCharacter(ctx context.Context, characterID string, orderByLikes bool) []models.Message {
	sortField := "createdAt"
	if orderByLikes {
		sortField = "likeCount"
	}
	docs := q.run(ctx, "list_messages_for_character", q.msgs, store.Query{
		Eq:    map[string]any{"type": models.TypeMessage, "characterId": characterID},
		Sort:  []store.SortKey{{Field: sortField, Desc: true}},
		Limit: defaultListLimit,
	})
	return decodeMessages(docs)
}

// TopMessagesByLikes pages the global like ranking. Zero-based page;
// no total count is computed.
func (q *Queries) TopMessagesByLikes(ctx context.Context, page, pageSize int) []models.Message {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if page < 0 {
		page = 0
	}
	docs := q.run(ctx, "top_messages_by_likes", q.msgs, store.Query{
		Eq:    map[string]any{"type": models.TypeMessage},
		Sort:  []store.SortKey{{Field: "likeCount", Desc: true}},
		Limit: pageSize,
		Skip:  page * pageSize,
	})
	return decodeMessages(docs)
}

// LatestCommentFor returns a message's newest comment, or nil when it
// has none.
func (q *Queries) LatestCommentFor(ctx context.Context, messageID string) *models.Comment {
	docs := q.run(ctx, "latest_comment_for", q.msgs, store.Query{
		Eq:    map[string]any{"type": models.TypeComment, "messageId": messageID},
		Sort:  []store.SortKey{{Field: "createdAt", Desc: true}},
		Limit: 1,
	})
	comments := decodeComments(docs)
	if len(comments) == 0 {
		return nil
	}
	return &comments[0]
}

// AllCommentsFor returns a message's comments oldest first.
func (q *Queries) AllCommentsFor(ctx context.Context, messageID string) []models.Comment {
	docs := q.run(ctx, "all_comments_for", q.msgs, store.Query{
		Eq:   map[string]any{"type": models.TypeComment, "messageId": messageID},
		Sort: []store.SortKey{{Field: "createdAt"}},
	})
	return decodeComments(docs)
}

// run executes one Find, logging and returning empty on failure.
func (q *Queries) run(ctx context.Context, op string, s store.Store, query store.Query) []json.RawMessage {
	docs, err := s.Find(ctx, query)
	if err != nil {
		logger.Warn("query_failed", "op", op, "collection", s.Name(), "error", err)
		return nil
	}
	return docs
}

func decodeCharacters(docs []json.RawMessage) []models.Character {
	out := make([]models.Character, 0, len(docs))
	for _, d := range docs {
		var c models.Character
		if err := json.Unmarshal(d, &c); err != nil {
			logger.Warn("character_decode_failed", "error", err)
			continue
		}
		out = append(out, c)
	}
	return out
}

func decodeMessages(docs []json.RawMessage) []models.Message {
	out := make([]models.Message, 0, len(docs))
	for _, d := range docs {
		var m models.Message
		if err := json.Unmarshal(d, &m); err != nil {
			logger.Warn("message_decode_failed", "error", err)
			continue
		}
		out = append(out, m)
	}
	return out
}

func decodeComments(docs []json.RawMessage) []models.Comment {
	out := make([]models.Comment, 0, len(docs))
	for _, d := range docs {
		var c models.Comment
		if err := json.Unmarshal(d, &c); err != nil {
			logger.Warn("comment_decode_failed", "error", err)
			continue
		}
		out = append(out, c)
	}
	return out
}
