package replication

import (
	"context"
	"encoding/json"
	"sort"

	"holocron/pkg/models"
	"holocron/pkg/store"
)

// RefreshSet names what a batch of incoming changes touched.
// Characters holds character ids whose cards need re-projecting;
// Messages holds message ids whose comment projection changed.
// FullReload covers everything unclassifiable.
type RefreshSet struct {
	FullReload bool
	Characters map[string]struct{}
	Messages   map[string]struct{}
}

// Empty reports whether the set carries no work.
func (s RefreshSet) Empty() bool {
	return !s.FullReload && len(s.Characters) == 0 && len(s.Messages) == 0
}

// CharacterIDs returns the dirty character ids in stable order.
func (s RefreshSet) CharacterIDs() []string { return sortedKeys(s.Characters) }

// MessageIDs returns the dirty message ids in stable order.
func (s RefreshSet) MessageIDs() []string { return sortedKeys(s.Messages) }

func (s *RefreshSet) markCharacter(id string) {
	if s.Characters == nil {
		s.Characters = make(map[string]struct{})
	}
	s.Characters[id] = struct{}{}
}

func (s *RefreshSet) markMessage(id string) {
	if s.Messages == nil {
		s.Messages = make(map[string]struct{})
	}
	s.Messages[id] = struct{}{}
}

// merge folds o into s.
func (s *RefreshSet) merge(o RefreshSet) {
	s.FullReload = s.FullReload || o.FullReload
	for id := range o.Characters {
		s.markCharacter(id)
	}
	for id := range o.Messages {
		s.markMessage(id)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Classifier buckets incoming documents into targeted refreshes. The
// lookup store resolves comment parents; with a nil lookup those
// changes degrade to full reloads.
type Classifier struct {
	lookup store.Store
}

// NewClassifier builds a classifier resolving comment parents against
// lookup, normally the local messages collection.
func NewClassifier(lookup store.Store) *Classifier {
	return &Classifier{lookup: lookup}
}

// Classify applies the refresh rules to one applied batch: a character
// dirties its own id; a message dirties its characterId; a comment
// dirties its messageId when the parent message resolves locally.
// Documents without a type fall back to the id prefix convention;
// anything still unresolvable, and batches with no readable documents,
// force a full reload.
func (c *Classifier) Classify(ctx context.Context, docs []json.RawMessage) RefreshSet {
	var set RefreshSet
	if len(docs) == 0 {
		set.FullReload = true
		return set
	}
	for _, raw := range docs {
		var doc struct {
			models.Meta
			CharacterID string `json:"characterId"`
			MessageID   string `json:"messageId"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			set.FullReload = true
			continue
		}
		typ := doc.Type
		if typ == "" {
			typ = models.TypeFromID(doc.ID)
		}
		switch typ {
		case models.TypeCharacter:
			set.markCharacter(doc.ID)
		case models.TypeMessage:
			if doc.CharacterID == "" {
				set.FullReload = true
				continue
			}
			set.markCharacter(doc.CharacterID)
		case models.TypeComment:
			if doc.MessageID == "" || !c.messageExists(ctx, doc.MessageID) {
				set.FullReload = true
				continue
			}
			set.markMessage(doc.MessageID)
		default:
			set.FullReload = true
		}
	}
	return set
}

// messageExists checks the parent after the batch applied, so a
// message and its comments arriving together still classify as
// targeted refreshes.
func (c *Classifier) messageExists(ctx context.Context, id string) bool {
	if c.lookup == nil {
		return false
	}
	_, err := c.lookup.Get(ctx, id)
	return err == nil
}
