package models

import (
	"strings"
	"sync/atomic"
	"time"
)

// Collection names. The engine is collection-agnostic; these are the
// shipped pairing: characters in their own collection, messages and
// comments sharing one.
const (
	CollCharacters = "characters"
	CollMessages   = "messages"
)

// Document type discriminators. Every document carries an explicit type
// field; shape is never sniffed.
const (
	TypeCharacter = "character"
	TypeMessage   = "message"
	TypeComment   = "comment"
)

// Meta is the envelope shared by every stored document.
type Meta struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	Type    string `json:"type,omitempty"`
	Deleted bool   `json:"_deleted,omitempty"`
}

// CollectionFor maps a document type to the collection it lives in.
func CollectionFor(docType string) string {
	if docType == TypeCharacter {
		return CollCharacters
	}
	return CollMessages
}

// TypeFromID recovers the document type from the id prefix convention
// ("character:...", "message:...", "comment:..."). Returns "" when the id
// does not follow the convention. Used as a classification fallback for
// tombstones that carry no type field.
func TypeFromID(id string) string {
	switch {
	case strings.HasPrefix(id, TypeCharacter+":"):
		return TypeCharacter
	case strings.HasPrefix(id, TypeMessage+":"):
		return TypeMessage
	case strings.HasPrefix(id, TypeComment+":"):
		return TypeComment
	}
	return ""
}

// isoNano is a fixed-width RFC3339 layout. The padded fraction keeps
// lexicographic order equal to chronological order, which the id
// convention below relies on.
const isoNano = "2006-01-02T15:04:05.000000000Z"

var idSeq uint64

// NowISO returns the current UTC time in the fixed-width layout.
func NowISO() string {
	return time.Now().UTC().Format(isoNano)
}

// NewID builds "<docType>:<timestamp>" ids that sort chronologically.
// A process-local counter breaks ties when two ids are minted in the
// same nanosecond.
func NewID(docType string) string {
	ts := time.Now().UTC()
	s := atomic.AddUint64(&idSeq, 1)
	return docType + ":" + ts.Format(isoNano) + "-" + itoa6(s%1000000)
}

func itoa6(n uint64) string {
	var b [6]byte
	for i := 5; i >= 0; i-- {
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[:])
}
