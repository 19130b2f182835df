package store

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Key format constants and padding widths. Keep these in one place so
// formatting/parsing stays consistent across the codebase.
const (
	docKeyFmt     = "doc:%s:%s"        // doc:<coll>:<docID>
	chgKeyFmt     = "chg:%s:%s"        // chg:<coll>:<seq20>
	chgPtrKeyFmt  = "chgptr:%s:%s"     // chgptr:<coll>:<docID> -> seq20 of current entry
	seqCtrKeyFmt  = "seqctr:%s"        // seqctr:<coll> -> seq20 high water mark
	idxKeyPrefix  = "idx:%s:%s:"       // idx:<coll>:<index>:<encoded values><docID>
	idxDefKeyFmt  = "idxdef:%s:%s"     // idxdef:<coll>:<index> -> Index JSON
	attKeyFmt     = "att:%s:%s:%s"     // att:<coll>:<docID>:<name> -> blob
	attMetaKeyFmt = "attmeta:%s:%s:%s" // attmeta:<coll>:<docID>:<name> -> AttachmentMeta JSON
	sysKeyFmt     = "sys:%s"           // sys:<key> -> node-local state, never replicated

	seqPadWidth = 20 // matches %020d so byte order tracks numeric order
)

var (
	// conservative name validation: collection and index names embed in
	// key prefixes, so keep them lowercase and colon-free.
	nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

	// document ids additionally allow ':' for type-prefixed ids and a
	// larger bound; NUL and other control bytes stay out of key shapes.
	docIDRegexp = regexp.MustCompile(`^[A-Za-z0-9:._-]{1,256}$`)

	// attachment names are colon-free so attachment keys parse from the
	// right unambiguously.
	attNameRegexp = regexp.MustCompile(`^[a-z0-9._-]{1,64}$`)
)

// ValidateCollection ensures a collection name is safe to embed in keys.
func ValidateCollection(name string) error {
	if name == "" {
		return errors.New("collection name empty")
	}
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid collection name: %q", name)
	}
	return nil
}

// ValidateIndexName ensures an index name is safe to embed in keys.
func ValidateIndexName(name string) error {
	if name == "" {
		return errors.New("index name empty")
	}
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid index name: %q", name)
	}
	return nil
}

// ValidateDocID ensures a document id is safe to embed in keys.
func ValidateDocID(id string) error {
	if id == "" {
		return errors.New("doc id empty")
	}
	if !docIDRegexp.MatchString(id) {
		return fmt.Errorf("invalid doc id: %q", id)
	}
	return nil
}

// ValidateAttachmentName ensures an attachment name is safe to embed in keys.
func ValidateAttachmentName(name string) error {
	if name == "" {
		return errors.New("attachment name empty")
	}
	if !attNameRegexp.MatchString(name) {
		return fmt.Errorf("invalid attachment name: %q", name)
	}
	return nil
}

// FormatSeq returns a zero-padded sequence string.
func FormatSeq(seq uint64) string {
	return fmt.Sprintf("%0*d", seqPadWidth, seq)
}

// ParseSeq parses a padded sequence string previously formatted with FormatSeq.
func ParseSeq(s string) (uint64, error) {
	if len(s) == 0 || len(s) > seqPadWidth {
		return 0, fmt.Errorf("seq length invalid: %s", s)
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse seq: %w", err)
	}
	return v, nil
}

func docKey(coll, id string) []byte {
	return []byte(fmt.Sprintf(docKeyFmt, coll, id))
}

func docPrefix(coll string) []byte {
	return []byte("doc:" + coll + ":")
}

func chgKey(coll string, seq uint64) []byte {
	return []byte(fmt.Sprintf(chgKeyFmt, coll, FormatSeq(seq)))
}

func chgPrefix(coll string) []byte {
	return []byte("chg:" + coll + ":")
}

func chgPtrKey(coll, id string) []byte {
	return []byte(fmt.Sprintf(chgPtrKeyFmt, coll, id))
}

func seqCtrKey(coll string) []byte {
	return []byte(fmt.Sprintf(seqCtrKeyFmt, coll))
}

func idxPrefix(coll, index string) []byte {
	return []byte(fmt.Sprintf(idxKeyPrefix, coll, index))
}

func idxDefKey(coll, index string) []byte {
	return []byte(fmt.Sprintf(idxDefKeyFmt, coll, index))
}

func idxDefPrefix(coll string) []byte {
	return []byte("idxdef:" + coll + ":")
}

func attKey(coll, id, name string) []byte {
	return []byte(fmt.Sprintf(attKeyFmt, coll, id, name))
}

func attPrefix(coll string) []byte {
	return []byte("att:" + coll + ":")
}

func attDocPrefix(coll, id string) []byte {
	return []byte("att:" + coll + ":" + id + ":")
}

func attMetaKey(coll, id, name string) []byte {
	return []byte(fmt.Sprintf(attMetaKeyFmt, coll, id, name))
}

func attMetaPrefix(coll string) []byte {
	return []byte("attmeta:" + coll + ":")
}

func attMetaDocPrefix(coll, id string) []byte {
	return []byte("attmeta:" + coll + ":" + id + ":")
}

// SysKey builds a node-local key under the sys: prefix. Replication
// checkpoints and format markers live here and never leave the node.
func SysKey(parts ...string) []byte {
	return []byte(fmt.Sprintf(sysKeyFmt, strings.Join(parts, ":")))
}

// docIDFromKey extracts the document id from a doc:<coll>: key.
func docIDFromKey(key, prefix []byte) string {
	return string(key[len(prefix):])
}

// attIDName splits the suffix of an att: or attmeta: key into document
// id and attachment name. Attachment names are colon-free so the last
// colon is the separator even though ids may contain colons.
func attIDName(suffix string) (id, name string, ok bool) {
	i := strings.LastIndexByte(suffix, ':')
	if i <= 0 || i == len(suffix)-1 {
		return "", "", false
	}
	return suffix[:i], suffix[i+1:], true
}

// prefixUpperBound returns the smallest key greater than every key
// with the given prefix, for iterator bounds.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff; no upper bound
}
