package store

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Revision tokens are "<generation>-<32 hex chars>". Generation counts
// edits to the document; the suffix is random per write. Replication
// resolves concurrent edits with CompareRevs, so every node picks the
// same winner with no coordination.

// NewRevSuffix returns a fresh 32-char lowercase hex token.
func NewRevSuffix() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// RevGen returns the generation of rev, or 0 for blank or malformed
// revisions.
func RevGen(rev string) int {
	if rev == "" {
		return 0
	}
	i := strings.IndexByte(rev, '-')
	if i <= 0 {
		return 0
	}
	n, err := strconv.Atoi(rev[:i])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ValidRev reports whether rev parses as "<gen>-<32 hex>".
func ValidRev(rev string) bool {
	i := strings.IndexByte(rev, '-')
	if i <= 0 || RevGen(rev) == 0 {
		return false
	}
	suffix := rev[i+1:]
	if len(suffix) != 32 {
		return false
	}
	for _, c := range suffix {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NextRev returns the successor of current: generation plus one with a
// fresh suffix. A blank current yields generation 1.
func NextRev(current string) string {
	return fmt.Sprintf("%d-%s", RevGen(current)+1, NewRevSuffix())
}

// CompareRevs orders two revisions for winner selection: higher
// generation wins, equal generations compare the full token as a
// string. Returns -1, 0 or 1.
func CompareRevs(a, b string) int {
	ga, gb := RevGen(a), RevGen(b)
	if ga != gb {
		if ga < gb {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
