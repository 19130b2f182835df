package validation

import (
	"encoding/json"
	"strings"
	"testing"
)

func install(t *testing.T, coll string, r Rules) {
	t.Helper()
	Reset()
	t.Cleanup(Reset)
	SetCollectionRules(coll, r)
}

// TestRequiredPaths verifies missing required fields are reported and
// present ones pass.
func TestRequiredPaths(t *testing.T) {
	install(t, "characters", Rules{Required: []string{"name", "type"}})
	err := ValidateDoc("characters", json.RawMessage(`{"_id":"c1","type":"character"}`))
	if err == nil || !strings.Contains(err.Error(), "name") {
		t.Fatalf("expected missing-name error, got %v", err)
	}
	if err := ValidateDoc("characters", json.RawMessage(`{"_id":"c1","type":"character","name":"Rey"}`)); err != nil {
		t.Fatalf("valid doc rejected: %v", err)
	}
}

// TestTypeAndLengthRules verifies type mismatches and over-length
// strings fail.
func TestTypeAndLengthRules(t *testing.T) {
	install(t, "messages", Rules{
		Types:  map[string]string{"likeCount": "number", "text": "string"},
		MaxLen: map[string]int{"text": 5},
	})
	if err := ValidateDoc("messages", json.RawMessage(`{"likeCount":"many"}`)); err == nil {
		t.Fatalf("type mismatch accepted")
	}
	if err := ValidateDoc("messages", json.RawMessage(`{"text":"toolongtext"}`)); err == nil {
		t.Fatalf("over-length accepted")
	}
	if err := ValidateDoc("messages", json.RawMessage(`{"likeCount":3,"text":"ok"}`)); err != nil {
		t.Fatalf("valid doc rejected: %v", err)
	}
}

// TestTombstonesExempt verifies a tombstone passes rules it could not
// otherwise satisfy.
func TestTombstonesExempt(t *testing.T) {
	install(t, "characters", Rules{Required: []string{"name"}})
	if err := ValidateDoc("characters", json.RawMessage(`{"_id":"c1","_rev":"1-x","_deleted":true}`)); err != nil {
		t.Fatalf("tombstone rejected: %v", err)
	}
}

// TestUnconfiguredCollectionAcceptsAll verifies collections without
// rules validate nothing.
func TestUnconfiguredCollectionAcceptsAll(t *testing.T) {
	Reset()
	if err := ValidateDoc("misc", json.RawMessage(`{"anything":1}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestNestedPaths verifies dot and wildcard traversal.
func TestNestedPaths(t *testing.T) {
	install(t, "messages", Rules{Required: []string{"meta.origin", "tags.*"}})
	doc := json.RawMessage(`{"meta":{"origin":"local"},"tags":["a"]}`)
	if err := ValidateDoc("messages", doc); err != nil {
		t.Fatalf("nested doc rejected: %v", err)
	}
	if err := ValidateDoc("messages", json.RawMessage(`{"meta":{},"tags":[]}`)); err == nil {
		t.Fatalf("missing nested paths accepted")
	}
}
