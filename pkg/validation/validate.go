// Package validation applies configured per-collection document rules
// at the API write boundary. Rules run only on locally authored writes;
// replicated documents bypass them so peers with older rule sets still
// converge.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Rules is the rule set for one collection. Paths are dot-separated;
// "*" descends into the first element of an array.
type Rules struct {
	Required []string
	Types    map[string]string
	MaxLen   map[string]int
}

var rulesByColl = map[string]Rules{}

// SetCollectionRules installs the rule set for one collection,
// replacing any previous one. Called once at boot, before serving.
func SetCollectionRules(coll string, r Rules) {
	rulesByColl[coll] = r
}

// Reset drops all installed rules.
func Reset() {
	rulesByColl = map[string]Rules{}
}

// ValidateDoc checks doc against the collection's rules. Collections
// without rules accept everything; tombstones are exempt because they
// deliberately carry only the envelope and foreign keys.
func ValidateDoc(coll string, doc json.RawMessage) error {
	rules, ok := rulesByColl[coll]
	if !ok {
		return nil
	}
	var root map[string]interface{}
	if err := json.Unmarshal(doc, &root); err != nil {
		return fmt.Errorf("document is not a JSON object: %w", err)
	}
	if del, _ := root["_deleted"].(bool); del {
		return nil
	}

	var errs []string
	for _, p := range rules.Required {
		if !existsAt(root, p) {
			errs = append(errs, fmt.Sprintf("required path missing: %s", p))
		}
	}
	for p, t := range rules.Types {
		if v, ok := valueAt(root, p); ok {
			if !typeMatches(v, t) {
				errs = append(errs, fmt.Sprintf("type mismatch at %s: expected %s", p, t))
			}
		}
	}
	for p, max := range rules.MaxLen {
		if v, ok := valueAt(root, p); ok {
			switch vv := v.(type) {
			case string:
				if len(vv) > max {
					errs = append(errs, fmt.Sprintf("max length exceeded at %s: %d > %d", p, len(vv), max))
				}
			case []interface{}:
				if len(vv) > max {
					errs = append(errs, fmt.Sprintf("max length exceeded at %s: %d > %d", p, len(vv), max))
				}
			}
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func existsAt(root interface{}, path string) bool {
	_, ok := valueAt(root, path)
	return ok
}

func valueAt(root interface{}, path string) (interface{}, bool) {
	segs := strings.Split(path, ".")
	cur := root
	for _, s := range segs {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[s]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			if s == "*" {
				if len(node) == 0 {
					return nil, false
				}
				cur = node[0]
			} else if idx, err := strconv.Atoi(s); err == nil {
				if idx < 0 || idx >= len(node) {
					return nil, false
				}
				cur = node[idx]
			} else {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return cur, true
}

func typeMatches(v interface{}, t string) bool {
	switch strings.ToLower(t) {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		default:
			return false
		}
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}
