package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ScopeKind tags the context-scope variant of a flow step.
type ScopeKind string

const (
	ScopeNone        ScopeKind = "none"
	ScopeLastMessage ScopeKind = "last_message"
	ScopeLastRound   ScopeKind = "last_round"
	ScopeLastN       ScopeKind = "last_n_messages"
	ScopeRoleSet     ScopeKind = "role_set"
)

// DefaultLastN is the message count used when a last_n_messages scope carries
// no explicit n parameter.
const DefaultLastN = 5

// ContextScope is the validated, tagged form of a step's context scope.
// The legacy column is polymorphic (keyword string, role name, or JSON array
// of role names); parsing happens once at step load so that execution only
// ever switches on Kind.
type ContextScope struct {
	Kind  ScopeKind `json:"kind"`
	N     int       `json:"n,omitempty"`     // ScopeLastN only
	Roles []string  `json:"roles,omitempty"` // ScopeRoleSet only
}

// ParseContextScope parses the raw context_scope column value together with
// the context_param column.
//
// Accepted raw forms:
//   - "" or "none"              → ScopeNone
//   - "last_message"            → ScopeLastMessage
//   - "last_round"              → ScopeLastRound
//   - "last_n_messages"         → ScopeLastN, n from param["n"] (default 5)
//   - any other bare string     → ScopeRoleSet with that single role name
//   - JSON array of strings     → ScopeRoleSet
//
// Malformed JSON objects or arrays of non-strings return ScopeNone together
// with an INVALID_CONFIG error: the caller reports the diagnostic at load
// time and execution proceeds fail-open with no context.
func ParseContextScope(raw string, param map[string]any) (ContextScope, error) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "", "none":
		return ContextScope{Kind: ScopeNone}, nil
	case "last_message":
		return ContextScope{Kind: ScopeLastMessage}, nil
	case "last_round":
		return ContextScope{Kind: ScopeLastRound}, nil
	case "last_n_messages":
		return ContextScope{Kind: ScopeLastN, N: lastNFromParam(param)}, nil
	}

	if strings.HasPrefix(raw, "[") {
		var roles []string
		if err := json.Unmarshal([]byte(raw), &roles); err != nil {
			return ContextScope{Kind: ScopeNone},
				NewError(ErrInvalidConfig, fmt.Sprintf("context_scope is not a string array: %q", raw)).WithCause(err)
		}
		return ContextScope{Kind: ScopeRoleSet, Roles: roles}, nil
	}
	if strings.HasPrefix(raw, "{") {
		return ContextScope{Kind: ScopeNone},
			NewError(ErrInvalidConfig, fmt.Sprintf("unsupported context_scope object: %q", raw))
	}

	// Bare string that is not a keyword: a single role name.
	return ContextScope{Kind: ScopeRoleSet, Roles: []string{raw}}, nil
}

func lastNFromParam(param map[string]any) int {
	if param == nil {
		return DefaultLastN
	}
	switch v := param["n"].(type) {
	case float64:
		if v >= 1 {
			return int(v)
		}
	case int:
		if v >= 1 {
			return v
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n >= 1 {
			return n
		}
	}
	return DefaultLastN
}
