package expressions

import (
	"strconv"
	"strings"
)

// Scope holds all data available to condition evaluation and placeholder
// substitution for one step: the execution's shared variables and the
// outputs of every step that already has a recorded result.
type Scope struct {
	Variables map[string]any
	Results   map[string]any // step ID -> recorded output
}

// NewScope builds a Scope from the execution's variables and the outputs
// of completed steps.
func NewScope(variables, results map[string]any) *Scope {
	return &Scope{Variables: variables, Results: results}
}

// Env returns the evaluation environment exposed to expression engines:
// two top-level namespaces, "variables" and "results".
func (s *Scope) Env() map[string]any {
	vars := s.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	results := s.Results
	if results == nil {
		results = map[string]any{}
	}
	return map[string]any{
		"variables": vars,
		"results":   results,
	}
}

// Resolve looks up a dotted path like "variables.region" or
// "results.fetch.items" against the scope. Numeric segments index into
// slices. The boolean reports whether the full path resolved.
func (s *Scope) Resolve(path string) (any, bool) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 {
		return nil, false
	}

	var current any
	switch segments[0] {
	case "variables":
		current = s.Variables
	case "results":
		current = s.Results
	default:
		return nil, false
	}

	for _, seg := range segments[1:] {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}

	return current, true
}
