package expressions

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Substitute resolves ${path.to.value} placeholders in a step input,
// recursing through nested maps and slices. Paths resolve against the
// scope's variables and results namespaces. An unresolved path is left
// as the literal placeholder text rather than causing an error.
func Substitute(value any, scope *Scope) any {
	switch v := value.(type) {
	case string:
		return substituteValue(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Substitute(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Substitute(item, scope)
		}
		return out
	default:
		return value
	}
}

// SubstituteString resolves placeholders inside a single string, always
// producing a string. Used for condition expressions, where the result is
// fed to an expression engine afterwards.
func SubstituteString(s string, scope *Scope) string {
	out, _ := substituteString(s, scope)
	return out
}

// substituteValue resolves placeholders in a string field. When the entire
// string is a single placeholder the resolved value is returned as-is,
// preserving its type; embedded placeholders are stringified in place.
func substituteValue(s string, scope *Scope) any {
	if path, ok := wholePlaceholder(s); ok {
		if val, resolved := scope.Resolve(path); resolved {
			return val
		}
		return s
	}
	out, _ := substituteString(s, scope)
	return out
}

// wholePlaceholder reports whether s is exactly one ${...} token and
// returns the inner path.
func wholePlaceholder(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	inner := s[2 : len(s)-1]
	if inner == "" || strings.Contains(inner, "${") || strings.Contains(inner, "}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// substituteString scans s for ${...} tokens and replaces each resolvable
// one with its stringified value. The boolean reports whether every token
// resolved.
func substituteString(s string, scope *Scope) (string, bool) {
	var result strings.Builder
	result.Grow(len(s))

	allResolved := true
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + 2 // skip "${"

		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			// Unclosed token: keep the rest verbatim.
			result.WriteString(s[i+idx:])
			allResolved = false
			break
		}
		end += start

		path := strings.TrimSpace(s[start:end])
		val, ok := scope.Resolve(path)
		if !ok {
			// Leave the literal placeholder text in place.
			result.WriteString(s[i+idx : end+1])
			allResolved = false
		} else {
			result.WriteString(stringifyValue(val))
		}

		i = end + 1 // skip "}"
	}

	return result.String(), allResolved
}

// stringifyValue converts a resolved value into its inline text form.
// Complex values are JSON-encoded.
func stringifyValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
