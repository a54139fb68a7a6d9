package expressions

import "context"

// Engine evaluates step condition expressions against an evaluation scope.
// Two implementations: Expr (default) and CEL. Both are sandboxed: an
// expression can only read the scope it is given, never execute host code.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, env map[string]any) (any, error)
}

// Truthy applies loose boolean semantics to an evaluation result.
// false, nil, zero numbers, and empty strings are false; everything else
// is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
