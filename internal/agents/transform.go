package agents

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/loomworks/loom/pkg/schema"
)

// TransformAgent implements the "transform.jq" agent. It evaluates a jq
// expression against the step input's "data" field, for filtering and
// reshaping upstream step outputs.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type TransformAgent struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewTransformAgent creates a new transform.jq agent.
func NewTransformAgent() *TransformAgent {
	return &TransformAgent{
		cache: make(map[string]*gojq.Code),
	}
}

func (a *TransformAgent) Name() string { return "transform.jq" }

func (a *TransformAgent) Info() Info {
	return Info{
		Name:        a.Name(),
		Description: "Transform JSON data with a jq expression. Input: expression (string), data (any).",
	}
}

// Execute evaluates the jq expression against "data". jq expressions can
// produce multiple outputs. When there is exactly one output it is returned
// directly; multiple outputs are collected into []any.
func (a *TransformAgent) Execute(ctx context.Context, input map[string]any) (any, error) {
	if input == nil {
		input = map[string]any{}
	}

	expression := stringParam(input, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform.jq: missing required param 'expression'")
	}

	data := normalizeForJQ(input["data"])

	code, err := a.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, data)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if evalErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"transform.jq: evaluation failed for %q: %s", expression, evalErr.Error()).
				WithCause(evalErr).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (a *TransformAgent) getOrCompile(expression string) (*gojq.Code, error) {
	a.mu.RLock()
	if code, ok := a.cache[expression]; ok {
		a.mu.RUnlock()
		return code, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if code, ok := a.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"transform.jq: parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: empty env blocks $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"transform.jq: compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	a.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts Go native number types to float64, which matches
// jq's number handling.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Agent = (*TransformAgent)(nil)
