package agents

import (
	"context"
	"encoding/json"
)

// Agent is an executable unit of work a workflow step delegates to.
// The orchestration core has no opinion on what an agent does; failure is
// signaled by returning an error.
type Agent interface {
	Name() string
	Info() Info
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// Info is a summary of an agent for listing and display.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Executor is the boundary the engine consumes: dynamic dispatch by agent
// name. Satisfied by *Registry and by test stubs.
type Executor interface {
	Execute(ctx context.Context, agentID string, input map[string]any) (any, error)
	ListAgents() []string
	AgentInfo(agentID string) (Info, bool)
}

// --- Param helpers shared by the builtin agents ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	mm, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return mm
}
