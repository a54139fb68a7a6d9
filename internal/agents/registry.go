package agents

import (
	"context"
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// Registry is the concrete thread-safe agent registry. The string-keyed
// agent reference on a workflow step is a lookup here, never reflection.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
	}
}

// Register adds an agent to the registry. Returns error on duplicate name.
func (r *Registry) Register(agent Agent) error {
	if agent == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent is nil")
	}
	name := agent.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", name)
	}

	r.agents[name] = agent
	return nil
}

// Get retrieves an agent by name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not registered", name)
	}
	return agent, nil
}

// Execute dispatches an invocation to the named agent.
func (r *Registry) Execute(ctx context.Context, agentID string, input map[string]any) (any, error) {
	agent, err := r.Get(agentID)
	if err != nil {
		return nil, err
	}
	return agent.Execute(ctx, input)
}

// ListAgents returns the registered agent names, sorted.
func (r *Registry) ListAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AgentInfo returns the Info for a registered agent.
func (r *Registry) AgentInfo(agentID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return Info{}, false
	}
	return agent.Info(), true
}

// Has checks if an agent is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// RegisterBuiltins registers the bundled agents. Returns the first
// registration error, if any.
func (r *Registry) RegisterBuiltins() error {
	builtins := []Agent{
		NewEchoAgent(),
		NewDelayAgent(),
		NewHTTPAgent(HTTPConfig{}),
		NewShellAgent(),
		NewTransformAgent(),
	}
	for _, a := range builtins {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

var _ Executor = (*Registry)(nil)
