package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// MemoryStore is an in-memory Store implementation. Records are deep-cloned
// on both write and read so callers can never alias stored state.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*schema.WorkflowDefinition
	executions map[string]*schema.WorkflowExecution
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*schema.WorkflowDefinition),
		executions: make(map[string]*schema.WorkflowExecution),
	}
}

func (s *MemoryStore) SaveWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error {
	if wf == nil || wf.ID == "" {
		return schema.NewError(schema.ErrCodeStore, "workflow is nil or has no id")
	}
	clone, err := cloneWorkflow(wf)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = clone
	return nil
}

func (s *MemoryStore) LoadWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	wf, ok := s.workflows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return cloneWorkflow(wf)
}

func (s *MemoryStore) FindWorkflowByName(ctx context.Context, name string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, wf := range s.workflows {
		if strings.EqualFold(wf.Name, name) {
			return cloneWorkflow(wf)
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*schema.WorkflowDefinition, 0, len(s.workflows))
	for _, wf := range s.workflows {
		clone, err := cloneWorkflow(wf)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return false, nil
	}
	delete(s.workflows, id)
	return true, nil
}

func (s *MemoryStore) SaveExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return schema.NewError(schema.ErrCodeStore, "execution is nil or has no id")
	}
	clone, err := cloneExecution(exec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = clone
	return nil
}

func (s *MemoryStore) LoadExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	s.mu.RLock()
	exec, ok := s.executions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return cloneExecution(exec)
}

func (s *MemoryStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*schema.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.WorkflowExecution
	for _, exec := range s.executions {
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		clone, err := cloneExecution(exec)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// cloneWorkflow deep-copies a definition through a JSON round trip. JSON is
// the canonical shape of definitions, so fidelity is exact.
func cloneWorkflow(wf *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "clone workflow").WithCause(err)
	}
	out := &schema.WorkflowDefinition{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "clone workflow").WithCause(err)
	}
	return out, nil
}

func cloneExecution(exec *schema.WorkflowExecution) (*schema.WorkflowExecution, error) {
	data, err := json.Marshal(exec)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "clone execution").WithCause(err)
	}
	out := &schema.WorkflowExecution{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "clone execution").WithCause(err)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
