package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/agents"
	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/validation"
	"github.com/loomworks/loom/pkg/schema"
)

// Config holds engine construction options.
type Config struct {
	// MaxConcurrency bounds simultaneously-running steps per execution.
	MaxConcurrency int
	// PoolSize bounds in-flight steps across all executions.
	PoolSize int
	// ExpressionEngine selects the condition evaluator: "expr" or "cel".
	ExpressionEngine string
}

// DefaultPoolSize is the process-wide step concurrency default.
const DefaultPoolSize = 16

// RunOptions parameterizes one workflow run.
type RunOptions struct {
	// Workflow is a definition id, or a workflow name as fallback
	// (case-insensitive).
	Workflow string
	// Input overlays the definition's declared variables.
	Input map[string]any
	// DryRun computes the execution plan without invoking any agent and
	// without persisting step results.
	DryRun bool
}

// Engine is the orchestrator and public surface. It owns no scheduling
// logic itself; it sequences the validator, scheduler, executor, and store,
// and manages execution identity and lifecycle.
type Engine struct {
	store     store.Store
	scheduler *Scheduler
	pool      *StepPool
	validator *validation.DefinitionValidator
	hub       streaming.EventHub
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*activeExecution
}

// activeExecution tracks one in-flight run. Its mutex guards the execution
// record, which the run path mutates and GetExecution reads concurrently.
type activeExecution struct {
	mu     sync.Mutex
	exec   *schema.WorkflowExecution
	cancel context.CancelFunc
}

func (a *activeExecution) snapshot() *schema.WorkflowExecution {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := *a.exec
	snap.StepResults = append([]*schema.StepResult(nil), a.exec.StepResults...)
	return &snap
}

// New creates an Engine wired to the given store, agent executor, and event
// hub.
func New(st store.Store, agentExec agents.Executor, hub streaming.EventHub, logger *slog.Logger, cfg Config) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	var exprEngine expressions.Engine
	switch cfg.ExpressionEngine {
	case "", "expr":
		exprEngine = expressions.NewExprEngine()
	case "cel":
		celEngine, err := expressions.NewCELEngine()
		if err != nil {
			return nil, fmt.Errorf("build cel engine: %w", err)
		}
		exprEngine = celEngine
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown expression engine %q", cfg.ExpressionEngine)
	}

	validator, err := validation.NewDefinitionValidator()
	if err != nil {
		return nil, fmt.Errorf("build definition validator: %w", err)
	}

	pool := NewStepPool(cfg.PoolSize)
	executor := NewStepExecutor(agentExec, exprEngine, hub, logger)

	return &Engine{
		store:     st,
		scheduler: NewScheduler(executor, pool, cfg.MaxConcurrency, logger),
		pool:      pool,
		validator: validator,
		hub:       hub,
		logger:    logger,
		active:    make(map[string]*activeExecution),
	}, nil
}

// Shutdown waits for in-flight steps to finish and stops accepting work.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// CreateWorkflow normalizes, validates, and persists a definition. It is
// never persisted when validation fails; the error names every accumulated
// problem.
func (e *Engine) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	normalizeDefinition(def)

	if err := e.validator.Validate(def).ToError(); err != nil {
		return nil, err
	}

	if err := e.store.SaveWorkflow(ctx, def); err != nil {
		return nil, err
	}

	e.logger.InfoContext(logging.WithWorkflowID(ctx, def.ID),
		"workflow created", "name", def.Name, "steps", len(def.Steps))
	return def, nil
}

// normalizeDefinition assigns ids and materializes per-step defaults so the
// persisted definition is explicit.
func normalizeDefinition(def *schema.WorkflowDefinition) {
	now := time.Now().UTC()
	if def.ID == "" {
		def.ID = uuid.NewString()
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	for i, step := range def.Steps {
		if step == nil {
			continue
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", i+1)
		}
		if step.OnError == "" {
			step.OnError = schema.ErrorPolicyFail
		}
		if step.RetryCount == nil {
			step.RetryCount = schema.IntPtr(schema.DefaultRetryCount)
		}
		if step.TimeoutMs <= 0 {
			step.TimeoutMs = schema.DefaultTimeoutMs
		}
		if step.Input == nil {
			step.Input = map[string]any{}
		}
	}
}

// GetWorkflow resolves a definition by id, falling back to a
// case-insensitive name lookup.
func (e *Engine) GetWorkflow(ctx context.Context, ref string) (*schema.WorkflowDefinition, error) {
	def, err := e.store.LoadWorkflow(ctx, ref)
	if err != nil {
		return nil, err
	}
	if def == nil {
		def, err = e.store.FindWorkflowByName(ctx, ref)
		if err != nil {
			return nil, err
		}
	}
	if def == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow not found: %s", ref)
	}
	return def, nil
}

// ListWorkflows lists all persisted definitions.
func (e *Engine) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	return e.store.ListWorkflows(ctx)
}

// DeleteWorkflow removes a definition. Returns false when it did not exist.
func (e *Engine) DeleteWorkflow(ctx context.Context, id string) (bool, error) {
	return e.store.DeleteWorkflow(ctx, id)
}

// RunWorkflow executes a workflow to completion and always returns an
// execution record once one exists: failures during the run are captured on
// the record and surfaced via the failed event, never propagated.
func (e *Engine) RunWorkflow(ctx context.Context, opts RunOptions) (*schema.WorkflowExecution, error) {
	def, err := e.GetWorkflow(ctx, opts.Workflow)
	if err != nil {
		return nil, err
	}

	exec := &schema.WorkflowExecution{
		ID:           uuid.NewString(),
		WorkflowID:   def.ID,
		WorkflowName: def.Name,
		Status:       schema.ExecutionStatusPending,
		Input:        opts.Input,
		StartedAt:    time.Now().UTC(),
	}

	if opts.DryRun {
		return e.dryRun(def, exec)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	runCtx = logging.WithIDs(runCtx, def.ID, exec.ID)

	act := &activeExecution{exec: exec, cancel: cancel}
	e.mu.Lock()
	e.active[exec.ID] = act
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, exec.ID)
		e.mu.Unlock()
	}()

	act.mu.Lock()
	exec.Status = schema.ExecutionStatusRunning
	act.mu.Unlock()
	if err := e.store.SaveExecution(runCtx, exec); err != nil {
		return e.finalize(runCtx, act, nil, err), nil
	}
	e.publish(runCtx, act.snapshot(), schema.EventStarted)
	e.logger.InfoContext(runCtx, "execution started", "workflow", def.Name)

	variables := make(map[string]any, len(def.Variables)+len(opts.Input))
	for k, v := range def.Variables {
		variables[k] = v
	}
	for k, v := range opts.Input {
		variables[k] = v
	}
	ec := NewExecutionContext(exec.ID, def.ID, variables)

	onStepComplete := func(r *schema.StepResult) {
		act.mu.Lock()
		exec.StepResults = append(exec.StepResults, r)
		act.mu.Unlock()
		// Persist after every step so a crash loses at most one result.
		if saveErr := e.store.SaveExecution(runCtx, act.snapshot()); saveErr != nil {
			e.logger.ErrorContext(runCtx, "persist step result", "step_id", r.StepID, "error", saveErr)
		}
	}

	results, execErr := e.scheduler.Execute(runCtx, def.Steps, ec, onStepComplete)
	return e.finalize(runCtx, act, results, execErr), nil
}

// dryRun returns a synthetic completed execution carrying the plan. Nothing
// is persisted and no agent is invoked.
func (e *Engine) dryRun(def *schema.WorkflowDefinition, exec *schema.WorkflowExecution) (*schema.WorkflowExecution, error) {
	plan, err := BuildPlan(def.Steps)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	exec.Status = schema.ExecutionStatusCompleted
	exec.Plan = plan
	exec.CompletedAt = &now
	return exec, nil
}

// finalize settles the terminal status, persists the final record, and
// emits the terminal event. A status already set to cancelled by
// CancelExecution is preserved.
func (e *Engine) finalize(ctx context.Context, act *activeExecution, results map[string]*schema.StepResult, execErr error) *schema.WorkflowExecution {
	act.mu.Lock()
	exec := act.exec

	cancelled := exec.Status == schema.ExecutionStatusCancelled
	switch {
	case cancelled:
		// keep status
	case execErr != nil:
		exec.Status = schema.ExecutionStatusFailed
		exec.Error = execErr.Error()
	default:
		exec.Status = schema.ExecutionStatusCompleted
		for _, r := range results {
			if r.Status == schema.StepStatusFailed {
				exec.Status = schema.ExecutionStatusFailed
				break
			}
		}
	}

	if len(results) > 0 {
		output := make(map[string]any, len(results))
		for id, r := range results {
			if r.Output != nil {
				output[id] = r.Output
			}
		}
		if len(output) > 0 {
			exec.Output = output
		}
	}

	now := time.Now().UTC()
	exec.CompletedAt = &now
	exec.DurationMs = now.Sub(exec.StartedAt).Milliseconds()
	act.mu.Unlock()

	snap := act.snapshot()
	if err := e.store.SaveExecution(context.WithoutCancel(ctx), snap); err != nil {
		e.logger.ErrorContext(ctx, "persist final execution", "error", err)
	}

	switch snap.Status {
	case schema.ExecutionStatusFailed:
		e.publish(ctx, snap, schema.EventFailed)
		e.logger.WarnContext(ctx, "execution failed", "error", snap.Error)
	case schema.ExecutionStatusCancelled:
		// cancelled event already emitted by CancelExecution
	default:
		e.publish(ctx, snap, schema.EventCompleted)
		e.logger.InfoContext(ctx, "execution completed", "duration_ms", snap.DurationMs)
	}
	return snap
}

// GetExecution returns a live snapshot for in-flight executions, falling
// back to storage for finished ones.
func (e *Engine) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	e.mu.Lock()
	act, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		return act.snapshot(), nil
	}

	exec, err := e.store.LoadExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", id)
	}
	return exec, nil
}

// ListExecutions lists executions, optionally filtered by workflow id and
// capped at limit.
func (e *Engine) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*schema.WorkflowExecution, error) {
	return e.store.ListExecutions(ctx, workflowID, limit)
}

// CancelExecution cancels an in-flight execution. The run context is
// cancelled for real, so in-flight agent calls observe the interruption;
// steps already terminal keep their results.
func (e *Engine) CancelExecution(ctx context.Context, id string) error {
	e.mu.Lock()
	act, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active execution: %s", id)
	}

	act.mu.Lock()
	if act.exec.Status != schema.ExecutionStatusRunning {
		status := act.exec.Status
		act.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s, not running", id, status)
	}
	act.exec.Status = schema.ExecutionStatusCancelled
	act.mu.Unlock()

	act.cancel()

	snap := act.snapshot()
	if err := e.store.SaveExecution(ctx, snap); err != nil {
		e.logger.ErrorContext(ctx, "persist cancelled execution", "execution_id", id, "error", err)
	}
	e.publish(ctx, snap, schema.EventCancelled)
	e.logger.InfoContext(logging.WithExecutionID(ctx, id), "execution cancelled")
	return nil
}

func (e *Engine) publish(ctx context.Context, exec *schema.WorkflowExecution, eventType string) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		EventType:   eventType,
		Payload:     exec,
	})
}
