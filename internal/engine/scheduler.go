package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/validation"
	"github.com/loomworks/loom/pkg/schema"
)

// skippedDependencyReason is recorded on steps short-circuited because an
// upstream dependency failed.
const skippedDependencyReason = "Skipped due to failed dependency"

// StepRunner executes one step to a terminal result. Satisfied by
// *StepExecutor and by test stubs.
type StepRunner interface {
	Execute(ctx context.Context, step *schema.WorkflowStep, ec *ExecutionContext) *schema.StepResult
}

// Scheduler drives a whole step list to completion, respecting dependencies
// and a per-execution concurrency bound. The step pool it dispatches into
// is shared across executions, so the pool size is a process-wide budget
// layered on top of each execution's own cap.
type Scheduler struct {
	runner         StepRunner
	pool           *StepPool
	maxConcurrency int
	logger         *slog.Logger
}

// DefaultMaxConcurrency bounds simultaneously-running steps per execution.
const DefaultMaxConcurrency = 4

// NewScheduler creates a Scheduler.
func NewScheduler(runner StepRunner, pool *StepPool, maxConcurrency int, logger *slog.Logger) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:         runner,
		pool:           pool,
		maxConcurrency: maxConcurrency,
		logger:         logger,
	}
}

// Execute runs every step to a terminal result and returns the full results
// map. onStepComplete fires synchronously with each finished result, before
// the next readiness pass, so callers can persist state incrementally.
// A step becomes ready once every dependency holds a terminal result,
// successful or not; the dependency's outcome is only consulted afterward
// to decide skip-versus-run.
func (s *Scheduler) Execute(ctx context.Context, steps []*schema.WorkflowStep, ec *ExecutionContext, onStepComplete func(*schema.StepResult)) (map[string]*schema.StepResult, error) {
	pending := make(map[string]*schema.WorkflowStep, len(steps))
	order := make([]string, 0, len(steps))
	for _, step := range steps {
		pending[step.ID] = step
		order = append(order, step.ID)
	}

	results := make(map[string]*schema.StepResult, len(steps))
	completions := make(chan *schema.StepResult, len(steps))
	running := 0

	record := func(r *schema.StepResult) {
		results[r.StepID] = r
		ec.SetResult(r)
		if onStepComplete != nil {
			onStepComplete(r)
		}
	}

	for len(pending) > 0 || running > 0 {
		// A cancelled execution stops dispatching; whatever is pending is
		// resolved as cancelled and in-flight steps are awaited below.
		if ctx.Err() != nil {
			for _, id := range order {
				if _, ok := pending[id]; !ok {
					continue
				}
				delete(pending, id)
				record(cancelledResult(id))
			}
		}

		// A short-circuited skip recorded mid-pass can unblock steps already
		// scanned, so the readiness pass repeats until it makes no progress.
		dispatched := 0
		for scanning := true; scanning; {
			scanning = false
			for _, id := range order {
				step, ok := pending[id]
				if !ok {
					continue
				}
				if running+dispatched >= s.maxConcurrency {
					break
				}
				if !s.ready(step, results) {
					continue
				}
				delete(pending, id)
				scanning = true

				// Outcome gate: a failed dependency poisons steps whose own
				// policy is fail. They are resolved here without touching the
				// executor, synchronously like any other completion.
				if s.dependencyFailed(step, results) && step.ErrorPolicyOrDefault() == schema.ErrorPolicyFail {
					record(skippedDependency(step.ID))
					continue
				}

				launch := func(stepCtx context.Context) error {
					completions <- s.runner.Execute(stepCtx, step, ec)
					return nil
				}
				if err := s.pool.Submit(ctx, launch); err != nil {
					// Pool shut down or context cancelled while waiting for a
					// slot; resolve the step as cancelled.
					record(cancelledResult(step.ID))
					continue
				}
				dispatched++
			}
		}
		running += dispatched

		if running == 0 {
			if len(pending) == 0 {
				break
			}
			// Nothing ready, nothing running, steps remain: the live data
			// contradicts the validated static graph.
			ids := make([]string, 0, len(pending))
			for _, id := range order {
				if _, ok := pending[id]; ok {
					ids = append(ids, id)
				}
			}
			return results, schema.NewErrorf(schema.ErrCodeDeadlock,
				"no step is ready or running but %d remain pending: %s",
				len(ids), strings.Join(ids, ", "))
		}

		// Block until one running step finishes, then return to the
		// readiness pass so newly-unblocked steps dispatch immediately.
		r := <-completions
		running--
		record(r)
	}

	return results, nil
}

// ready reports whether every dependency has a terminal result.
func (s *Scheduler) ready(step *schema.WorkflowStep, results map[string]*schema.StepResult) bool {
	for _, dep := range step.DependsOn {
		if _, ok := results[dep]; !ok {
			return false
		}
	}
	return true
}

// dependencyFailed reports whether any dependency ended in failure.
func (s *Scheduler) dependencyFailed(step *schema.WorkflowStep, results map[string]*schema.StepResult) bool {
	for _, dep := range step.DependsOn {
		if r, ok := results[dep]; ok && r.Status == schema.StepStatusFailed {
			return true
		}
	}
	return false
}

// ExecutionOrder computes the breadth-first topological layering of the
// steps: each level holds ids whose dependencies are all in strictly earlier
// levels. Doubles as the cycle detector: if no step can be placed while
// steps remain, the leftover ids are named in the error.
func ExecutionOrder(steps []*schema.WorkflowStep) ([][]string, error) {
	placed := make(map[string]bool, len(steps))
	remaining := len(steps)

	var levels [][]string
	for remaining > 0 {
		var level []string
		for _, step := range steps {
			if placed[step.ID] {
				continue
			}
			eligible := true
			for _, dep := range step.DependsOn {
				if !placed[dep] {
					eligible = false
					break
				}
			}
			if eligible {
				level = append(level, step.ID)
			}
		}

		if len(level) == 0 {
			var stuck []string
			for _, step := range steps {
				if !placed[step.ID] {
					stuck = append(stuck, step.ID)
				}
			}
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
				"dependency cycle prevents ordering steps: %s", strings.Join(stuck, ", "))
		}

		for _, id := range level {
			placed[id] = true
		}
		remaining -= len(level)
		levels = append(levels, level)
	}

	return levels, nil
}

// Validate checks the step graph for duplicate ids, dangling dependencies,
// and cycles, accumulating every finding.
func (s *Scheduler) Validate(steps []*schema.WorkflowStep) *schema.ValidationResult {
	return validation.ValidateGraph(steps)
}

// BuildPlan summarizes the steps and their layering for dry-run previews.
func BuildPlan(steps []*schema.WorkflowStep) (*schema.ExecutionPlan, error) {
	levels, err := ExecutionOrder(steps)
	if err != nil {
		return nil, err
	}
	plan := &schema.ExecutionPlan{
		Levels: levels,
		Steps:  make([]schema.PlanStep, 0, len(steps)),
	}
	for _, step := range steps {
		plan.Steps = append(plan.Steps, schema.PlanStep{
			ID:        step.ID,
			Agent:     step.Agent,
			DependsOn: step.DependsOn,
		})
	}
	return plan, nil
}

func skippedDependency(stepID string) *schema.StepResult {
	now := time.Now().UTC()
	return &schema.StepResult{
		StepID:      stepID,
		Status:      schema.StepStatusSkipped,
		Error:       skippedDependencyReason,
		StartedAt:   &now,
		CompletedAt: &now,
	}
}

func cancelledResult(stepID string) *schema.StepResult {
	now := time.Now().UTC()
	return &schema.StepResult{
		StepID:      stepID,
		Status:      schema.StepStatusCancelled,
		Error:       "execution cancelled",
		StartedAt:   &now,
		CompletedAt: &now,
	}
}
