package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/agents"
	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/pkg/schema"
)

// StepExecutor runs exactly one step against the agent executor, honoring
// condition, timeout, retry, and placeholder substitution, and reports back
// a single terminal StepResult.
type StepExecutor struct {
	agents  agents.Executor
	exprs   expressions.Engine
	hub     streaming.EventHub
	logger  *slog.Logger
	backoff func(attempt int) time.Duration
}

// StepExecutorOption customizes a StepExecutor.
type StepExecutorOption func(*StepExecutor)

// WithBackoff overrides the delay computed between failed attempts.
func WithBackoff(fn func(attempt int) time.Duration) StepExecutorOption {
	return func(e *StepExecutor) { e.backoff = fn }
}

// NewStepExecutor creates a StepExecutor. hub may be nil when no event
// consumers exist.
func NewStepExecutor(agentExec agents.Executor, exprs expressions.Engine, hub streaming.EventHub, logger *slog.Logger, opts ...StepExecutorOption) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &StepExecutor{
		agents:  agentExec,
		exprs:   exprs,
		hub:     hub,
		logger:  logger,
		backoff: ComputeBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one step to a terminal StepResult. Per-attempt failures
// (timeout, agent error) never escape; only the terminal classification is
// reported. A cancelled parent context yields a cancelled result without
// consuming further attempts.
func (e *StepExecutor) Execute(ctx context.Context, step *schema.WorkflowStep, ec *ExecutionContext) *schema.StepResult {
	ctx = logging.WithStepID(ctx, step.ID)
	scope := expressions.NewScope(ec.Variables, ec.ResultOutputs())

	// Condition gate. Evaluation failures skip the step (fail closed) with
	// the error recorded, rather than running a step whose guard is broken.
	if step.Condition != "" {
		pass, evalErr := e.evaluateCondition(ctx, step.Condition, scope)
		if evalErr != nil {
			e.logger.WarnContext(ctx, "condition evaluation failed, skipping step", "error", evalErr)
			return e.skippedResult(step.ID, fmt.Sprintf("condition evaluation failed: %s", evalErr.Error()))
		}
		if !pass {
			return e.skippedResult(step.ID, "")
		}
	}

	input, _ := expressions.Substitute(step.Input, scope).(map[string]any)
	if input == nil {
		input = map[string]any{}
	}

	startedAt := time.Now().UTC()
	result := &schema.StepResult{
		StepID:    step.ID,
		Status:    schema.StepStatusRunning,
		StartedAt: &startedAt,
	}
	e.publish(ctx, ec, step.ID, schema.EventStepStarted, result)

	attempts := step.Retries() + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, e.backoff(attempt-1)); err != nil {
				return e.finishCancelled(ctx, ec, step.ID, result, attempt)
			}
		}

		output, err := e.runAttempt(ctx, step, input)
		if err == nil {
			result.Status = schema.StepStatusCompleted
			result.Output = output
			result.Retries = attempt
			e.finish(result, startedAt)
			e.publish(ctx, ec, step.ID, schema.EventStepCompleted, result)
			return result
		}

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return e.finishCancelled(ctx, ec, step.ID, result, attempt)
		}

		lastErr = err
		e.logger.WarnContext(ctx, "step attempt failed",
			"attempt", attempt+1, "max_attempts", attempts, "error", err)
	}

	// Attempts exhausted: onError decides whether the failure is soft.
	if step.ErrorPolicyOrDefault() == schema.ErrorPolicySkip {
		result.Status = schema.StepStatusSkipped
	} else {
		result.Status = schema.StepStatusFailed
	}
	result.Error = lastErr.Error()
	result.Retries = attempts - 1
	e.finish(result, startedAt)
	e.publish(ctx, ec, step.ID, schema.EventStepFailed, result)
	return result
}

// runAttempt invokes the agent once, racing it against the step timeout.
// The attempt context is passed through to the agent so a timeout also
// interrupts cooperative agents; the race itself is what makes the timeout
// hard for uncooperative ones.
func (e *StepExecutor) runAttempt(ctx context.Context, step *schema.WorkflowStep, input map[string]any) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, step.Timeout())
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		// A panicking agent counts as a failed attempt; the retry loop
		// decides whether the step survives it.
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: schema.NewErrorf(schema.ErrCodeExecution,
					"agent panicked: %v", r).WithStep(step.ID)}
			}
		}()
		out, err := e.agents.Execute(attemptCtx, step.Agent, input)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		return o.output, o.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"step %s timed out after %s", step.ID, step.Timeout()).WithStep(step.ID)
	}
}

func (e *StepExecutor) evaluateCondition(ctx context.Context, condition string, scope *expressions.Scope) (bool, error) {
	// Placeholders resolve before the expression engine sees the text, so
	// "${variables.ready} && results.fetch != nil" becomes a plain expression.
	substituted := expressions.SubstituteString(condition, scope)
	val, err := e.exprs.Evaluate(ctx, substituted, scope.Env())
	if err != nil {
		return false, err
	}
	return expressions.Truthy(val), nil
}

func (e *StepExecutor) skippedResult(stepID, errMsg string) *schema.StepResult {
	now := time.Now().UTC()
	return &schema.StepResult{
		StepID:      stepID,
		Status:      schema.StepStatusSkipped,
		Error:       errMsg,
		StartedAt:   &now,
		CompletedAt: &now,
		DurationMs:  0,
	}
}

func (e *StepExecutor) finish(result *schema.StepResult, startedAt time.Time) {
	completedAt := time.Now().UTC()
	result.CompletedAt = &completedAt
	result.DurationMs = completedAt.Sub(startedAt).Milliseconds()
}

func (e *StepExecutor) finishCancelled(ctx context.Context, ec *ExecutionContext, stepID string, result *schema.StepResult, attempt int) *schema.StepResult {
	result.Status = schema.StepStatusCancelled
	result.Error = "execution cancelled"
	result.Retries = attempt
	e.finish(result, *result.StartedAt)
	e.publish(ctx, ec, stepID, schema.EventStepFailed, result)
	return result
}

func (e *StepExecutor) publish(ctx context.Context, ec *ExecutionContext, stepID, eventType string, result *schema.StepResult) {
	if e.hub == nil {
		return
	}
	// Hub publishes survive a cancelled step context.
	_ = e.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		StepID:      stepID,
		EventType:   eventType,
		Payload:     result,
	})
}
