package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/agents"
	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/pkg/schema"
)

// fakeAgents dispatches every step to a single function and counts calls.
type fakeAgents struct {
	calls atomic.Int64
	fn    func(ctx context.Context, agentID string, input map[string]any) (any, error)
}

func (f *fakeAgents) Execute(ctx context.Context, agentID string, input map[string]any) (any, error) {
	f.calls.Add(1)
	return f.fn(ctx, agentID, input)
}

func (f *fakeAgents) ListAgents() []string { return nil }

func (f *fakeAgents) AgentInfo(string) (agents.Info, bool) { return agents.Info{}, false }

func noBackoff(int) time.Duration { return 0 }

func newTestExecutor(fa *fakeAgents, hub streaming.EventHub) *StepExecutor {
	return NewStepExecutor(fa, expressions.NewExprEngine(), hub, nil, WithBackoff(noBackoff))
}

func testContext(t *testing.T) *ExecutionContext {
	t.Helper()
	return NewExecutionContext("exec-1", "wf-1", map[string]any{"name": "ada"})
}

func TestStepExecutorSuccessFirstAttempt(t *testing.T) {
	fa := &fakeAgents{fn: func(_ context.Context, _ string, input map[string]any) (any, error) {
		return map[string]any{"greeting": "hello " + input["who"].(string)}, nil
	}}
	exec := newTestExecutor(fa, nil)

	step := &schema.WorkflowStep{
		ID:    "greet",
		Agent: "echo",
		Input: map[string]any{"who": "${variables.name}"},
	}
	r := exec.Execute(context.Background(), step, testContext(t))

	require.Equal(t, schema.StepStatusCompleted, r.Status)
	assert.Equal(t, map[string]any{"greeting": "hello ada"}, r.Output)
	assert.Equal(t, 0, r.Retries)
	assert.Empty(t, r.Error)
	assert.EqualValues(t, 1, fa.calls.Load())
	require.NotNil(t, r.CompletedAt)
}

func TestStepExecutorRetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int64
	fa := &fakeAgents{fn: func(context.Context, string, map[string]any) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}}
	exec := newTestExecutor(fa, nil)

	step := &schema.WorkflowStep{
		ID:         "flaky",
		Agent:      "echo",
		RetryCount: schema.IntPtr(3),
	}
	r := exec.Execute(context.Background(), step, testContext(t))

	require.Equal(t, schema.StepStatusCompleted, r.Status)
	assert.Equal(t, "ok", r.Output)
	assert.Equal(t, 2, r.Retries)
	assert.EqualValues(t, 3, fa.calls.Load())
}

func TestStepExecutorExhaustionFails(t *testing.T) {
	fa := &fakeAgents{fn: func(context.Context, string, map[string]any) (any, error) {
		return nil, errors.New("boom")
	}}
	exec := newTestExecutor(fa, nil)

	step := &schema.WorkflowStep{
		ID:         "doomed",
		Agent:      "echo",
		RetryCount: schema.IntPtr(2),
	}
	r := exec.Execute(context.Background(), step, testContext(t))

	require.Equal(t, schema.StepStatusFailed, r.Status)
	assert.Equal(t, "boom", r.Error)
	assert.Equal(t, 2, r.Retries)
	assert.EqualValues(t, 3, fa.calls.Load())
}

func TestStepExecutorExhaustionSkipsWithSkipPolicy(t *testing.T) {
	fa := &fakeAgents{fn: func(context.Context, string, map[string]any) (any, error) {
		return nil, errors.New("boom")
	}}
	exec := newTestExecutor(fa, nil)

	step := &schema.WorkflowStep{
		ID:         "optional",
		Agent:      "echo",
		OnError:    schema.ErrorPolicySkip,
		RetryCount: schema.IntPtr(0),
	}
	r := exec.Execute(context.Background(), step, testContext(t))

	require.Equal(t, schema.StepStatusSkipped, r.Status)
	assert.Equal(t, "boom", r.Error)
	assert.EqualValues(t, 1, fa.calls.Load())
}

func TestStepExecutorFalseConditionSkips(t *testing.T) {
	fa := &fakeAgents{fn: func(context.Context, string, map[string]any) (any, error) {
		return "ran", nil
	}}
	exec := newTestExecutor(fa, nil)

	ec := NewExecutionContext("exec-1", "wf-1", map[string]any{"shouldNotify": false})
	step := &schema.WorkflowStep{
		ID:        "notify",
		Agent:     "echo",
		Condition: "${variables.shouldNotify}",
	}
	r := exec.Execute(context.Background(), step, ec)

	require.Equal(t, schema.StepStatusSkipped, r.Status)
	assert.Empty(t, r.Error)
	assert.Zero(t, r.DurationMs)
	assert.EqualValues(t, 0, fa.calls.Load(), "agent must not run when the condition is false")
}

func TestStepExecutorConditionEvalErrorSkips(t *testing.T) {
	fa := &fakeAgents{fn: func(context.Context, string, map[string]any) (any, error) {
		return "ran", nil
	}}
	exec := newTestExecutor(fa, nil)

	step := &schema.WorkflowStep{
		ID:        "guarded",
		Agent:     "echo",
		Condition: "this is not ((( an expression",
	}
	r := exec.Execute(context.Background(), step, testContext(t))

	require.Equal(t, schema.StepStatusSkipped, r.Status)
	assert.Contains(t, r.Error, "condition evaluation failed")
	assert.EqualValues(t, 0, fa.calls.Load())
}

func TestStepExecutorConditionSeesEarlierResults(t *testing.T) {
	fa := &fakeAgents{fn: func(context.Context, string, map[string]any) (any, error) {
		return "ran", nil
	}}
	exec := newTestExecutor(fa, nil)

	ec := testContext(t)
	ec.SetResult(&schema.StepResult{
		StepID: "fetch",
		Status: schema.StepStatusCompleted,
		Output: map[string]any{"count": 5},
	})
	step := &schema.WorkflowStep{
		ID:        "process",
		Agent:     "echo",
		Condition: "results.fetch.count > 3",
	}
	r := exec.Execute(context.Background(), step, ec)

	require.Equal(t, schema.StepStatusCompleted, r.Status)
}

func TestStepExecutorInputSubstitution(t *testing.T) {
	var got map[string]any
	fa := &fakeAgents{fn: func(_ context.Context, _ string, input map[string]any) (any, error) {
		got = input
		return nil, nil
	}}
	exec := newTestExecutor(fa, nil)

	ec := testContext(t)
	ec.SetResult(&schema.StepResult{
		StepID: "fetch",
		Status: schema.StepStatusCompleted,
		Output: map[string]any{"items": []any{"a", "b"}},
	})
	step := &schema.WorkflowStep{
		ID:    "process",
		Agent: "echo",
		Input: map[string]any{
			"who":      "${variables.name}",
			"items":    "${results.fetch.items}",
			"missing":  "${variables.nope}",
			"verbatim": "plain",
		},
	}
	exec.Execute(context.Background(), step, ec)

	require.NotNil(t, got)
	assert.Equal(t, "ada", got["who"])
	assert.Equal(t, []any{"a", "b"}, got["items"])
	assert.Equal(t, "${variables.nope}", got["missing"], "unresolved placeholders stay literal")
	assert.Equal(t, "plain", got["verbatim"])
}

func TestStepExecutorTimeoutCountsAsFailedAttempt(t *testing.T) {
	fa := &fakeAgents{fn: func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	exec := newTestExecutor(fa, nil)

	step := &schema.WorkflowStep{
		ID:         "slow",
		Agent:      "echo",
		TimeoutMs:  20,
		RetryCount: schema.IntPtr(1),
	}
	start := time.Now()
	r := exec.Execute(context.Background(), step, testContext(t))

	require.Equal(t, schema.StepStatusFailed, r.Status)
	assert.Contains(t, r.Error, "timed out")
	assert.Equal(t, 1, r.Retries)
	assert.EqualValues(t, 2, fa.calls.Load())
	assert.Less(t, time.Since(start), 500*time.Millisecond, "timeout must be enforced, not waited out")
}

func TestStepExecutorParentCancellation(t *testing.T) {
	fa := &fakeAgents{fn: func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	exec := newTestExecutor(fa, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	step := &schema.WorkflowStep{ID: "hang", Agent: "echo", RetryCount: schema.IntPtr(5)}
	r := exec.Execute(ctx, step, testContext(t))

	require.Equal(t, schema.StepStatusCancelled, r.Status)
	assert.Equal(t, "execution cancelled", r.Error)
	assert.EqualValues(t, 1, fa.calls.Load(), "cancellation must not consume further attempts")
}

func TestStepExecutorPublishesLifecycleEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	events, unsubscribe, err := hub.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)
	defer unsubscribe()

	fa := &fakeAgents{fn: func(context.Context, string, map[string]any) (any, error) {
		return "done", nil
	}}
	exec := newTestExecutor(fa, hub)

	step := &schema.WorkflowStep{ID: "observed", Agent: "echo"}
	exec.Execute(context.Background(), step, testContext(t))

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			assert.Equal(t, "observed", ev.StepID)
			assert.Equal(t, "exec-1", ev.ExecutionID)
			types = append(types, ev.EventType)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	assert.Equal(t, []string{schema.EventStepStarted, schema.EventStepCompleted}, types)
}

func TestStepExecutorPanicCountsAsFailedAttempt(t *testing.T) {
	var attempts atomic.Int64
	fa := &fakeAgents{fn: func(context.Context, string, map[string]any) (any, error) {
		if attempts.Add(1) == 1 {
			panic("agent blew up")
		}
		return "recovered", nil
	}}
	exec := newTestExecutor(fa, nil)

	step := &schema.WorkflowStep{
		ID:         "volatile",
		Agent:      "echo",
		RetryCount: schema.IntPtr(1),
	}
	r := exec.Execute(context.Background(), step, testContext(t))

	require.Equal(t, schema.StepStatusCompleted, r.Status)
	assert.Equal(t, "recovered", r.Output)
	assert.Equal(t, 1, r.Retries)
	assert.EqualValues(t, 2, fa.calls.Load())
}

func TestStepExecutorPanicExhaustionFails(t *testing.T) {
	fa := &fakeAgents{fn: func(context.Context, string, map[string]any) (any, error) {
		panic("agent blew up")
	}}
	exec := newTestExecutor(fa, nil)

	step := &schema.WorkflowStep{
		ID:         "volatile",
		Agent:      "echo",
		RetryCount: schema.IntPtr(1),
	}
	r := exec.Execute(context.Background(), step, testContext(t))

	require.Equal(t, schema.StepStatusFailed, r.Status)
	assert.Contains(t, r.Error, "agent panicked: agent blew up")
	assert.Equal(t, 1, r.Retries)
	assert.EqualValues(t, 2, fa.calls.Load())
}

func TestStepExecutorConditionSeesFailedResults(t *testing.T) {
	fa := &fakeAgents{fn: func(context.Context, string, map[string]any) (any, error) {
		return "ran", nil
	}}
	exec := newTestExecutor(fa, nil)

	ec := testContext(t)
	ec.SetResult(&schema.StepResult{
		StepID: "fetch",
		Status: schema.StepStatusFailed,
		Error:  "boom",
	})
	step := &schema.WorkflowStep{
		ID:        "cleanup",
		Agent:     "echo",
		Condition: `"fetch" in results && results.fetch == nil`,
	}
	r := exec.Execute(context.Background(), step, ec)

	require.Equal(t, schema.StepStatusCompleted, r.Status)
	assert.EqualValues(t, 1, fa.calls.Load())
}

func TestComputeBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("attempt_%d", tc.attempt), func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeBackoff(tc.attempt))
		})
	}
}
