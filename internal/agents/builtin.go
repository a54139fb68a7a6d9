package agents

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// EchoAgent implements the "echo" agent: it returns its input unchanged.
// Useful for wiring tests and as a no-op placeholder in workflow drafts.
type EchoAgent struct{}

// NewEchoAgent creates a new echo agent.
func NewEchoAgent() *EchoAgent { return &EchoAgent{} }

func (a *EchoAgent) Name() string { return "echo" }

func (a *EchoAgent) Info() Info {
	return Info{
		Name:        a.Name(),
		Description: "Return the step input unchanged.",
	}
}

func (a *EchoAgent) Execute(ctx context.Context, input map[string]any) (any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	return input, nil
}

// DelayAgent implements the "delay" agent: it sleeps for a duration and
// returns how long it actually waited. Cancellation interrupts the wait.
type DelayAgent struct{}

// NewDelayAgent creates a new delay agent.
func NewDelayAgent() *DelayAgent { return &DelayAgent{} }

func (a *DelayAgent) Name() string { return "delay" }

func (a *DelayAgent) Info() Info {
	return Info{
		Name:        a.Name(),
		Description: "Wait for a duration. Input: duration (string, e.g. \"500ms\") or ms (integer).",
	}
}

func (a *DelayAgent) Execute(ctx context.Context, input map[string]any) (any, error) {
	if input == nil {
		input = map[string]any{}
	}

	var d time.Duration
	if ds := stringParam(input, "duration", ""); ds != "" {
		parsed, err := time.ParseDuration(ds)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "delay: invalid duration %q", ds).WithCause(err)
		}
		d = parsed
	} else if ms := intParam(input, "ms", -1); ms >= 0 {
		d = time.Duration(ms) * time.Millisecond
	} else {
		return nil, schema.NewError(schema.ErrCodeValidation, "delay: missing required param 'duration' or 'ms'")
	}

	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return map[string]any{
		"waited_ms": time.Since(start).Milliseconds(),
	}, nil
}

var (
	_ Agent = (*EchoAgent)(nil)
	_ Agent = (*DelayAgent)(nil)
)
