package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// WorkflowRunner is the interface the cron runner uses to start workflow
// runs. Satisfied by *engine.Engine.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, opts engine.RunOptions) (*schema.WorkflowExecution, error)
}

// DefaultTickInterval is how often due schedules are re-checked.
const DefaultTickInterval = 30 * time.Second

// CronRunner scans stored workflow definitions for schedule triggers and
// starts a run whenever one comes due. Due times are tracked in memory and
// recomputed from the cron expression after every firing.
type CronRunner struct {
	store    store.Store
	runner   WorkflowRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	scheduleMu sync.Mutex
	nextRuns   map[string]time.Time // schedule key -> next due time

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow IDs currently firing (dedup)
}

// NewCronRunner creates a CronRunner. The standard five-field cron format
// is accepted (minute through day-of-week).
func NewCronRunner(st store.Store, runner WorkflowRunner, logger *slog.Logger) *CronRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronRunner{
		store:    st,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: DefaultTickInterval,
		nextRuns: make(map[string]time.Time),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (c *CronRunner) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return fmt.Errorf("cron runner already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(runCtx)
	c.logger.Info("cron runner started", "interval", c.interval)
	return nil
}

// Stop gracefully shuts down the scheduling loop.
func (c *CronRunner) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil

	c.logger.Info("cron runner stopped")
	return nil
}

func (c *CronRunner) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Initial tick primes next-run times without firing anything stale.
	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick walks every stored workflow's schedule triggers and fires the due
// ones. A schedule seen for the first time is primed to its next future
// occurrence rather than fired immediately.
func (c *CronRunner) tick(ctx context.Context) {
	defs, err := c.store.ListWorkflows(ctx)
	if err != nil {
		c.logger.Error("list workflows for scheduling", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	seen := make(map[string]struct{})

	for _, def := range defs {
		for i, trigger := range def.Triggers {
			if trigger.Type != schema.TriggerSchedule {
				continue
			}
			expr, ok := trigger.Config["cron"].(string)
			if !ok || expr == "" {
				continue
			}

			key := fmt.Sprintf("%s/%d", def.ID, i)
			seen[key] = struct{}{}

			due, known := c.dueAt(key)
			if !known {
				next, parseErr := c.NextRun(expr, now)
				if parseErr != nil {
					c.logger.Warn("invalid cron expression",
						slog.String("workflow_id", def.ID), slog.String("cron", expr),
						slog.String("error", parseErr.Error()))
					continue
				}
				c.setDue(key, next)
				continue
			}
			if due.After(now) {
				continue
			}

			next, parseErr := c.NextRun(expr, now)
			if parseErr != nil {
				c.logger.Warn("invalid cron expression",
					slog.String("workflow_id", def.ID), slog.String("cron", expr),
					slog.String("error", parseErr.Error()))
				continue
			}
			c.setDue(key, next)

			input, _ := trigger.Config["input"].(map[string]any)
			c.fire(ctx, def, input)
		}
	}

	c.pruneSchedules(seen)
}

// fire starts one workflow run unless the workflow is already firing.
func (c *CronRunner) fire(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) {
	if !c.tryAcquire(def.ID) {
		c.logger.Debug("skipping scheduled run, previous still in flight",
			slog.String("workflow_id", def.ID))
		return
	}

	c.logger.Info("firing scheduled workflow",
		slog.String("workflow_id", def.ID), slog.String("name", def.Name))

	go func() {
		defer c.release(def.ID)
		exec, err := c.runner.RunWorkflow(ctx, engine.RunOptions{Workflow: def.ID, Input: input})
		if err != nil {
			c.logger.Error("scheduled run failed to start",
				slog.String("workflow_id", def.ID), slog.String("error", err.Error()))
			return
		}
		if exec.Status == schema.ExecutionStatusFailed {
			c.logger.Warn("scheduled run failed",
				slog.String("workflow_id", def.ID),
				slog.String("execution_id", exec.ID),
				slog.String("error", exec.Error))
		}
	}()
}

// NextRun computes the next occurrence of a cron expression after from.
func (c *CronRunner) NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := c.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}

func (c *CronRunner) dueAt(key string) (time.Time, bool) {
	c.scheduleMu.Lock()
	defer c.scheduleMu.Unlock()
	t, ok := c.nextRuns[key]
	return t, ok
}

func (c *CronRunner) setDue(key string, t time.Time) {
	c.scheduleMu.Lock()
	c.nextRuns[key] = t
	c.scheduleMu.Unlock()
}

// pruneSchedules drops tracking state for schedules that no longer exist,
// so deleted workflows stop occupying memory.
func (c *CronRunner) pruneSchedules(seen map[string]struct{}) {
	c.scheduleMu.Lock()
	defer c.scheduleMu.Unlock()
	for key := range c.nextRuns {
		if _, ok := seen[key]; !ok {
			delete(c.nextRuns, key)
		}
	}
}

func (c *CronRunner) tryAcquire(workflowID string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, ok := c.inflight[workflowID]; ok {
		return false
	}
	c.inflight[workflowID] = struct{}{}
	return true
}

func (c *CronRunner) release(workflowID string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	delete(c.inflight, workflowID)
}
