package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when a step is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("step pool is shut down")

// PoolStats is a snapshot of a StepPool's dispatch counters.
type PoolStats struct {
	InFlight  int64 `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// StepPool bounds the process-wide number of in-flight step launches across
// all concurrent executions. Each Scheduler enforces its own per-execution
// concurrency budget on top; the pool is the shared ceiling underneath.
//
// Launches run in pool goroutines with panic recovery as a backstop. The
// step executor converts agent panics to failed attempts before they reach
// the pool, so a recovered panic here means a bug in the launch closure
// itself, not a misbehaving agent.
type StepPool struct {
	sem       chan struct{}
	wg        sync.WaitGroup
	done      chan struct{}
	mu        sync.Mutex
	closed    bool
	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewStepPool creates a pool that runs at most size step launches at once.
func NewStepPool(size int) *StepPool {
	if size <= 0 {
		size = 1
	}
	return &StepPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit dispatches a step launch into the pool. It blocks while the pool is
// at capacity, giving up when the context is cancelled or the pool shuts
// down, so a stalled execution cannot queue unbounded work.
func (p *StepPool) Submit(ctx context.Context, launch func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Shutdown may have raced the slot acquire. The wg.Add has to happen
	// under the lock so Shutdown's wg.Wait cannot miss this launch.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
			}
			p.inFlight.Add(-1)
			<-p.sem
			p.wg.Done()
		}()

		if err := launch(ctx); err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()

	return nil
}

// Shutdown stops accepting launches and waits for in-flight ones to finish.
// Safe to call more than once.
func (p *StepPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of the pool's counters.
func (p *StepPool) Stats() PoolStats {
	return PoolStats{
		InFlight:  p.inFlight.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
