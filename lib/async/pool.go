// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridianfx/execgate/errs"
	"github.com/meridianfx/execgate/internal/observability"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool is a bounded worker pool enforcing backpressure when saturated. The
// gateway runs audit-log writes and retry resubmissions through it so bursts
// never spawn unbounded goroutines.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, jobs: make(chan job, queue)}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task for execution respecting pool
// backpressure. The read lock spans the channel send so Close cannot close
// the jobs channel underneath an in-flight Submit.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}

	p.wg.Add(1)
	select {
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks and cancels workers. Tasks already queued
// are still drained and run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cancel()
		close(p.jobs)
	})
}

// Shutdown waits for in-flight tasks to complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.runJob(job)
		}
	}
}

// drain empties the queue after shutdown so queued tasks still run and their
// waitgroup slots are released. Close has already closed the jobs channel by
// the time the worker observes the cancelled context.
func (p *Pool) drain() {
	for job := range p.jobs {
		p.runJob(job)
	}
}

func (p *Pool) runJob(j job) {
	ctx := j.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	p.run(ctx, j.fn)
	p.wg.Done()
}

// run isolates a task: errors and panics are logged, never fatal to the worker.
func (p *Pool) run(ctx context.Context, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("async task panicked", observability.F("panic", r))
		}
	}()
	if err := fn(ctx); err != nil {
		observability.Log().Warn("async task failed", observability.F("error", err.Error()))
	}
}
