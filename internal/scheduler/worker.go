package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/outflowhq/outflow/pkg/schema"
)

// WorkerPool bounds concurrent step executions with a semaphore.
type WorkerPool struct {
	logger *slog.Logger
	sem    chan struct{}
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	closed    atomic.Bool
}

// NewWorkerPool creates a pool allowing up to size concurrent tasks.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		logger: logger,
		sem:    make(chan struct{}, size),
	}
}

// Submit runs task on the pool, blocking until a slot frees up or the
// context is cancelled.
func (p *WorkerPool) Submit(ctx context.Context, task func()) error {
	if p.closed.Load() {
		return schema.NewError(schema.ErrCodeCancelled, "worker pool is shut down")
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "submit cancelled").WithCause(ctx.Err())
	}

	p.submitted.Add(1)
	p.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker panic recovered", slog.Any("panic", r))
			}
			<-p.sem
			p.completed.Add(1)
			p.wg.Done()
		}()
		task()
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for in-flight tasks to finish,
// or until the context expires.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.closed.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeTimeout, "worker pool shutdown timed out").
			WithCause(ctx.Err())
	}
}

// Stats reports how many tasks were submitted and completed.
func (p *WorkerPool) Stats() (submitted, completed int64) {
	return p.submitted.Load(), p.completed.Load()
}
