package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rendis/autoflow/internal/steps"
)

// DefaultPoolSize bounds the number of runs executing at once.
const DefaultPoolSize = 100

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs submitted work on goroutines, at most size at a time.
// Submit never blocks: work beyond the bound waits on its own goroutine for a
// free slot. A job can hand its slot back while it sleeps (see steps.Slot). Every job receives the pool's base context, which is cancelled
// when Shutdown gives up waiting.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules fn and returns immediately. It returns ErrPoolShutdown
// once Shutdown has been called.
func (p *WorkerPool) Submit(fn func(ctx context.Context) error) error {
	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		slot := &poolSlot{pool: p}
		err := slot.Reacquire(p.ctx)
		atomic.AddInt64(&p.metrics.Queued, -1)
		if err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			return
		}

		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			slot.Release()
		}()

		if err := fn(steps.WithSlot(p.ctx, slot)); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()
	return nil
}

// poolSlot is one job's hold on the pool semaphore. A job may give it up
// while it waits and take it back afterwards; a job owns its slot exclusively.
type poolSlot struct {
	pool *WorkerPool
	held bool
}

func (s *poolSlot) Release() {
	if !s.held {
		return
	}
	s.held = false
	atomic.AddInt64(&s.pool.metrics.Active, -1)
	<-s.pool.sem
}

func (s *poolSlot) Reacquire(ctx context.Context) error {
	if s.held {
		return nil
	}
	select {
	case s.pool.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		<-s.pool.sem
		return err
	}
	s.held = true
	atomic.AddInt64(&s.pool.metrics.Active, 1)
	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for submitted work to finish.
// If ctx ends first, the base context handed to running jobs is cancelled
// and ctx's error is returned.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
