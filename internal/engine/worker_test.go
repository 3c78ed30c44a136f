package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/steps"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown(context.Background())

	var ran int64
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&ran))
	assert.EqualValues(t, 1, pool.Metrics().Completed)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const poolSize = 3
	pool := NewWorkerPool(poolSize)
	defer pool.Shutdown(context.Background())

	var current, maxConcurrent int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, maxConcurrent, int64(poolSize))
	assert.Positive(t, maxConcurrent)
	assert.EqualValues(t, 10, pool.Metrics().Completed)
}

func TestWorkerPool_SubmitNeverBlocks(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown(context.Background())

	block := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		<-block
		return nil
	}))

	submitted := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = pool.Submit(func(ctx context.Context) error { return nil })
		}
		close(submitted)
	}()

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("submit blocked on a full pool")
	}
	assert.Eventually(t, func() bool { return pool.Metrics().Queued == 5 }, time.Second, 5*time.Millisecond)

	close(block)
	pool.Wait()
	assert.EqualValues(t, 6, pool.Metrics().Completed)
	assert.Zero(t, pool.Metrics().Queued)
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown(context.Background())

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		panic("boom")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.EqualValues(t, 1, m.Panics)
	assert.EqualValues(t, 1, m.Failed)

	var ran int64
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt64(&ran))
}

func TestWorkerPool_FailedWork(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown(context.Background())

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		return errors.New("nope")
	}))
	pool.Wait()
	assert.EqualValues(t, 1, pool.Metrics().Failed)
}

func TestWorkerPool_GracefulShutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	var finished int64
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&finished, 1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(context.Background()))
	assert.EqualValues(t, 4, atomic.LoadInt64(&finished))

	err := pool.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_ShutdownDeadlineCancelsWork(t *testing.T) {
	pool := NewWorkerPool(1)

	observed := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		close(observed)
		return ctx.Err()
	}))
	// Queued behind the first job; dropped once the base context ends.
	require.NoError(t, pool.Submit(func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := pool.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("running job did not observe cancellation")
	}
	pool.Wait()
	assert.Zero(t, pool.Metrics().Completed)
}

func TestWorkerPool_ReleasedSlotAdmitsOtherWork(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown(context.Background())

	waiting := make(chan struct{})
	resume := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		slot := steps.SlotFrom(ctx)
		if !assert.NotNil(t, slot) {
			close(waiting)
			return nil
		}
		slot.Release()
		close(waiting)
		<-resume
		assert.NoError(t, slot.Reacquire(ctx))
		record("sleeper")
		return nil
	}))
	<-waiting

	done := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		record("quick")
		close(done)
		return nil
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("released slot was not reused")
	}
	close(resume)
	pool.Wait()

	assert.Equal(t, []string{"quick", "sleeper"}, order)
	m := pool.Metrics()
	assert.EqualValues(t, 2, m.Completed)
	assert.Zero(t, m.Active)
}
