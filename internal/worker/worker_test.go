package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify bounded concurrency, timeouts, panic recovery, shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/genflow/internal/apiclient"
	"github.com/ChuLiYu/genflow/pkg/types"
)

// echoProber answers every probe with a processing report for the task id.
func echoProber(delay time.Duration) ProberFunc {
	return func(ctx context.Context, task Task) ([]apiclient.StatusReport, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		return []apiclient.StatusReport{{JobID: task.JobID, Status: types.StatusProcessing}}, nil
	}
}

func newTestPool(p Prober, buffer int) *Pool {
	return NewPool(p, buffer, zerolog.Nop())
}

func task(i int) Task {
	return Task{
		Key:     fmt.Sprintf("rec-%d", i),
		JobID:   types.JobID(fmt.Sprintf("%d", i)),
		Kind:    types.KindTextToVideo,
		Epoch:   1,
		Timeout: time.Second,
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := newTestPool(echoProber(0), 10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	pool := newTestPool(echoProber(0), 10)

	require.NoError(t, pool.Start(4))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(4))
	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	pool := newTestPool(echoProber(time.Millisecond), 10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, pool.Submit(context.Background(), task(i)))
	}

	seen := make(map[string]Result)
	for i := 0; i < n; i++ {
		res, err := pool.ReceiveResult()
		require.NoError(t, err)
		seen[res.Task.Key] = res
	}
	require.Len(t, seen, n)

	res := seen["rec-3"]
	assert.NoError(t, res.Err)
	require.Len(t, res.Reports, 1)
	assert.Equal(t, types.JobID("3"), res.Reports[0].JobID)
	assert.Equal(t, uint64(1), res.Task.Epoch, "epoch travels with the result")
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	pool := newTestPool(echoProber(time.Second), 10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	tk := task(1)
	tk.Timeout = 5 * time.Millisecond
	require.NoError(t, pool.Submit(context.Background(), tk))

	res, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Nil(t, res.Reports)
}

func TestPanicBecomesError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	calls := atomic.Int32{}
	pool := newTestPool(ProberFunc(func(ctx context.Context, task Task) ([]apiclient.StatusReport, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil, nil
	}), 4)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(context.Background(), task(1)))
	require.NoError(t, pool.Submit(context.Background(), task(2)))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorContains(t, first.Err, "boom")

	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.NoError(t, second.Err, "worker survives a panicking probe")
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestBoundedConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	const workers = 3
	var running, peak atomic.Int32

	pool := newTestPool(ProberFunc(func(ctx context.Context, task Task) ([]apiclient.StatusReport, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}), 64)
	require.NoError(t, pool.Start(workers))
	defer pool.Stop()

	for i := 0; i < 30; i++ {
		require.NoError(t, pool.Submit(context.Background(), task(i)))
	}
	for i := 0; i < 30; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(workers))
}

func TestConcurrentSubmit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	pool := newTestPool(echoProber(0), 100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(context.Background(), task(i)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

func TestTrySubmit_BusyWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	release := make(chan struct{})
	pool := newTestPool(ProberFunc(func(ctx context.Context, task Task) ([]apiclient.StatusReport, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}), 1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	// one in the worker, one in the buffer, then full
	require.NoError(t, pool.TrySubmit(task(1)))
	require.Eventually(t, func() bool { return pool.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.TrySubmit(task(2)))
	assert.ErrorIs(t, pool.TrySubmit(task(3)), ErrPoolBusy)

	close(release)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestStopCancelsInFlightProbes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	started := make(chan struct{})
	pool := newTestPool(ProberFunc(func(ctx context.Context, task Task) ([]apiclient.StatusReport, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), 1)
	require.NoError(t, pool.Start(1))
	require.NoError(t, pool.Submit(context.Background(), task(1)))
	<-started

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestStopBeforeStart(t *testing.T) {
	pool := newTestPool(echoProber(0), 10)
	assert.NotPanics(t, func() { pool.Stop() })
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

func TestSubmitAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	pool := newTestPool(echoProber(0), 10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(context.Background(), task(1)), ErrPoolClosed)
	assert.ErrorIs(t, pool.TrySubmit(task(1)), ErrPoolClosed)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := newTestPool(echoProber(0), 10)
	err := pool.Submit(context.Background(), task(1))
	assert.True(t, errors.Is(err, ErrPoolNotStarted))
}

func TestSubmitHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	block := make(chan struct{})
	pool := newTestPool(ProberFunc(func(ctx context.Context, task Task) ([]apiclient.StatusReport, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	}), 0)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()
	defer close(block)

	require.NoError(t, pool.Submit(context.Background(), task(1)))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, task(2)), context.DeadlineExceeded)
}

func TestReceiveResultAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	pool := newTestPool(echoProber(0), 10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := newTestPool(echoProber(0), 1000)
	pool.Start(8)
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(context.Background(), task(i))
	}
}
