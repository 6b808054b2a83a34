package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := New(Config{Workers: 4, QueueSize: 64}, nil)
	p.Start()

	var n int64
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(Job{Name: "count", Run: func(context.Context) error {
			atomic.AddInt64(&n, 1)
			return nil
		}}))
	}
	require.NoError(t, p.Stop())

	assert.Equal(t, int64(50), atomic.LoadInt64(&n))
	s := p.Stats()
	assert.Equal(t, int64(50), s.Submitted)
	assert.Equal(t, int64(50), s.Completed)
	assert.Equal(t, int64(0), s.QueueDepth)
}

func TestPoolRetriesThenReportsFailure(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 4, MaxRetries: 2, RetryDelay: time.Millisecond}, nil)

	var (
		mu     sync.Mutex
		failed []string
	)
	p.OnFailure(func(job Job, err error) {
		mu.Lock()
		failed = append(failed, job.Key)
		mu.Unlock()
	})
	p.Start()

	var attempts int64
	require.NoError(t, p.Submit(Job{Name: "flaky", Key: "k1", Run: func(context.Context) error {
		atomic.AddInt64(&attempts, 1)
		return errors.New("boom")
	}}))
	require.NoError(t, p.Stop())

	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
	assert.Equal(t, []string{"k1"}, failed)
	assert.Equal(t, int64(2), p.Stats().Retried)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 4}, nil)
	p.Start()
	require.NoError(t, p.Submit(Job{Name: "panic", Run: func(context.Context) error { panic("bad") }}))
	require.NoError(t, p.Submit(Job{Name: "ok", Run: func(context.Context) error { return nil }}))
	require.NoError(t, p.Stop())

	s := p.Stats()
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(1), s.Completed)
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1}, nil)
	p.Start()
	require.NoError(t, p.Stop())

	err := p.Submit(Job{Name: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, p.Stop())
}

func TestSubmitQueueFull(t *testing.T) {
	// not started: nothing drains the queue
	p := New(Config{Workers: 1, QueueSize: 1}, nil)
	noop := func(context.Context) error { return nil }

	require.NoError(t, p.Submit(Job{Name: "a", Run: noop}))
	assert.ErrorIs(t, p.Submit(Job{Name: "b", Run: noop}), ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)
	assert.False(t, p.IsHealthy())
}

func TestSubmitRequiresRun(t *testing.T) {
	p := New(DefaultConfig(), nil)
	assert.Error(t, p.Submit(Job{Name: "empty"}))
}
