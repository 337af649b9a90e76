package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/origin-engine/internal/resilience"
)

func fastPolicy() resilience.Policy {
	return resilience.Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond, Factor: 2}
}

func started(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d := New(cfg).WithPolicy(fastPolicy())
	d.Start(context.Background())
	return d
}

func TestDispatcher_RunsTasks(t *testing.T) {
	t.Parallel()

	d := started(t, Config{Workers: 2, QueueSize: 8})

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, d.Submit(Task{ID: "t", Kind: "audit", Run: func(context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}}))
	}
	wg.Wait()
	assert.Equal(t, int32(5), ran.Load())

	require.NoError(t, d.Shutdown(context.Background()))
	assert.Zero(t, d.DeadLetters().Len())
}

func TestDispatcher_RetriesTransientThenDeadLetters(t *testing.T) {
	t.Parallel()

	d := started(t, Config{Workers: 1, QueueSize: 4, MaxAttempts: 3})

	var calls atomic.Int32
	require.NoError(t, d.Submit(Task{
		ID:      "job-1",
		Kind:    "human_review_queue",
		Payload: map[string]string{"jobId": "job-1"},
		Run: func(context.Context) error {
			calls.Add(1)
			return resilience.Transient(errors.New("redis down"), 0)
		},
	}))

	select {
	case f := <-d.Failures():
		assert.Equal(t, "job-1", f.Task.ID)
		assert.Equal(t, 3, f.Attempts)
		assert.Equal(t, resilience.ClassTransient, f.Class)
	case <-time.After(2 * time.Second):
		t.Fatal("no failure reported")
	}
	assert.Equal(t, int32(3), calls.Load())

	dead := d.DeadLetters().List("")
	require.Len(t, dead, 1)
	assert.JSONEq(t, `{"jobId":"job-1"}`, string(dead[0].Payload))
	assert.True(t, dead[0].Replayable())

	require.NoError(t, d.Shutdown(context.Background()))
}

func TestDispatcher_PermanentFailureNotRetried(t *testing.T) {
	t.Parallel()

	d := started(t, Config{Workers: 1, MaxAttempts: 5})

	var calls atomic.Int32
	require.NoError(t, d.Submit(Task{ID: "p", Kind: "audit", Run: func(context.Context) error {
		calls.Add(1)
		return errors.New("bad payload")
	}}))

	f := <-d.Failures()
	assert.Equal(t, 1, f.Attempts)
	assert.Equal(t, resilience.ClassPermanent, f.Class)
	assert.Equal(t, int32(1), calls.Load())
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestDispatcher_PanickingTaskIsRecovered(t *testing.T) {
	t.Parallel()

	d := started(t, Config{Workers: 1})
	require.NoError(t, d.Submit(Task{ID: "boom", Kind: "audit", Run: func(context.Context) error {
		panic("nil map")
	}}))

	f := <-d.Failures()
	assert.Contains(t, f.Err.Error(), "panicked")
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestDispatcher_QueueFull(t *testing.T) {
	t.Parallel()

	d := New(Config{Workers: 1, QueueSize: 1})
	require.NoError(t, d.Submit(Task{ID: "a", Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, d.Submit(Task{ID: "b", Run: func(context.Context) error { return nil }}), ErrQueueFull)
	assert.Equal(t, 1, d.Pending())
}

func TestDispatcher_SubmitAfterShutdown(t *testing.T) {
	t.Parallel()

	d := started(t, Config{})
	require.NoError(t, d.Shutdown(context.Background()))
	assert.ErrorIs(t, d.Submit(Task{ID: "late"}), ErrClosed)
}

func TestDispatcher_ShutdownDrainsQueue(t *testing.T) {
	t.Parallel()

	d := New(Config{Workers: 1, QueueSize: 4}).WithPolicy(fastPolicy())
	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Submit(Task{ID: "q", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	d.Start(context.Background())
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, int32(3), ran.Load())
}

func TestDispatcher_ShutdownDeadline(t *testing.T) {
	t.Parallel()

	d := started(t, Config{Workers: 1})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, d.Submit(Task{ID: "slow", Run: func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// Give the worker a moment to pick the task up.
	time.Sleep(5 * time.Millisecond)
	err := d.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The cancelled worker exits and the failure channel still closes.
	drained := make(chan struct{})
	go func() {
		for range d.Failures() {
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("failure channel not closed after deadline shutdown")
	}
}

func TestDispatcher_ShutdownTwice(t *testing.T) {
	t.Parallel()

	d := started(t, Config{})
	require.NoError(t, d.Shutdown(context.Background()))
	assert.NotPanics(t, func() {
		require.NoError(t, d.Shutdown(context.Background()))
	})

	_, open := <-d.Failures()
	assert.False(t, open)
}

func TestDispatcher_ShutdownWithoutStart(t *testing.T) {
	t.Parallel()

	d := New(Config{})
	require.NoError(t, d.Shutdown(context.Background()))
	_, open := <-d.Failures()
	assert.False(t, open)
}
