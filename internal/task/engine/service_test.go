package engine

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"nightpilot/internal/eventbus"
	"nightpilot/internal/job"
	"nightpilot/pkg/logx"
)

func newEngine(t *testing.T, limit int) *Service {
	t.Helper()
	s := New(Config{MaxConcurrent: limit}, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func blocking(release <-chan struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestEnqueueRespectsCeilingAndExclusion(t *testing.T) {
	s := newEngine(t, 2)
	release := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{JobID: 1, Run: blocking(release)}))
	require.ErrorIs(t, s.Enqueue(Task{JobID: 1, Run: blocking(release)}), ErrOverlapSkip)
	require.NoError(t, s.Enqueue(Task{JobID: 2, Run: blocking(release)}))
	require.ErrorIs(t, s.Enqueue(Task{JobID: 3, Run: blocking(release)}), ErrSaturated)
	require.Equal(t, 0, s.Available())
	require.Equal(t, []job.ID{1, 2}, s.Running())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
	require.Equal(t, 2, s.Available())

	snap := s.Snapshot()
	require.Equal(t, uint64(2), snap.Started)
	require.Equal(t, uint64(2), snap.Rejected)
	require.Len(t, snap.History, 2)
}

func TestSubmitWaitsForSlot(t *testing.T) {
	s := newEngine(t, 1)
	release := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{JobID: 1, Run: blocking(release)}))

	ran := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Submit(context.Background(), Task{JobID: 2, Run: func(context.Context) error {
			close(ran)
			return nil
		}})
	}()

	select {
	case <-ran:
		t.Fatal("second task ran before a slot was free")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-errCh)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("second task never ran")
	}
}

func TestSubmitHonoursContext(t *testing.T) {
	s := newEngine(t, 1)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.Enqueue(Task{JobID: 1, Run: blocking(release)}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, Task{JobID: 2, Run: blocking(release)})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelStopsRunningTask(t *testing.T) {
	s := newEngine(t, 1)
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{JobID: 7, Run: func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	}}))
	require.Eventually(t, func() bool { return s.IsRunning(7) }, time.Second, 5*time.Millisecond)
	require.True(t, s.Cancel(7))
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, s.Cancel(99))
}

func TestSetLimitWakesWaiters(t *testing.T) {
	s := newEngine(t, 1)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.Enqueue(Task{JobID: 1, Run: blocking(release)}))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Submit(context.Background(), Task{JobID: 2, Run: blocking(release)}) }()
	time.Sleep(20 * time.Millisecond)
	s.SetLimit(2)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("raising the limit did not admit the waiter")
	}
}

func TestPanicIsRecorded(t *testing.T) {
	s := newEngine(t, 1)
	require.NoError(t, s.Enqueue(Task{JobID: 1, Name: "boom", Run: func(context.Context) error { panic("bad") }}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))

	snap := s.Snapshot()
	require.Equal(t, uint64(1), snap.Failed)
	require.Contains(t, snap.History[0].Error, "panic")
}

func TestStopRejectsAndCancelsOnTimeout(t *testing.T) {
	s := New(Config{MaxConcurrent: 1}, logx.Nop(), nil)
	require.ErrorIs(t, s.Enqueue(Task{JobID: 1, Run: func(context.Context) error { return nil }}), ErrStopped)

	s.Start(context.Background())
	cancelled := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{JobID: 1, Run: func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	<-cancelled
	err = s.Enqueue(Task{JobID: 2, Run: func(context.Context) error { return nil }})
	require.True(t, errors.IsAny(err, ErrStopping, ErrStopped), "got %v", err)
}
