package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeline_tracker/internal/domain"
)

type countingCycler struct {
	calls  atomic.Int32
	onCall func(n int32)
	err    error
}

func (c *countingCycler) RunCycle(_ context.Context) (*domain.CycleStats, error) {
	n := c.calls.Add(1)
	if c.onCall != nil {
		c.onCall(n)
	}
	return &domain.CycleStats{}, c.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_RunsImmediatelyAndRepeats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cycler := &countingCycler{onCall: func(n int32) {
		if n == 3 {
			cancel()
		}
	}}

	err := NewScheduler(cycler, time.Millisecond, testLogger()).Start(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(3), cycler.calls.Load())
}

func TestScheduler_CycleErrorDoesNotStopLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cycler := &countingCycler{err: errors.New("save failed"), onCall: func(n int32) {
		if n == 2 {
			cancel()
		}
	}}

	_ = NewScheduler(cycler, time.Millisecond, testLogger()).Start(ctx)
	assert.Equal(t, int32(2), cycler.calls.Load())
}

func TestScheduler_SleepIsInterruptible(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cycler := &countingCycler{}
	done := make(chan error, 1)
	go func() {
		done <- NewScheduler(cycler, time.Hour, testLogger()).Start(ctx)
	}()

	require.Eventually(t, func() bool { return cycler.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop during its sleep")
	}
	assert.Equal(t, int32(1), cycler.calls.Load())
}

func TestScheduler_NoCycleAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cycler := &countingCycler{}
	err := NewScheduler(cycler, time.Millisecond, testLogger()).Start(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cycler.calls.Load())
}
