package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// gatedUpdater mimics the manager's single-flight gate.
type gatedUpdater struct {
	inflight atomic.Bool
	cycles   atomic.Int64
	busy     atomic.Int64
	block    chan struct{}
}

func (u *gatedUpdater) update(ctx context.Context) bool {
	if !u.inflight.CompareAndSwap(false, true) {
		u.busy.Add(1)
		return false
	}
	defer u.inflight.Store(false)
	u.cycles.Add(1)
	if u.block != nil {
		select {
		case <-u.block:
		case <-ctx.Done():
		}
	}
	return true
}

func startScheduler(t *testing.T, u *gatedUpdater, clock clockwork.Clock) (*Scheduler, context.CancelFunc, <-chan error) {
	t.Helper()
	s, err := NewScheduler(SchedulerConfig{Update: u.update, Interval: 24 * time.Hour, Clock: clock, Logger: newTestLogger()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	return s, cancel, errCh
}

func TestIngest_Scheduler_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := NewScheduler(SchedulerConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "update func is required")

	cfg := SchedulerConfig{Update: func(context.Context) bool { return true }}
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultInterval, cfg.Interval)
	require.NotNil(t, cfg.Clock)
}

func TestIngest_Scheduler_StartupAndPeriodic(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	u := &gatedUpdater{}
	s, cancel, errCh := startScheduler(t, u, clock)

	require.Eventually(t, func() bool { return u.cycles.Load() == 1 }, time.Second, time.Millisecond)
	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Eventually(t, func() bool {
		return s.NextDue().Equal(clock.Now().Add(24 * time.Hour))
	}, time.Second, time.Millisecond)

	clock.Advance(23 * time.Hour)
	require.Never(t, func() bool { return u.cycles.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return u.cycles.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	require.True(t, errors.Is(<-errCh, context.Canceled))
}

func TestIngest_Scheduler_ManualTriggerRearmsTimer(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	u := &gatedUpdater{}
	s, cancel, errCh := startScheduler(t, u, clock)
	defer func() {
		cancel()
		<-errCh
	}()

	require.Eventually(t, func() bool { return u.cycles.Load() == 1 }, time.Second, time.Millisecond)
	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(12 * time.Hour)
	require.True(t, s.Trigger("sighup"))
	require.Eventually(t, func() bool { return u.cycles.Load() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return s.NextDue().Equal(clock.Now().Add(24 * time.Hour))
	}, time.Second, time.Millisecond)

	// the first deadline (24h after startup) no longer fires
	clock.Advance(12 * time.Hour)
	require.Never(t, func() bool { return u.cycles.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(12 * time.Hour)
	require.Eventually(t, func() bool { return u.cycles.Load() == 3 }, time.Second, time.Millisecond)
}

func TestIngest_Scheduler_TriggerDuringCycleCoalesces(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	u := &gatedUpdater{block: make(chan struct{})}
	s, cancel, errCh := startScheduler(t, u, clock)
	defer func() {
		cancel()
		<-errCh
	}()

	require.Eventually(t, func() bool { return u.inflight.Load() }, time.Second, time.Millisecond)
	for i := 1; i <= 3; i++ {
		require.True(t, s.Trigger("manual"))
		want := int64(i)
		require.Eventually(t, func() bool { return u.busy.Load() == want }, time.Second, time.Millisecond)
	}
	require.True(t, s.NextDue().IsZero(), "busy cycles must not arm the timer")

	close(u.block)
	require.Eventually(t, func() bool { return !s.NextDue().IsZero() }, time.Second, time.Millisecond)
	require.EqualValues(t, 1, u.cycles.Load())
}

func TestIngest_Scheduler_TriggerIsNonBlocking(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(SchedulerConfig{Update: func(context.Context) bool { return true }, Logger: newTestLogger()})
	require.NoError(t, err)
	require.True(t, s.Trigger("a"))
	require.False(t, s.Trigger("b"))
}
