package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sleepset/internal/connectivity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{PollInterval: time.Hour, BackoffInitial: 5 * time.Millisecond, BackoffMax: 20 * time.Millisecond}
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Wait()
	})
}

func TestRetriesWithBackoffUntilSuccess(t *testing.T) {
	s := New(connectivity.NewStatic(true), fastOptions(), nil)
	var calls atomic.Int32
	s.Register("sync-sleep-data", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("server down")
		}
		return nil
	})
	startScheduler(t, s)

	require.NoError(t, s.Trigger("sync-sleep-data"))
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		st := s.Status()
		return len(st) == 1 && st[0].Runs == 3 && st[0].Failures == 0
	}, time.Second, 2*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, calls.Load(), "success stops retrying")
}

func TestRegisterIsIdempotentAndTriggersCoalesce(t *testing.T) {
	s := New(connectivity.NewStatic(true), fastOptions(), nil)
	release := make(chan struct{})
	var calls atomic.Int32
	handler := func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}
	s.Register("sync-sleepen-data", handler)
	s.Register("sync-sleepen-data", func(context.Context) error {
		t.Error("second registration must not replace the first")
		return nil
	})
	assert.Equal(t, []string{"sync-sleepen-data"}, s.Tags())
	startScheduler(t, s)

	require.NoError(t, s.Trigger("sync-sleepen-data"))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Trigger("sync-sleepen-data"))
	}
	close(release)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 2, calls.Load(), "one run per tag at a time, pending triggers merge")

	assert.ErrorIs(t, s.Trigger("nope"), ErrUnknownTag)
}

func TestRunsOnlyWhileOnline(t *testing.T) {
	online := connectivity.NewStatic(false)
	s := New(online, fastOptions(), nil)
	var calls atomic.Int32
	s.Register("sync-sleep-data", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	startScheduler(t, s)

	require.NoError(t, s.Trigger("sync-sleep-data"))
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 0, calls.Load())

	online.Set(true)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestRegisterAfterStartAndPeriodicTick(t *testing.T) {
	opts := fastOptions()
	opts.PollInterval = 10 * time.Millisecond
	s := New(connectivity.NewStatic(true), opts, nil)
	startScheduler(t, s)

	var calls atomic.Int32
	s.Register("sync-sleep-data", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestPanickingTaskIsRetried(t *testing.T) {
	s := New(connectivity.NewStatic(true), fastOptions(), nil)
	var calls atomic.Int32
	s.Register("sync-sleep-data", func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	startScheduler(t, s)
	require.NoError(t, s.Trigger("sync-sleep-data"))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}
