package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	mu  sync.Mutex
	err error
}

func (f *fakePinger) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakePinger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func TestMonitorGoesOfflineAfterTwoFailures(t *testing.T) {
	pinger := &fakePinger{}
	m := NewMonitor(pinger, time.Second, nil)
	events := m.Subscribe()
	ctx := context.Background()

	assert.True(t, m.Check(ctx))

	pinger.set(errors.New("connection refused"))
	assert.True(t, m.Check(ctx), "one failure is not enough")
	assert.Equal(t, 1, m.Snapshot().ConsecutiveFailures)
	assert.False(t, m.Check(ctx))

	select {
	case ev := <-events:
		assert.False(t, ev.Online)
		require.Error(t, ev.Err)
	default:
		t.Fatal("expected offline event")
	}

	pinger.set(nil)
	assert.True(t, m.Check(ctx), "first success brings it back")
	ev := <-events
	assert.True(t, ev.Online)
	assert.Equal(t, 0, m.Snapshot().ConsecutiveFailures)
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	pinger := &fakePinger{err: errors.New("down")}
	m := NewMonitor(pinger, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStaticNotifiesOnChangeOnly(t *testing.T) {
	s := NewStatic(true)
	events := s.Subscribe()

	s.Set(true)
	s.Set(false)
	assert.False(t, s.Online())

	ev := <-events
	assert.False(t, ev.Online)
	select {
	case extra := <-events:
		t.Fatalf("unexpected event %+v", extra)
	default:
	}
}
