package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopRunsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New(nil)
	go l.Run(ctx)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Do(ctx, func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestEventLoopAsyncContinuesOnLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New(nil)
	go l.Run(ctx)

	done := make(chan int, 1)
	var value int
	l.Async(func() { value = 42 }, func() { done <- value })

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("async continuation never ran")
	}
}

func TestEventLoopRecoversPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New(nil)
	go l.Run(ctx)

	var ran atomic.Bool
	l.Post(func() { panic("boom") })
	l.Post(func() { ran.Store(true) })
	require.NoError(t, l.Do(ctx, func() {}))
	assert.True(t, ran.Load())
}

func TestEventLoopAfterFunc(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New(nil)
	go l.Run(ctx)

	fired := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestManualAdvanceFiresInOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var got []string
	m.AfterFunc(300*time.Millisecond, func() { got = append(got, "c") })
	m.AfterFunc(100*time.Millisecond, func() { got = append(got, "a") })
	m.AfterFunc(200*time.Millisecond, func() {
		got = append(got, "b")
		m.AfterFunc(50*time.Millisecond, func() { got = append(got, "b+50") })
	})

	m.Advance(260 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "b+50"}, got)
	assert.Equal(t, time.Unix(0, 0).Add(260*time.Millisecond), m.Now())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "b+50", "c"}, got)
	assert.Equal(t, 0, m.PendingTimers())
}

func TestManualStoppedTimerDoesNotFire(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	m.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestManualAsyncStaysInFlightUntilFlush(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	worked, continued := false, false
	m.Async(func() { worked = true }, func() { continued = true })
	assert.False(t, worked)

	m.Flush()
	assert.True(t, worked)
	assert.True(t, continued)
}

func TestManualJitter(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	m.SetJitter(func() time.Duration { return 7 * time.Millisecond })

	var at time.Time
	m.AfterFunc(10*time.Millisecond, func() { at = m.Now() })
	m.Advance(time.Second)
	assert.Equal(t, time.Unix(0, 0).Add(17*time.Millisecond), at)
}

func TestEventLoopDoAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	l := New(nil)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		l.Run(ctx)
	}()
	cancel()
	<-stopped

	err := l.Do(context.Background(), func() { t.Error("ran after stop") })
	assert.ErrorIs(t, err, ErrLoopStopped)
}
