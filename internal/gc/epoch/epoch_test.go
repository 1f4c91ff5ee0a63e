package epoch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleCollapsesConsecutiveCalls(t *testing.T) {
	m := New()

	e1 := m.Schedule()
	e2 := m.Schedule()
	e3 := m.Schedule()

	assert.Equal(t, e1, e2)
	assert.Equal(t, e1, e3)
}

func TestScheduleAllocatesNextAfterStart(t *testing.T) {
	m := New()

	e1 := m.Schedule()
	m.Start(e1)
	e2 := m.Schedule()

	assert.Equal(t, e1+1, e2)
}

func TestWaitScheduledReturnsPendingEpoch(t *testing.T) {
	m := New()

	done := make(chan ID, 1)
	go func() {
		e, ok := m.WaitScheduled(context.Background())
		require.True(t, ok)
		done <- e
	}()

	time.Sleep(10 * time.Millisecond)
	want := m.Schedule()

	select {
	case got := <-done:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("WaitScheduled never returned")
	}
}

func TestWaitEpochFinishedAndFinalized(t *testing.T) {
	m := New()
	e := m.Schedule()
	m.Start(e)

	finishedCh := make(chan bool, 1)
	go func() { finishedCh <- m.WaitEpochFinished(context.Background(), e) }()
	time.Sleep(5 * time.Millisecond)
	m.Finish(e)
	assert.True(t, <-finishedCh)

	finalizedCh := make(chan bool, 1)
	go func() { finalizedCh <- m.WaitEpochFinalized(context.Background(), e) }()
	time.Sleep(5 * time.Millisecond)
	m.Finalized(e)
	assert.True(t, <-finalizedCh)
}

func TestShutdownUnblocksAllWaiters(t *testing.T) {
	m := New()
	e := m.Schedule()
	m.Start(e)

	scheduledDone := make(chan bool, 1)
	finishedDone := make(chan bool, 1)
	go func() {
		_, ok := m.WaitScheduled(context.Background())
		scheduledDone <- ok
	}()
	go func() { finishedDone <- m.WaitEpochFinished(context.Background(), e) }()

	time.Sleep(10 * time.Millisecond)
	m.Shutdown()

	assert.False(t, <-scheduledDone)
	assert.False(t, <-finishedDone)
}

func TestDoubleShutdownPanics(t *testing.T) {
	m := New()
	m.Shutdown()
	assert.Panics(t, func() { m.Shutdown() })
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := m.WaitScheduled(ctx)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitScheduled never returned after cancellation")
	}
}
