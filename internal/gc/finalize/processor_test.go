package finalize

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvmusin/pmcs-gc/internal/gc/epoch"
	"github.com/jvmusin/pmcs-gc/internal/object"
)

type fakeNotifier struct {
	mu        sync.Mutex
	finalized []epoch.ID
	notify    chan epoch.ID
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{notify: make(chan epoch.ID, 16)}
}

func (n *fakeNotifier) Finalized(e epoch.ID) {
	n.mu.Lock()
	n.finalized = append(n.finalized, e)
	n.mu.Unlock()
	n.notify <- e
}

func TestScheduleTasksWithEmptyQueueFinalizesImmediately(t *testing.T) {
	notifier := newFakeNotifier()
	p := NewProcessor(notifier)

	p.ScheduleTasks(epoch.ID(1), nil)

	select {
	case e := <-notifier.notify:
		assert.Equal(t, epoch.ID(1), e)
	case <-time.After(time.Second):
		t.Fatal("Finalized was never called")
	}
	assert.False(t, p.IsRunning())
}

func TestFinalizersRunBeforeEpochReportedFinalized(t *testing.T) {
	notifier := newFakeNotifier()
	p := NewProcessor(notifier)
	p.StartFinalizerThreadIfNone()
	defer p.StopFinalizerThread()

	var ran int
	var mu sync.Mutex
	queue := object.FinalizerQueue{
		{Finalizer: func() { mu.Lock(); ran++; mu.Unlock() }},
		{Finalizer: func() { mu.Lock(); ran++; mu.Unlock() }},
	}

	p.ScheduleTasks(epoch.ID(5), queue)

	select {
	case e := <-notifier.notify:
		require.Equal(t, epoch.ID(5), e)
	case <-time.After(time.Second):
		t.Fatal("Finalized was never called")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, ran)
}

func TestPanickingFinalizerDoesNotAbortBatch(t *testing.T) {
	notifier := newFakeNotifier()
	p := NewProcessor(notifier)
	p.StartFinalizerThreadIfNone()
	defer p.StopFinalizerThread()

	var secondRan bool
	queue := object.FinalizerQueue{
		{Finalizer: func() { panic("boom") }},
		{Finalizer: func() { secondRan = true }},
	}

	p.ScheduleTasks(epoch.ID(9), queue)

	select {
	case e := <-notifier.notify:
		assert.Equal(t, epoch.ID(9), e)
	case <-time.After(time.Second):
		t.Fatal("Finalized was never called")
	}
	assert.True(t, secondRan)
}

func TestStopFinalizerThreadJoins(t *testing.T) {
	notifier := newFakeNotifier()
	p := NewProcessor(notifier)
	p.StartFinalizerThreadIfNone()
	require.True(t, p.IsRunning())

	p.StopFinalizerThread()
	assert.False(t, p.IsRunning())
}
