// Package epoch implements the collector's epoch state machine (spec.md
// §4.A): a single, process-wide owner of the per-collection lifecycle
// Scheduled -> Started -> Finished -> Finalized, with blocking waits for
// external consumers.
//
// The teacher (runtime/proc.go) drives this kind of lifecycle with one
// coarse lock (sched.lock) plus park/wake primitives (notetsleep/notewakeup,
// runtime/sema.go's notifyList). User-level Go code has no equivalent to
// goparkunlock, so this is reimplemented with one sync.Mutex and a single
// sync.Cond shared by every waiter, broadcasting on every state change.
package epoch

import (
	"context"
	"fmt"
	"sync"

	"github.com/jvmusin/pmcs-gc/internal/gclog"
)

// ID is a monotonically increasing epoch identifier, spec.md §3.
type ID uint64

// State is a record's position in the one-way lifecycle of spec.md §4.A.
type State int

const (
	Scheduled State = iota
	Started
	Finished
	Finalized
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Started:
		return "started"
	case Finished:
		return "finished"
	case Finalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// record is one epoch's lifecycle record, spec.md §3's EpochRecord.
type record struct {
	id    ID
	state State
}

// Machine is the single owning process-wide epoch state machine.
// The zero value is not usable; construct with New.
type Machine struct {
	mu   sync.Mutex
	cond *sync.Cond

	// nextID is the epoch number schedule() will hand out next.
	nextID ID

	// pending is the epoch currently Scheduled but not yet Started, or 0
	// if none is pending. schedule() collapses consecutive calls onto
	// this single slot, per spec.md §4.A's scheduling policy.
	pending ID

	// records holds every epoch created so far. Entries are never
	// pruned, not even on shutdown; epoch counts are small relative to a
	// process lifetime in this core's tests.
	records map[ID]*record

	shutdown bool
}

// New constructs a Machine with no pending or started epoch.
func New() *Machine {
	m := &Machine{records: make(map[ID]*record)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Schedule allocates a new epoch if none is currently scheduled-but-not-
// started, otherwise returns the already-pending one. Non-blocking. Wakes
// any waitScheduled() caller.
func (m *Machine) Schedule() ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		// A shutdown machine still hands out monotonically increasing
		// epoch numbers (callers may be racing teardown), but nothing
		// will ever progress them further.
	}

	if m.pending != 0 {
		return m.pending
	}

	m.nextID++
	id := m.nextID
	m.pending = id
	m.records[id] = &record{id: id, state: Scheduled}
	gclog.For("epoch").WithField("epoch", uint64(id)).Debug("scheduled")
	m.cond.Broadcast()
	return id
}

// WaitScheduled blocks until an epoch is scheduled or shutdown is
// requested. Returns (0, false) on shutdown. Called by the GC thread's
// main loop.
func (m *Machine) WaitScheduled(ctx context.Context) (ID, bool) {
	return m.waitFor(ctx, func() (ID, bool, bool) {
		if m.shutdown {
			return 0, false, true
		}
		if m.pending != 0 {
			return m.pending, true, true
		}
		return 0, false, false
	})
}

// Start transitions e from Scheduled to Started, unblocking a subsequent
// Schedule() call to allocate e+1.
func (m *Machine) Start(e ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.recordLocked(e)
	r.state = Started
	if m.pending == e {
		m.pending = 0
	}
	gclog.For("epoch").WithField("epoch", uint64(e)).Debug("started")
	m.cond.Broadcast()
}

// Finish transitions e to Finished, unblocking WaitEpochFinished(e).
func (m *Machine) Finish(e ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.recordLocked(e)
	r.state = Finished
	gclog.For("epoch").WithField("epoch", uint64(e)).Debug("finished")
	m.cond.Broadcast()
}

// Finalized transitions e to Finalized, unblocking WaitEpochFinalized(e).
func (m *Machine) Finalized(e ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.recordLocked(e)
	r.state = Finalized
	gclog.For("epoch").WithField("epoch", uint64(e)).Debug("finalized")
	m.cond.Broadcast()
}

// WaitEpochFinished blocks until e's record is Finished or later, or until
// shutdown. Returns false only on shutdown without e ever finishing, or
// when ctx is done first.
func (m *Machine) WaitEpochFinished(ctx context.Context, e ID) bool {
	_, ok := m.waitFor(ctx, func() (ID, bool, bool) {
		if r, found := m.records[e]; found && r.state >= Finished {
			return e, true, true
		}
		if m.shutdown {
			return 0, false, true
		}
		return 0, false, false
	})
	return ok
}

// WaitEpochFinalized blocks until e's record is Finalized, or until
// shutdown.
func (m *Machine) WaitEpochFinalized(ctx context.Context, e ID) bool {
	_, ok := m.waitFor(ctx, func() (ID, bool, bool) {
		if m.shutdown {
			return 0, false, true
		}
		if r, found := m.records[e]; found && r.state >= Finalized {
			return e, true, true
		}
		return 0, false, false
	})
	return ok
}

// Shutdown marks the state machine terminal: all current and future
// WaitScheduled() calls return empty, and every WaitEpoch* unblocks. Must
// be called at most once.
func (m *Machine) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		panic("epoch: double shutdown")
	}
	m.shutdown = true
	gclog.For("epoch").Debug("shutdown")
	m.cond.Broadcast()
}

func (m *Machine) recordLocked(e ID) *record {
	r, ok := m.records[e]
	if !ok {
		panic(fmt.Sprintf("epoch: transition on unknown epoch %d", e))
	}
	return r
}

// waitFor is the shared Cond-wait loop: check evaluates the current state
// and reports (value, satisfied, done). done distinguishes "stop waiting,
// shutdown happened" (ok=false) from "stop waiting, condition met" (ok
// mirrors satisfied). A cancelled ctx also unblocks the wait, reporting
// ok=false without touching shutdown state.
func (m *Machine) waitFor(ctx context.Context, check func() (ID, bool, bool)) (ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return 0, false
		}
		// Wake the Cond.Wait loop if ctx is cancelled concurrently.
		stop := context.AfterFunc(ctx, func() {
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		})
		defer stop()
	}

	for {
		if id, satisfied, done := check(); done {
			return id, satisfied
		}
		if ctx != nil && ctx.Err() != nil {
			return 0, false
		}
		m.cond.Wait()
	}
}
