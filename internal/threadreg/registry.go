// Package threadreg stands in for the thread registry spec.md §1 places
// out of scope: it enumerates mutators and supports the STW suspension
// primitives (RequestThreadsSuspension / WaitForThreadsSuspension /
// ResumeThreads / LockForIter, spec.md §6).
//
// Grounded on the teacher's stopTheWorldWithSema / startTheWorldWithSema
// (runtime/proc.go): a global "please stop" flag plus a count-down wait for
// every participant to acknowledge, and a resume that clears the flag and
// wakes everyone. User-level Go mutators cannot be asynchronously
// preempted the way a real M can, so "stop" here means every mutator must
// cooperatively reach SafePoint — which is exactly spec.md §5's
// "safePoint() is the only place a mutator may be parked by the GC".
package threadreg

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/jvmusin/pmcs-gc/internal/gc/mutator"
	"github.com/jvmusin/pmcs-gc/internal/gclog"
)

// IterLocker is the allocator-side iteration lock spec.md §6 lists under
// the thread-registry's consumed interface (LockForIter()); it is
// satisfied by internal/object.Factory.
type IterLocker interface {
	LockForIter() func()
}

// Registry is the collector's view of every registered mutator thread.
type Registry struct {
	*mutator.Registry

	mu  sync.Mutex
	cnd *sync.Cond

	stwRequested bool
	parkedCount  int
	// nativeCount counts mutators currently in native state (spec.md §5):
	// blocked on something of their own choosing, not on the GC, so STW
	// must not wait for them to reach a safepoint that will never come
	// until whatever they are blocked on unblocks them.
	nativeCount int
	// generation increments on every ResumeThreads so a mutator that
	// parked under generation g only unblocks once resume for g (not a
	// stale earlier resume) has happened.
	generation int

	nextID uint64

	iterLocker IterLocker
}

// New constructs an empty thread registry. iterLocker satisfies spec.md
// §6's LockForIter(); pass the allocator that owns the iteration lock.
func New(iterLocker IterLocker) *Registry {
	r := &Registry{
		Registry:   mutator.NewRegistry(),
		iterLocker: iterLocker,
	}
	r.cnd = sync.NewCond(&r.mu)
	return r
}

// Register creates and adds a new mutator's GC state, spec.md §6's
// onThreadRegistration(). observer is almost always the mark dispatcher.
func (r *Registry) Register(scanner mutator.RootScanner, publisher mutator.ObjectPublisher, observer mutator.SuspendObserver, cooperateEnabled *atomic.Bool) *mutator.State {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	s := mutator.New(id, scanner, publisher, observer, r, cooperateEnabled)
	r.Add(s)
	gclog.For("threadreg").WithField("mutator", id).Debug("registered")
	return s
}

// Deregister removes a mutator. If STW is currently requested, its
// allocations are force-published first so no object escapes sweep —
// spec.md §4.B's "de-registration publishes all roots" tie-break.
func (r *Registry) Deregister(s *mutator.State, publisher mutator.ObjectPublisher) {
	r.mu.Lock()
	stw := r.stwRequested
	r.mu.Unlock()

	if stw {
		publisher.Publish()
	}
	r.Remove(s.ID)
	gclog.For("threadreg").WithField("mutator", s.ID).Debug("deregistered")
}

// RequestThreadsSuspension sets the global pending-STW flag. Must only be
// called by the GC's own goroutine — spec.md §7's "STW requested by
// non-GC thread" is a programmer error that mark.Dispatcher.RequestSTW
// asserts (for contexts marked as mutator-owned) before reaching here.
func (r *Registry) RequestThreadsSuspension() {
	r.mu.Lock()
	if r.stwRequested {
		r.mu.Unlock()
		panic("threadreg: STW already requested")
	}
	r.stwRequested = true
	r.parkedCount = 0
	r.mu.Unlock()
}

// STWRequested implements mutator.Suspender.
func (r *Registry) STWRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stwRequested
}

// WaitForThreadsSuspension blocks until every currently registered mutator
// that is not in native state has parked (i.e. called ParkUntilResumed), or
// ctx is done.
func (r *Registry) WaitForThreadsSuspension(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		stop := context.AfterFunc(ctx, func() {
			r.mu.Lock()
			r.cnd.Broadcast()
			r.mu.Unlock()
		})
		defer stop()
	}

	for r.parkedCount < r.Count()-r.nativeCount {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		r.cnd.Wait()
	}
	return nil
}

// EnterNative implements mutator.Suspender: it excludes the calling mutator
// from the park count WaitForThreadsSuspension waits on, for the duration
// until ExitNative is called.
func (r *Registry) EnterNative() {
	r.mu.Lock()
	r.nativeCount++
	r.cnd.Broadcast()
	r.mu.Unlock()
}

// ExitNative implements mutator.Suspender: it re-enters managed code,
// parking immediately if a STW started while the caller was native — the
// same wait ParkUntilResumed performs, just entered from native state
// instead of from a safepoint.
func (r *Registry) ExitNative(ctx context.Context) error {
	r.mu.Lock()
	r.nativeCount--
	if !r.stwRequested {
		r.mu.Unlock()
		return nil
	}

	gen := r.generation
	r.parkedCount++
	r.cnd.Broadcast()

	if ctx != nil {
		r.mu.Unlock()
		stop := context.AfterFunc(ctx, func() {
			r.mu.Lock()
			r.cnd.Broadcast()
			r.mu.Unlock()
		})
		r.mu.Lock()
		defer stop()
	}

	for r.generation == gen && r.stwRequested {
		if ctx != nil && ctx.Err() != nil {
			r.parkedCount--
			r.mu.Unlock()
			return ctx.Err()
		}
		r.cnd.Wait()
	}
	r.mu.Unlock()
	return nil
}

// ParkUntilResumed implements mutator.Suspender: it blocks the calling
// mutator goroutine until the next ResumeThreads call.
func (r *Registry) ParkUntilResumed(ctx context.Context) error {
	r.mu.Lock()
	gen := r.generation
	r.parkedCount++
	r.cnd.Broadcast()

	if ctx != nil {
		r.mu.Unlock()
		stop := context.AfterFunc(ctx, func() {
			r.mu.Lock()
			r.cnd.Broadcast()
			r.mu.Unlock()
		})
		r.mu.Lock()
		defer stop()
	}

	for r.generation == gen && r.stwRequested {
		if ctx != nil && ctx.Err() != nil {
			r.mu.Unlock()
			return ctx.Err()
		}
		r.cnd.Wait()
	}
	r.mu.Unlock()
	return nil
}

// ResumeThreads clears the pending-STW flag and wakes every parked
// mutator, spec.md §6's ResumeThreads().
func (r *Registry) ResumeThreads() {
	r.mu.Lock()
	if !r.stwRequested {
		r.mu.Unlock()
		panic("threadreg: resume without a pending STW")
	}
	r.stwRequested = false
	r.generation++
	r.parkedCount = 0
	r.cnd.Broadcast()
	r.mu.Unlock()
}

// LockForIter implements spec.md §6's thread-registry-consumed
// LockForIter(), delegating to the configured allocator.
func (r *Registry) LockForIter() func() {
	if r.iterLocker == nil {
		panic("threadreg: no iteration locker configured")
	}
	return r.iterLocker.LockForIter()
}
