// Package mutator implements the per-thread GC state spec.md §4.C
// describes: a safepoint hook, the root-set CAS lock, and the publication
// flag every registered mutator owns.
//
// Modeled on the teacher's per-M state in runtime/runtime2.go (the m and g
// structs carry exactly this kind of "am I the one doing GC work right
// now" bookkeeping) and the safepoint/preemption dance in runtime/proc.go.
package mutator

import (
	"context"

	"go.uber.org/atomic"

	"github.com/jvmusin/pmcs-gc/internal/object"
)

// RootScanner supplies a mutator's root set (its stack/TLS roots, spec.md
// GLOSSARY) to whichever agent wins the race to scan it. The thread-info
// system that would normally walk a real call stack is out of scope
// (spec.md §1); tests and the demo CLI implement this directly against an
// explicit root slice.
type RootScanner interface {
	ScanRoots() []*object.Header
}

// ObjectPublisher flushes a mutator's thread-local allocation buffer to the
// shared allocator pool, spec.md §4.C's publishObjectFactory().
type ObjectPublisher interface {
	Publish()
}

// SuspendObserver is the mark dispatcher's half of the safepoint protocol,
// spec.md §4.B. A mutator's State calls back into whichever Dispatcher it
// is registered against; defining the interface here (rather than
// importing the mark package) keeps mutator free of a dependency on mark,
// since mark already depends on mutator for State itself.
type SuspendObserver interface {
	// EpochActive reports whether a marking epoch is currently in
	// progress, the gate for cooperative marking (spec.md §4.B).
	EpochActive() bool

	// TryCooperate is invoked at the first safepoint of an epoch at which
	// cooperative marking is enabled and the epoch is active (at most once
	// per epoch per mutator), before the STW check, so a mutator may
	// voluntarily help drain the mark queue. Must return promptly.
	TryCooperate(s *State)

	// OnMutatorSuspension is invoked exactly once, while s is parked for
	// STW, before it blocks — spec.md §4.C's onSuspendForGC().
	OnMutatorSuspension(s *State)
}

// Suspender is the thread registry's half of the safepoint protocol: the
// global "pending STW" flag and the park/wake primitive a mutator blocks
// on. Spec.md §6 calls the concrete version of this RequestThreadsSuspension
// / ResumeThreads.
type Suspender interface {
	STWRequested() bool
	ParkUntilResumed(ctx context.Context) error

	// EnterNative and ExitNative bracket a mutator's own blocking calls
	// (waitFinished, waitFinalizers) — spec.md §5: any blocking operation a
	// mutator performs must first act as if suspended, so STW never waits
	// on a mutator that is blocked on something STW itself is gating.
	EnterNative()
	ExitNative(ctx context.Context) error
}

// State is the per-mutator GC state of spec.md §4.C. One State exists per
// registered mutator for its entire registration lifetime.
type State struct {
	ID uint64

	rootSetLocked atomic.Bool
	cooperative   atomic.Bool
	published     atomic.Bool

	scanner   RootScanner
	publisher ObjectPublisher
	observer  SuspendObserver
	suspender Suspender

	cooperateEnabled *atomic.Bool
}

// New constructs a mutator's GC state. cooperateEnabled is a shared flag
// (owned by the mark dispatcher's config) so reconfigure can turn
// cooperative marking on or off for every mutator at once without visiting
// each State.
func New(id uint64, scanner RootScanner, publisher ObjectPublisher, observer SuspendObserver, suspender Suspender, cooperateEnabled *atomic.Bool) *State {
	return &State{
		ID:               id,
		scanner:          scanner,
		publisher:        publisher,
		observer:         observer,
		suspender:        suspender,
		cooperateEnabled: cooperateEnabled,
	}
}

// SafePoint is the only place a mutator may be suspended by the GC,
// spec.md §5. Cheap fast path: a handful of atomic loads; slow path: park
// until resumed, invoking onSuspendForGC once first.
func (s *State) SafePoint(ctx context.Context) error {
	if s.cooperateEnabled.Load() && s.observer.EpochActive() && s.TryBeginCooperation() {
		s.observer.TryCooperate(s)
	}

	if !s.suspender.STWRequested() {
		return nil
	}

	s.observer.OnMutatorSuspension(s)
	return s.suspender.ParkUntilResumed(ctx)
}

// TryBeginCooperation CASes the cooperative flag false->true, reporting
// whether this call is the one that switched it on. Exported so the mark
// dispatcher's SuspendObserver implementation can gate its own
// TryCooperate logic without reaching into State's internals.
func (s *State) TryBeginCooperation() bool {
	return s.cooperative.CAS(false, true)
}

// TryLockRootSet performs the CAS of spec.md §4.B step 3: exactly one
// agent per epoch may win this for a given mutator. Acquire-release
// ordering is implicit in go.uber.org/atomic's Bool, which always uses
// sequentially consistent operations.
func (s *State) TryLockRootSet() bool {
	return s.rootSetLocked.CAS(false, true)
}

// ScanRoots delegates to the registered RootScanner. Only meaningful after
// a successful TryLockRootSet.
func (s *State) ScanRoots() []*object.Header {
	return s.scanner.ScanRoots()
}

// PublishObjectFactory flushes this mutator's TLAB and marks it published,
// spec.md §4.C.
func (s *State) PublishObjectFactory() {
	s.publisher.Publish()
	s.published.Store(true)
}

// Published reports whether this mutator has published its allocations
// for the current epoch.
func (s *State) Published() bool { return s.published.Load() }

// Cooperative reports whether this mutator entered cooperative marking for
// the current epoch.
func (s *State) Cooperative() bool { return s.cooperative.Load() }

// ClearMarkFlags resets published, cooperative, and rootSetLocked to
// false, the reset-between-epochs step of spec.md §3.
func (s *State) ClearMarkFlags() {
	s.rootSetLocked.Store(false)
	s.cooperative.Store(false)
	s.published.Store(false)
}

// EnterNative marks this mutator as implicitly suspended, excluding it from
// WaitForThreadsSuspension's park count until ExitNative returns — spec.md
// §5's native-state transition a mutator must make before any blocking call.
func (s *State) EnterNative() { s.suspender.EnterNative() }

// ExitNative re-enters managed code, parking for any STW that started while
// this mutator was native — the mirror half of EnterNative.
func (s *State) ExitNative(ctx context.Context) error { return s.suspender.ExitNative(ctx) }

// OnOOM schedules a GC and blocks until it finishes, spec.md §4.C's
// onOOM(size). The scheduler is reached indirectly: callers pass in
// whatever triggers scheduling (kept out of State to avoid a dependency on
// the orchestrator), so OnOOM here just documents the contract; the real
// trigger lives on gcapi.Mutator.OnOOM.
func (s *State) OnOOM(ctx context.Context, size uintptr, schedule func() (wait func(context.Context) bool)) bool {
	wait := schedule()
	return wait(ctx)
}
