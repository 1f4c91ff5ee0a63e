// Package orchestrator implements the GC orchestrator of spec.md §4.F: the
// public façade that owns the epoch state machine, the mark dispatcher, the
// sweep driver and the finalizer processor, and drives PerformFullGC.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/jvmusin/pmcs-gc/internal/gc/epoch"
	"github.com/jvmusin/pmcs-gc/internal/gc/finalize"
	"github.com/jvmusin/pmcs-gc/internal/gc/gcconfig"
	"github.com/jvmusin/pmcs-gc/internal/gc/mark"
	"github.com/jvmusin/pmcs-gc/internal/gc/mutator"
	"github.com/jvmusin/pmcs-gc/internal/gc/sweep"
	"github.com/jvmusin/pmcs-gc/internal/gclog"
	"github.com/jvmusin/pmcs-gc/internal/object"
)

var log = gclog.For("orchestrator")

// Scheduler is the external "decide when to collect" collaborator spec.md
// §6 lists: onGCStart()/onGCFinish(epoch, bytes). The orchestrator never
// decides to collect on its own; Schedule() is always caller-driven.
type Scheduler interface {
	OnGCStart()
	OnGCFinish(e epoch.ID, allocatedBytes int64)
}

// NopScheduler is a Scheduler that does nothing, for callers with no
// external scheduling policy to hook in.
type NopScheduler struct{}

func (NopScheduler) OnGCStart()                         {}
func (NopScheduler) OnGCFinish(epoch.ID, int64)          {}

// ThreadRegistry is what the orchestrator needs from the thread registry:
// everything the mark dispatcher uses, plus ClearAllMarkFlags, which
// BeginMarkingEpoch calls to reset every mutator's per-epoch flags (step 3
// of spec.md §4.F).
type ThreadRegistry interface {
	mark.ThreadRegistry
	ClearAllMarkFlags()
}

// AllocatorStats reports bytes allocated since startup, threaded into
// onGCFinish(epoch, allocatedBytes) per spec.md §6.
type AllocatorStats interface {
	AllocatedBytes() int64
}

// WeakRefExtension bundles the optional concurrent weak-ref sweep
// collaborator of spec.md §4.B / §9. A nil *WeakRefExtension (the default)
// leaves the step a no-op, matching the dispatcher's own nil-barrier
// behavior; callers that want the step to actually run (gcapi.New always
// does) supply both halves together since one is meaningless without the
// other.
type WeakRefExtension struct {
	// Barrier toggles the external weak-ref barrier module around the
	// concurrent phase (spec.md §4.B step 9).
	Barrier mark.WeakRefBarrier
	// Process walks every weakly-referenced target and drops the ones
	// isMarked reports as dead. Called once, with mutators resumed.
	Process func(isMarked func(*object.Header) bool)
}

// Collector is the GC orchestrator of spec.md §4.F / §6: the top-level
// object the runtime holds a single instance of.
type Collector struct {
	// gcMutex serializes PerformFullGC against Reconfigure, spec.md §5's
	// "shared-resource policy": the global GC mutex.
	gcMutex sync.Mutex

	machine     *epoch.Machine
	dispatcher  *mark.Dispatcher
	registry    ThreadRegistry
	sweeper     sweep.Driver
	finalizer   *finalize.Processor
	scheduler   Scheduler
	alloc       AllocatorStats
	weakProcess func(isMarked func(*object.Header) bool)

	handlesMu sync.Mutex
	handles   map[epoch.ID]*handle
}

// handle is the per-epoch bookkeeping record spec.md §4.F step 2/15
// describes ("create the GC handle for epoch", "record finalizer count on
// the GC handle").
type handle struct {
	epoch          epoch.ID
	finalizerCount int
}

// New wires a Collector from its five owned components (spec.md §2's A-E)
// plus the external Scheduler, AllocatorStats and (optional) WeakRefExtension
// collaborators.
func New(registry ThreadRegistry, sweeper sweep.Driver, scheduler Scheduler, alloc AllocatorStats, cfg gcconfig.Config, weakRefs *WeakRefExtension) *Collector {
	machine := epoch.New()
	finalizer := finalize.NewProcessor(machine)

	var barrier mark.WeakRefBarrier
	var process func(isMarked func(*object.Header) bool)
	if weakRefs != nil {
		barrier = weakRefs.Barrier
		process = weakRefs.Process
	}
	dispatcher := mark.New(registry, barrier, cfg)

	if scheduler == nil {
		scheduler = NopScheduler{}
	}

	return &Collector{
		machine:     machine,
		dispatcher:  dispatcher,
		registry:    registry,
		sweeper:     sweeper,
		finalizer:   finalizer,
		scheduler:   scheduler,
		alloc:       alloc,
		weakProcess: process,
		handles:     make(map[epoch.ID]*handle),
	}
}

// CooperateFlag exposes the dispatcher's shared cooperative-marking flag,
// for wiring freshly registered mutators (mutator.New's cooperateEnabled
// parameter).
func (c *Collector) CooperateFlag() *atomic.Bool { return c.dispatcher.CooperateFlag() }

// Dispatcher exposes the mark dispatcher so the thread registry can hand it
// to newly registered mutators as their SuspendObserver.
func (c *Collector) Dispatcher() *mark.Dispatcher { return c.dispatcher }

// Schedule requests a collection, spec.md §6's schedule(). Non-blocking.
func (c *Collector) Schedule() epoch.ID {
	return c.machine.Schedule()
}

// WaitFinished blocks until e has finished sweeping, spec.md §6's
// waitFinished(epoch).
func (c *Collector) WaitFinished(ctx context.Context, e epoch.ID) bool {
	return c.machine.WaitEpochFinished(ctx, e)
}

// WaitFinalizers blocks until every finalizer scheduled for e has run,
// spec.md §6's waitFinalizers(epoch).
func (c *Collector) WaitFinalizers(ctx context.Context, e epoch.ID) bool {
	return c.machine.WaitEpochFinalized(ctx, e)
}

// Run is the GC thread's main loop, spec.md §4.A's waitScheduled-driven
// loop: repeatedly wait for a scheduled epoch and perform it, until
// shutdown. Intended to run on its own dedicated goroutine.
func (c *Collector) Run(ctx context.Context) {
	gcCtx := mark.WithGCOwnership(ctx)
	for {
		e, ok := c.machine.WaitScheduled(gcCtx)
		if !ok {
			log.Debug("gc thread exiting")
			return
		}
		if err := c.PerformFullGC(gcCtx, e); err != nil {
			log.WithField("epoch", uint64(e)).WithField("error", err).Error("collection failed")
		}
	}
}

// PerformFullGC runs the 16-step sequence of spec.md §4.F for epoch e. ctx
// must carry mark.WithGCOwnership (Run does this for its caller).
func (c *Collector) PerformFullGC(ctx context.Context, e epoch.ID) error {
	// Step 1: acquire GC mutex.
	c.gcMutex.Lock()

	// Step 2: create the GC handle for epoch.
	h := &handle{epoch: e}
	c.handlesMu.Lock()
	c.handles[e] = h
	c.handlesMu.Unlock()

	// Step 3: dispatcher.beginMarkingEpoch.
	c.dispatcher.BeginMarkingEpoch(e, c.registry)

	// Step 4: request STW; wait for all mutators parked.
	if err := c.dispatcher.RequestSTW(ctx); err != nil {
		c.gcMutex.Unlock()
		return fmt.Errorf("orchestrator: request STW: %w", err)
	}

	// Step 5: scheduler.onGCStart.
	c.scheduler.OnGCStart()

	// Step 6: state machine start(epoch).
	c.machine.Start(e)

	// Step 7: dispatcher.runMainInSTW.
	if err := c.dispatcher.RunMainInSTW(ctx); err != nil {
		c.dispatcher.ResumeAll()
		c.gcMutex.Unlock()
		return fmt.Errorf("orchestrator: mark traversal: %w", err)
	}

	// Step 8: dispatcher.endMarkingEpoch.
	c.dispatcher.EndMarkingEpoch()

	// Step 9: concurrent weak-ref sweep, if configured — no-op otherwise.
	if err := c.dispatcher.RunConcurrentWeakSweep(ctx, e, c.weakProcess); err != nil {
		c.dispatcher.ResumeAll()
		c.gcMutex.Unlock()
		return fmt.Errorf("orchestrator: concurrent weak sweep: %w", err)
	}

	// Step 10: publish every mutator's object factory.
	c.registry.Each(func(s *mutator.State) {
		if !s.Published() {
			s.PublishObjectFactory()
		}
	})

	// Step 11: resume all mutators.
	c.dispatcher.ResumeAll()

	// Step 12: sweep, possibly concurrent with resumed mutators.
	queue, err := c.sweeper.Sweep(e)
	if err != nil {
		c.gcMutex.Unlock()
		return fmt.Errorf("orchestrator: sweep: %w", err)
	}

	// Step 13: scheduler.onGCFinish(epoch, allocatedBytes).
	var allocated int64
	if c.alloc != nil {
		allocated = c.alloc.AllocatedBytes()
	}
	c.scheduler.OnGCFinish(e, allocated)

	// Step 14: state machine finish(epoch).
	c.machine.Finish(e)

	// Step 15: record finalizer count on the GC handle.
	c.handlesMu.Lock()
	h.finalizerCount = len(queue)
	c.handlesMu.Unlock()

	// Step 16: release GC mutex before scheduling finalizer tasks — the
	// finalizer thread's start routine may block on OS-level primitives
	// spec.md §4.E / §5's deadlock-avoidance rule forbids holding a core
	// lock across.
	c.gcMutex.Unlock()

	c.finalizer.StartFinalizerThreadIfNone()
	c.finalizer.ScheduleTasks(e, queue)

	log.WithField("epoch", uint64(e)).WithField("finalizable", h.finalizerCount).Info("collection complete")
	return nil
}

// Reconfigure applies new tunables, spec.md §4.B's reset(...), serialized
// against PerformFullGC by the same GC mutex.
func (c *Collector) Reconfigure(cfg gcconfig.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.gcMutex.Lock()
	defer c.gcMutex.Unlock()
	return c.dispatcher.Reset(cfg, nil)
}

// Shutdown marks the epoch machine terminal and joins the finalizer thread,
// spec.md §7's "clean shutdown".
func (c *Collector) Shutdown() {
	c.machine.Shutdown()
	c.finalizer.StopFinalizerThread()
}

// StartFinalizerThreadIfNeeded / StopFinalizerThreadIfRunning /
// FinalizerThreadIsRunning expose the finalizer processor's lifecycle
// control trio directly, spec.md §6.
func (c *Collector) StartFinalizerThreadIfNeeded() { c.finalizer.StartFinalizerThreadIfNone() }
func (c *Collector) StopFinalizerThreadIfRunning()  { c.finalizer.StopFinalizerThread() }
func (c *Collector) FinalizerThreadIsRunning() bool { return c.finalizer.IsRunning() }
