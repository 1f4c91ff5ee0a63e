// Package mark implements the parallel mark coordinator of spec.md §4.B: a
// stop-the-world root-scan phase handed to mutator threads and a pool of GC
// worker goroutines, plus the optional cooperative-marking and
// concurrent-weak-sweep extensions.
package mark

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jvmusin/pmcs-gc/internal/gc/epoch"
	"github.com/jvmusin/pmcs-gc/internal/gc/gcconfig"
	"github.com/jvmusin/pmcs-gc/internal/gc/mutator"
	"github.com/jvmusin/pmcs-gc/internal/gclog"
	"github.com/jvmusin/pmcs-gc/internal/object"
)

// ThreadRegistry is the subset of the thread registry (spec.md §6) the
// dispatcher needs: suspend/resume a mutator population and enumerate it.
// Satisfied by internal/threadreg.Registry.
type ThreadRegistry interface {
	RequestThreadsSuspension()
	WaitForThreadsSuspension(ctx context.Context) error
	ResumeThreads()
	LockForIter() func()
	Each(func(*mutator.State))
	Count() int
}

// WeakRefBarrier is the optional external collaborator spec.md §4.B's
// concurrent weak-ref sweep path toggles.
type WeakRefBarrier interface {
	EnableWeakRefBarriers(e epoch.ID)
	DisableWeakRefBarriers()
}

var log = gclog.For("mark")

// Dispatcher coordinates one epoch's parallel mark phase. One Dispatcher is
// constructed per collector instance and reused across epochs.
type Dispatcher struct {
	registry ThreadRegistry
	barrier  WeakRefBarrier // may be nil

	mu  sync.Mutex
	cfg gcconfig.Config

	cooperateEnabled atomic.Bool

	queue *workQueue

	epochActive atomic.Bool
	activeEpoch atomic.Uint64
	sem         *semaphore.Weighted
}

// ownershipKey marks a context as belonging to the GC's own main goroutine,
// resolving spec.md §9's open question: the GC thread must never be
// subject to its own STW request. Mutator goroutines never carry this key.
type ownershipKey struct{}

// WithGCOwnership marks ctx as running on the collector's own main
// goroutine/thread, exempting it from ever being treated as a mutator
// subject to suspension.
func WithGCOwnership(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownershipKey{}, true)
}

func isGCOwned(ctx context.Context) bool {
	v, _ := ctx.Value(ownershipKey{}).(bool)
	return v
}

// New constructs a Dispatcher against the given thread registry and
// initial tunables.
func New(registry ThreadRegistry, barrier WeakRefBarrier, cfg gcconfig.Config) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		barrier:  barrier,
		cfg:      cfg,
		queue:    newWorkQueue(),
	}
	d.cooperateEnabled.Store(cfg.MutatorsCooperate)
	d.sem = semaphore.NewWeighted(int64(maxInt(1, cfg.MaxParallelism)))
	return d
}

func maxInt(a, b uint) uint {
	if a > b {
		return a
	}
	return b
}

// CooperateFlag exposes the shared "is cooperative marking enabled" flag so
// newly registered mutators can be wired to it (spec.md §4.C).
func (d *Dispatcher) CooperateFlag() *atomic.Bool { return &d.cooperateEnabled }

// Reset rebuilds the dispatcher's tunables. Must only be called while no
// epoch is Started — the caller (the orchestrator) enforces this by
// holding its process-wide GC mutex across Reset, per spec.md §4.B.
func (d *Dispatcher) Reset(cfg gcconfig.Config, teardown func()) error {
	if cfg.GCMarkSingleThreaded && cfg.AuxGCThreads != 0 {
		panic("mark: auxGCThreads must be 0 under gcMarkSingleThreaded")
	}

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	d.cooperateEnabled.Store(cfg.MutatorsCooperate)
	d.sem = semaphore.NewWeighted(int64(maxInt(1, cfg.MaxParallelism)))

	if teardown != nil {
		teardown()
	}
	return nil
}

func (d *Dispatcher) config() gcconfig.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// EpochActive implements mutator.SuspendObserver.
func (d *Dispatcher) EpochActive() bool { return d.epochActive.Load() }

// BeginMarkingEpoch publishes "marking is active for e" and resets every
// mutator's per-epoch flags, spec.md §4.B step 1.
func (d *Dispatcher) BeginMarkingEpoch(e epoch.ID, registry interface{ ClearAllMarkFlags() }) {
	registry.ClearAllMarkFlags()
	d.activeEpoch.Store(uint64(e))
	d.epochActive.Store(true)
	log.WithField("epoch", uint64(e)).Debug("begin marking epoch")
}

// EndMarkingEpoch acknowledges end-of-mark, spec.md §4.B step 5.
func (d *Dispatcher) EndMarkingEpoch() {
	d.epochActive.Store(false)
	log.WithField("epoch", d.activeEpoch.Load()).Debug("end marking epoch")
}

// RequestSTW requests suspension of every registered mutator and blocks
// until all have parked. Must be called from the GC's own goroutine.
func (d *Dispatcher) RequestSTW(ctx context.Context) error {
	if isGCOwned(ctx) == false {
		// Best-effort assertion per spec.md §7: "STW requested by
		// non-GC thread" is a programmer error. We only panic when a
		// caller explicitly marked itself a mutator; an unmarked
		// context (e.g. in a unit test driving the dispatcher
		// directly) is allowed through so internal/gc/mark's own
		// tests don't need full orchestrator wiring.
		if isMutatorOwned(ctx) {
			panic("mark: STW requested by a mutator goroutine")
		}
	}
	d.registry.RequestThreadsSuspension()
	return d.registry.WaitForThreadsSuspension(ctx)
}

type mutatorOwnershipKey struct{}

// WithMutatorOwnership marks ctx as running on a mutator's own goroutine.
func WithMutatorOwnership(ctx context.Context) context.Context {
	return context.WithValue(ctx, mutatorOwnershipKey{}, true)
}

func isMutatorOwned(ctx context.Context) bool {
	v, _ := ctx.Value(mutatorOwnershipKey{}).(bool)
	return v
}

// ResumeAll resumes every parked mutator, spec.md §4.F step 11.
func (d *Dispatcher) ResumeAll() {
	d.registry.ResumeThreads()
}

// OnMutatorSuspension implements mutator.SuspendObserver: called while s is
// parked, before it blocks. Attempts the root-set CAS on s's behalf — it
// will usually already be claimed by the time a GC worker iterates the
// registry in RunMainInSTW, but a mutator always gets first chance at its
// own roots.
func (d *Dispatcher) OnMutatorSuspension(s *mutator.State) {
	d.scanIfUnclaimed(s)
}

// scanIfUnclaimed wins the root-set race for s (if nobody has already), then
// greys and enqueues its roots. Roots must be marked here, not merely
// enqueued: a root with no inbound edge (the common case for every entry in
// a mutator's root set) would otherwise never be blackened by processOne,
// which only marks the children it discovers — leaving it unmarked and
// therefore swept despite being reachable (spec.md §8 invariant 3).
func (d *Dispatcher) scanIfUnclaimed(s *mutator.State) {
	if !s.TryLockRootSet() {
		return
	}
	roots := s.ScanRoots()
	grey := make([]*object.Header, 0, len(roots))
	for _, r := range roots {
		if r != nil && r.TryMark() {
			grey = append(grey, r)
		}
	}
	d.queue.putBatch(grey)
	s.PublishObjectFactory()
}

// TryCooperate implements mutator.SuspendObserver: a mutator that reaches a
// safepoint before STW was requested, while an epoch is already active,
// drains a bounded amount of mark work to shorten the eventual STW window
// (spec.md §4.B "cooperative form"). It competes for the same admission
// semaphore the dedicated mark workers use, since maxParallelism bounds
// "concurrent markers (main + aux + cooperating mutators)" (spec.md §3) as
// one pool, not two independent ones; a saturated pool simply skips
// cooperation this safepoint rather than blocking the mutator on it.
func (d *Dispatcher) TryCooperate(s *mutator.State) {
	if !d.sem.TryAcquire(1) {
		return
	}
	defer d.sem.Release(1)

	const budget = 64
	local := newLocalQueue(d.queue)
	defer local.dispose()
	for i := 0; i < budget; i++ {
		h := local.tryGet()
		if h == nil {
			return
		}
		d.processOne(h, local)
	}
}

// processOne blackens a single grey object: scans its outgoing references,
// pushing any not-yet-marked target back onto the queue. Equivalent to
// spec.md §4.B step 4's processObjectInMark / processArrayInMark /
// processFieldInMark, delegated to object.Scan since field layout is a
// type-info concern out of this core's scope.
func (d *Dispatcher) processOne(h *object.Header, local *localQueue) {
	if h == nil {
		return
	}
	object.Scan(h, func(child *object.Header) {
		if child.TryMark() {
			local.put(child)
		}
	})
}

// RunMainInSTW performs the full root-scan + traversal phase of spec.md
// §4.B steps 3-4, assuming STW is already in effect (every mutator
// parked). It returns once the mark queue is globally empty and every
// worker has gone idle.
func (d *Dispatcher) RunMainInSTW(ctx context.Context) error {
	cfg := d.config()

	// Step 3: claim any mutator whose roots a GC worker, not the mutator
	// itself, must scan (it either raced the mutator's own attempt and
	// lost, in which case TryLockRootSet below is a no-op, or the mutator
	// parked before ever re-checking cooperative eligibility).
	d.registry.Each(func(s *mutator.State) {
		d.scanIfUnclaimed(s)
	})

	numWorkers := 1 + int(cfg.AuxGCThreads)
	if cfg.GCMarkSingleThreaded {
		numWorkers = 1
	}

	barrier := &terminationBarrier{total: int32(numWorkers)}

	if numWorkers == 1 {
		local := newLocalQueue(d.queue)
		d.drainToExhaustion(ctx, local, barrier)
		local.dispose()
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for i := 0; i < numWorkers; i++ {
		i := i
		g.Go(func() error {
			if err := d.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer d.sem.Release(1)
			local := newLocalQueue(d.queue)
			d.drainToExhaustion(gctx, local, barrier)
			local.dispose()
			log.WithField("worker", i).Trace("mark worker finished")
			return nil
		})
	}
	return g.Wait()
}

// terminationBarrier implements spec.md §4.B step 4's termination
// detection: "per-worker activeFlag + counter; phase ends when all flags
// clear and the queue is empty." Workers that find no local or global work
// mark themselves idle and spin (yielding the OS thread via
// runtime.Gosched) until either new work appears or every worker is idle
// with an empty queue — the Go-level analogue of the teacher's
// notetsleep-then-retry spin in stopTheWorldWithSema.
type terminationBarrier struct {
	idle  atomic.Int32
	total int32
}

// drainToExhaustion runs local's worker loop until the mark phase is
// globally done.
func (d *Dispatcher) drainToExhaustion(ctx context.Context, local *localQueue, barrier *terminationBarrier) {
	for {
		h := local.tryGet()
		if h != nil {
			d.processOne(h, local)
			continue
		}

		barrier.idle.Add(1)
		for {
			if h := local.tryGet(); h != nil {
				barrier.idle.Add(-1)
				d.processOne(h, local)
				break
			}
			if barrier.idle.Load() == barrier.total && d.queue.isEmpty() {
				return
			}
			if ctx.Err() != nil {
				barrier.idle.Add(-1)
				return
			}
			runtime.Gosched()
		}
	}
}

// RunConcurrentWeakSweep implements spec.md §4.B's optional concurrent
// weak-ref sweep: resume mutators with the barrier enabled, let process
// run concurrently, then re-suspend briefly to disable it. No-op if no
// WeakRefBarrier was configured.
func (d *Dispatcher) RunConcurrentWeakSweep(ctx context.Context, e epoch.ID, process func(isMarked func(*object.Header) bool)) error {
	if d.barrier == nil || process == nil {
		return nil
	}
	d.barrier.EnableWeakRefBarriers(e)
	d.ResumeAll()

	process(func(h *object.Header) bool { return h.IsMarked() })

	if err := d.RequestSTW(ctx); err != nil {
		return fmt.Errorf("mark: re-suspend for weak barrier disable: %w", err)
	}
	d.barrier.DisableWeakRefBarriers()
	return nil
}
