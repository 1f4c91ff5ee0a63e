// Package gcapi is the public façade of spec.md §6's "core API exposed to
// the runtime": the thin surface a managed-object runtime embeds to get a
// working PMCS collector without reaching into internal/gc directly.
package gcapi

import (
	"context"
	stdatomic "sync/atomic"

	"github.com/jvmusin/pmcs-gc/internal/gc/epoch"
	"github.com/jvmusin/pmcs-gc/internal/gc/gcconfig"
	"github.com/jvmusin/pmcs-gc/internal/gc/mark"
	"github.com/jvmusin/pmcs-gc/internal/gc/mutator"
	"github.com/jvmusin/pmcs-gc/internal/gc/orchestrator"
	"github.com/jvmusin/pmcs-gc/internal/gc/sweep"
	"github.com/jvmusin/pmcs-gc/internal/gc/weakref"
	"github.com/jvmusin/pmcs-gc/internal/object"
	"github.com/jvmusin/pmcs-gc/internal/threadreg"
)

// Allocator is everything gcapi needs from the object allocator: the
// iteration/sweep surface (Mode A) or, if the concrete type also
// implements sweep.CustomSweeper, Mode B is selected automatically.
type Allocator interface {
	sweep.Allocator
	AllocatedBytes() int64
	NewBuffer() *object.Buffer
	CreateExtraObjectData(obj *object.Header) *object.ExtraData
}

// Scheduler is re-exported from orchestrator so callers need not import it
// directly to implement onGCStart/onGCFinish.
type Scheduler = orchestrator.Scheduler

// Collector is the embeddable PMCS collector: construct one per managed
// heap, register each application thread as it starts via RegisterMutator,
// and call Run on a dedicated goroutine.
type Collector struct {
	orch     *orchestrator.Collector
	registry *threadreg.Registry
	alloc    Allocator
}

// New constructs a Collector over alloc. If alloc additionally implements
// sweep.CustomSweeper, Mode B sweeping is used automatically; otherwise
// Mode A. The optional concurrent weak-ref sweep (spec.md §4.B) is always
// wired against a minimal in-process weakref.Barrier, since this façade has
// no separate "no weak refs at all" mode to opt out into.
func New(alloc Allocator, scheduler Scheduler, cfg gcconfig.Config) *Collector {
	registry := threadreg.New(alloc)
	driver := sweep.NewDriver(alloc)
	weakRefs := &orchestrator.WeakRefExtension{
		Barrier: weakref.New(),
		Process: weakSweepExtras(alloc),
	}
	orch := orchestrator.New(registry, driver, scheduler, alloc, cfg, weakRefs)
	return &Collector{orch: orch, registry: registry, alloc: alloc}
}

// weakSweepExtras returns the concurrent weak-ref sweep's process callback:
// for every ExtraData, drop the weak targets isMarked no longer reports as
// live, independent of the owning object's own liveness (spec.md §3's
// ExtraObjectData / §4.B's IsMarked(obj) predicate).
func weakSweepExtras(alloc Allocator) func(isMarked func(*object.Header) bool) {
	return func(isMarked func(*object.Header) bool) {
		unlock := alloc.LockForIter()
		defer unlock()

		alloc.IterateExtras(func(extra *object.ExtraData) bool {
			if len(extra.WeakTargets) == 0 {
				return true
			}
			live := make([]*object.Header, 0, len(extra.WeakTargets))
			for _, target := range extra.WeakTargets {
				if target != nil && isMarked(target) {
					live = append(live, target)
				}
			}
			extra.WeakTargets = live
			return true
		})
	}
}

// Run drives the collector's main loop until ctx is done or Shutdown is
// called. Intended to run on its own dedicated goroutine, spec.md §5's
// "main GC thread is a dedicated OS thread".
func (c *Collector) Run(ctx context.Context) { c.orch.Run(ctx) }

// Shutdown marks the collector terminal, spec.md §7's clean shutdown path.
func (c *Collector) Shutdown() { c.orch.Shutdown() }

// Schedule requests a collection, returning the epoch it was assigned to
// (spec.md §6's schedule()).
func (c *Collector) Schedule() epoch.ID { return c.orch.Schedule() }

// WaitFinished blocks until e's sweep has completed.
func (c *Collector) WaitFinished(ctx context.Context, e epoch.ID) bool {
	return c.orch.WaitFinished(ctx, e)
}

// WaitFinalizers blocks until every finalizer scheduled for e has run.
func (c *Collector) WaitFinalizers(ctx context.Context, e epoch.ID) bool {
	return c.orch.WaitFinalizers(ctx, e)
}

// Reconfigure applies new tunables.
func (c *Collector) Reconfigure(cfg gcconfig.Config) error { return c.orch.Reconfigure(cfg) }

// StartFinalizerThreadIfNeeded / StopFinalizerThreadIfRunning /
// FinalizerThreadIsRunning implement spec.md §6's lifecycle trio.
func (c *Collector) StartFinalizerThreadIfNeeded()  { c.orch.StartFinalizerThreadIfNeeded() }
func (c *Collector) StopFinalizerThreadIfRunning()  { c.orch.StopFinalizerThreadIfRunning() }
func (c *Collector) FinalizerThreadIsRunning() bool { return c.orch.FinalizerThreadIsRunning() }

// IsMarked reports obj's current mark bit, spec.md §6's isMarked(obj).
func (c *Collector) IsMarked(obj *object.Header) bool { return obj.IsMarked() }

// TryRef atomically loads an object reference slot in a way that is safe
// to call concurrently with a running collection: since this collector
// never moves or compacts objects (spec.md §1 Non-goals), a plain atomic
// load already observes either the prior value or a fully-published new
// one — spec.md §6's tryRef(atomic<objPtr>).
func TryRef(slot *stdatomic.Pointer[object.Header]) *object.Header {
	return slot.Load()
}

// Mutator is a registered application thread's GC-facing handle, spec.md
// §4.C's PerMutatorGCState plus the allocation entry points a thread needs.
type Mutator struct {
	state     *mutator.State
	buf       *object.Buffer
	roots     func() []*object.Header
	collector *Collector
}

// RegisterMutator registers a new application thread, spec.md §6's
// onThreadRegistration(). roots is called to produce this thread's current
// root set whenever it (or a GC worker on its behalf) wins the per-epoch
// root-scan race.
func (c *Collector) RegisterMutator(roots func() []*object.Header) *Mutator {
	buf := c.alloc.NewBuffer()
	m := &Mutator{buf: buf, roots: roots, collector: c}
	m.state = c.registry.Register(m, buf, c.orch.Dispatcher(), c.orch.CooperateFlag())
	return m
}

// ScanRoots implements mutator.RootScanner.
func (m *Mutator) ScanRoots() []*object.Header { return m.roots() }

// SafePoint is the only place this thread may be suspended by the
// collector, spec.md §5. Call at compiler-inserted points and before any
// blocking operation.
func (m *Mutator) SafePoint(ctx context.Context) error {
	return m.state.SafePoint(mark.WithMutatorOwnership(ctx))
}

// Deregister removes this thread from the collector, publishing any
// pending allocations first if a collection is mid-STW (spec.md §4.B tie-
// break: "de-registration publishes all roots").
func (m *Mutator) Deregister() { m.collector.registry.Deregister(m.state, m.buf) }

// CreateObject allocates a scalar or struct object into this thread's
// buffer, spec.md §6's createObject(typeInfo).
func (m *Mutator) CreateObject(typ *object.TypeInfo, size uintptr) *object.Header {
	return m.buf.Allocate(typ, size)
}

// CreateArray allocates an array object, spec.md §6's
// createArray(typeInfo, n).
func (m *Mutator) CreateArray(typ *object.TypeInfo, n int, elemSize uintptr) *object.Header {
	return m.buf.Allocate(typ, uintptr(n)*elemSize)
}

// CreateExtraObjectData attaches finalizer/weak-ref side data to obj,
// spec.md §6's createExtraObjectData(obj, typeInfo).
func (m *Mutator) CreateExtraObjectData(obj *object.Header) *object.ExtraData {
	return m.collector.alloc.CreateExtraObjectData(obj)
}

// WaitFinished blocks this mutator until e's sweep has completed. Unlike
// Collector.WaitFinished, this enters native state first (spec.md §5): a
// registered mutator blocking on its own collection must not be counted
// among the threads STW is waiting to park, or a collection with any
// registered mutator would deadlock waiting for itself.
func (m *Mutator) WaitFinished(ctx context.Context, e epoch.ID) bool {
	m.state.EnterNative()
	defer m.state.ExitNative(ctx)
	return m.collector.WaitFinished(ctx, e)
}

// WaitFinalizers is WaitFinished's counterpart for finalizer completion.
func (m *Mutator) WaitFinalizers(ctx context.Context, e epoch.ID) bool {
	m.state.EnterNative()
	defer m.state.ExitNative(ctx)
	return m.collector.WaitFinalizers(ctx, e)
}

// OnOOM implements spec.md §4.C's onOOM(size): synchronously schedules a
// collection and blocks until it finishes.
func (m *Mutator) OnOOM(ctx context.Context, size uintptr) bool {
	return m.state.OnOOM(ctx, size, func() func(context.Context) bool {
		e := m.collector.Schedule()
		return func(waitCtx context.Context) bool { return m.WaitFinished(waitCtx, e) }
	})
}

// Cooperative reports whether this thread entered cooperative marking for
// the current epoch.
func (m *Mutator) Cooperative() bool { return m.state.Cooperative() }
