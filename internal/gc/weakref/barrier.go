// Package weakref is a minimal stand-in for the weak-reference barrier
// module spec.md §1 places out of scope for the collector core ("weak-
// reference barriers (external module toggled during concurrent phases)").
// It exists so the optional concurrent weak-ref sweep path
// (internal/gc/mark.Dispatcher.RunConcurrentWeakSweep) has a real
// EnableWeakRefBarriers/DisableWeakRefBarriers collaborator to exercise,
// the same way internal/object stands in for the out-of-scope allocator.
package weakref

import (
	"go.uber.org/atomic"

	"github.com/jvmusin/pmcs-gc/internal/gc/epoch"
)

// Barrier tracks whether weak-ref reads are currently barriered for a given
// epoch. A real barrier module would intercept every weak-pointer read
// while enabled and route dereferences through it; this stand-in only
// tracks the on/off state the dispatcher toggles, since the actual weak-
// pointer read path is outside this core's scope.
type Barrier struct {
	enabled atomic.Bool
	epoch   atomic.Uint64
}

// New constructs a disabled barrier.
func New() *Barrier {
	return &Barrier{}
}

// EnableWeakRefBarriers implements mark.WeakRefBarrier.
func (b *Barrier) EnableWeakRefBarriers(e epoch.ID) {
	b.epoch.Store(uint64(e))
	b.enabled.Store(true)
}

// DisableWeakRefBarriers implements mark.WeakRefBarrier.
func (b *Barrier) DisableWeakRefBarriers() {
	b.enabled.Store(false)
}

// Enabled reports whether barriers are currently active, for tests and
// diagnostics.
func (b *Barrier) Enabled() bool { return b.enabled.Load() }
