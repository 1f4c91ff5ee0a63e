package object

import "github.com/jvmusin/pmcs-gc/internal/gc/epoch"

// CustomFactory is the Mode B allocator of spec.md §4.D: an allocator that
// exposes its own Sweep routine rather than handing iteration control to a
// generic driver. It reuses Factory's live-set bookkeeping (a real custom
// allocator would instead sweep its own arenas directly) but returns the
// finalizer queue itself, the way spec.md describes
// "allocator.Sweep(epoch) returns a finalizer queue".
type CustomFactory struct {
	*Factory
}

// NewCustomFactory constructs a Mode B allocator.
func NewCustomFactory() *CustomFactory {
	return &CustomFactory{Factory: NewFactory()}
}

// Sweep resets every surviving object's mark bit and reclaims every object
// that was not re-marked this epoch, returning the objects whose
// finalizers must run. Mirrors spec.md §4.D Mode B: "delegate to
// allocator.Sweep(epoch) which returns a finalizer queue".
//
// The epoch argument is accepted for interface symmetry with
// sweep.CustomSweeper; this allocator does not key its own state by epoch.
func (c *CustomFactory) Sweep(epochID epoch.ID) (FinalizerQueue, error) {
	var queue FinalizerQueue

	unlock := c.LockForIter()
	defer unlock()

	var dead []*Header
	c.Iterate(func(h *Header) bool {
		if h.TryResetMark() {
			return true // survivor: mark cleared, stays live
		}
		dead = append(dead, h)
		return true
	})

	for _, h := range dead {
		extra := h.Extra()
		c.Free(h)
		if extra == nil {
			continue
		}
		if extra.HasFinalizer {
			// Handed to the finalizer queue. The entry stays in the
			// ExtraData table: neither this sweep nor the finalizer
			// processor removes it after the finalizer has run.
			queue = append(queue, extra)
			continue
		}
		c.FreeExtra(extra)
	}

	return queue, nil
}
