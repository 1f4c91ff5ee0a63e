// Package sweep implements the concurrent sweep phase of spec.md §4.D: once
// marking ends, reclaim every unmarked object and hand finalizable ones off
// to the finalizer queue, running concurrently with resumed mutators.
package sweep

import (
	"github.com/jvmusin/pmcs-gc/internal/gc/epoch"
	"github.com/jvmusin/pmcs-gc/internal/gclog"
	"github.com/jvmusin/pmcs-gc/internal/object"
)

var log = gclog.For("sweep")

// Allocator is the generic (Mode A) allocator interface spec.md §4.D
// requires: an iterable live set guarded by an iteration lock, satisfied by
// internal/object.Factory.
type Allocator interface {
	LockForIter() func()
	Iterate(visit func(*object.Header) bool)
	IterateExtras(visit func(*object.ExtraData) bool)
	Free(h *object.Header)
	FreeExtra(e *object.ExtraData)
}

// CustomSweeper is the Mode B allocator interface spec.md §4.D describes:
// an allocator that owns its own sweep routine entirely, handing back only
// the resulting finalizer queue. Satisfied by internal/object.CustomFactory.
type CustomSweeper interface {
	Sweep(e epoch.ID) (object.FinalizerQueue, error)
}

// Driver performs one epoch's sweep pass, returning the objects whose
// finalizers must now run.
type Driver interface {
	Sweep(e epoch.ID) (object.FinalizerQueue, error)
}

// NewDriver inspects alloc and returns whichever Driver implementation
// fits: CustomDriver if alloc additionally satisfies CustomSweeper (Mode
// B), GenericDriver otherwise (Mode A). The assertion happens exactly once,
// at construction time — spec.md §4.D's "do not attempt runtime dispatch
// between allocator modes inside the sweep loop itself" — every call after
// this one resolves to a concrete, non-interface-asserting method.
func NewDriver(alloc Allocator) Driver {
	if custom, ok := alloc.(CustomSweeper); ok {
		return &CustomDriver{sweeper: custom}
	}
	return &GenericDriver{alloc: alloc}
}

// GenericDriver implements Mode A: the driver itself walks the allocator's
// live set, freeing unmarked objects and queuing finalizable ones.
// Grounded on the teacher's mspan sweep loop (runtime/mheap.go): hold the
// iteration lock for the whole pass, walk linearly, reclaim in place.
type GenericDriver struct {
	alloc Allocator
}

// Sweep implements Driver for Mode A.
func (d *GenericDriver) Sweep(e epoch.ID) (object.FinalizerQueue, error) {
	unlock := d.alloc.LockForIter()
	defer unlock()

	var dead []*object.Header
	d.alloc.Iterate(func(h *object.Header) bool {
		if h.TryResetMark() {
			return true
		}
		dead = append(dead, h)
		return true
	})

	deadSet := make(map[*object.Header]struct{}, len(dead))
	for _, h := range dead {
		deadSet[h] = struct{}{}
	}

	var queue object.FinalizerQueue
	var droppedExtras []*object.ExtraData
	d.alloc.IterateExtras(func(extra *object.ExtraData) bool {
		if _, baseDead := deadSet[extra.Base]; !baseDead {
			return true
		}
		if extra.HasFinalizer {
			queue = append(queue, extra)
		} else {
			droppedExtras = append(droppedExtras, extra)
		}
		return true
	})

	for _, h := range dead {
		d.alloc.Free(h)
	}
	for _, extra := range droppedExtras {
		d.alloc.FreeExtra(extra)
	}

	log.WithField("epoch", uint64(e)).
		WithField("reclaimed", len(dead)).
		WithField("finalizable", len(queue)).
		Debug("generic sweep complete")
	return queue, nil
}

// CustomDriver implements Mode B: sweep is fully delegated to the
// allocator's own Sweep method, spec.md §4.D's "custom allocator owns its
// own reclamation, the driver just forwards the call and the result".
type CustomDriver struct {
	sweeper CustomSweeper
}

// Sweep implements Driver for Mode B.
func (d *CustomDriver) Sweep(e epoch.ID) (object.FinalizerQueue, error) {
	queue, err := d.sweeper.Sweep(e)
	if err != nil {
		return nil, err
	}
	log.WithField("epoch", uint64(e)).
		WithField("finalizable", len(queue)).
		Debug("custom sweep complete")
	return queue, nil
}
