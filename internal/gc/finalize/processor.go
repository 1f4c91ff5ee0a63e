// Package finalize implements the finalizer processor of spec.md §4's
// finalization pipeline: a single background goroutine draining a FIFO
// queue of finalizable objects, isolated from mutators and from the
// collector's own mark/sweep goroutines.
//
// Grounded on the teacher's single finalizer goroutine (runtime/mfinal.go's
// runfinq, reached transitively from proc.go's background-goroutine
// bootstrapping): one goroutine, parked on empty, woken on enqueue, with
// each finalizer call wrapped so a panicking finalizer cannot take the
// whole processor down.
package finalize

import (
	"sync"

	"github.com/jvmusin/pmcs-gc/internal/gc/epoch"
	"github.com/jvmusin/pmcs-gc/internal/gclog"
	"github.com/jvmusin/pmcs-gc/internal/object"
)

var log = gclog.For("finalize")

// task is one queued unit of finalizer work: the epoch it was produced by
// (so Processor can report completion back to the epoch machine once its
// whole batch has run) and the extras whose Finalizer must be invoked.
type task struct {
	epoch   epoch.ID
	entries object.FinalizerQueue
}

// EpochNotifier is the subset of epoch.Machine the processor needs: to
// announce that every finalizer queued for e has now run.
type EpochNotifier interface {
	Finalized(e epoch.ID)
}

// Processor runs queued finalizers on a single dedicated goroutine, spec.md
// §4's isolation requirement: finalizers never run on a mark/sweep worker
// or a mutator thread.
type Processor struct {
	notifier EpochNotifier

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []task
	running bool
	stopped bool
}

// NewProcessor constructs a Processor that reports completions to notifier.
func NewProcessor(notifier EpochNotifier) *Processor {
	p := &Processor{notifier: notifier}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// ScheduleTasks enqueues one epoch's finalizer batch, spec.md §4.D's handoff
// from the sweep driver. A no-op if entries is empty, except that it still
// announces completion immediately since there is nothing to wait for.
func (p *Processor) ScheduleTasks(e epoch.ID, entries object.FinalizerQueue) {
	if len(entries) == 0 {
		p.notifier.Finalized(e)
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, task{epoch: e, entries: entries})
	p.cond.Broadcast()
	p.mu.Unlock()
}

// StartFinalizerThreadIfNone starts the background goroutine if it is not
// already running; it then keeps running until StopFinalizerThread. The
// orchestrator calls it after every collection, whether or not that
// collection found finalizable objects.
func (p *Processor) StartFinalizerThreadIfNone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopped = false
	go p.loop()
}

// StopFinalizerThread asks the background goroutine to exit once its
// current queue drains, and blocks until it has.
func (p *Processor) StopFinalizerThread() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cond.Broadcast()
	for p.running {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// IsRunning reports whether the background goroutine is currently started.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Processor) loop() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.stopped {
			p.running = false
			p.cond.Broadcast()
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.runBatch(t)
	}
}

// runBatch invokes every finalizer in t, isolating each call so a single
// panicking finalizer neither kills the processor goroutine nor blocks the
// rest of the batch.
func (p *Processor) runBatch(t task) {
	for _, extra := range t.entries {
		p.runOne(extra)
	}
	p.notifier.Finalized(t.epoch)
	log.WithField("epoch", uint64(t.epoch)).
		WithField("count", len(t.entries)).
		Debug("finalizer batch complete")
}

func (p *Processor) runOne(extra *object.ExtraData) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("recover", r).Error("finalizer panicked")
		}
	}()
	if extra.Finalizer != nil {
		extra.Finalizer()
	}
}
