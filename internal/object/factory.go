package object

import (
	"sync"
	"sync/atomic"
)

// Factory is the generic (Mode A) allocator of spec.md §4.D: it owns the
// global live set directly and exposes the iteration lock the sweep driver
// holds for the duration of one sweep pass. Per-mutator allocations flow through a Buffer (the thread-local
// allocation buffer, spec.md §4.C publishObjectFactory) and only become
// visible to Iterate once Publish is called.
type Factory struct {
	mu   sync.Mutex
	live map[*Header]struct{}

	extraMu sync.Mutex
	extras  map[*ExtraData]struct{}

	allocatedBytes atomic.Int64

	// iter is the object-factory iteration lock. The sweep drivers take
	// it at the start of Sweep, after mutators have been resumed, and hold
	// it until the pass ends. Publishing (Buffer.Publish) does not take
	// it, so the lock does not by itself keep a mutator from publishing
	// while a sweep runs.
	iter sync.RWMutex
}

// NewFactory constructs an empty generic allocator.
func NewFactory() *Factory {
	return &Factory{
		live:   make(map[*Header]struct{}),
		extras: make(map[*ExtraData]struct{}),
	}
}

// CreateObject allocates a scalar or struct object directly into the global
// live set (bypassing any TLAB) — used for roots and test fixtures that
// must be visible without an explicit Publish.
func (f *Factory) CreateObject(typ *TypeInfo, size uintptr) *Header {
	h := newHeader(typ, size)
	f.mu.Lock()
	f.live[h] = struct{}{}
	f.mu.Unlock()
	f.allocatedBytes.Add(int64(size))
	return h
}

// CreateArray allocates an array object of n elements of elemSize bytes
// each, per spec.md §6's createArray(typeInfo, n).
func (f *Factory) CreateArray(typ *TypeInfo, n int, elemSize uintptr) *Header {
	return f.CreateObject(typ, uintptr(n)*elemSize)
}

// CreateExtraObjectData attaches a fresh ExtraData to obj, per spec.md §6's
// createExtraObjectData(obj, typeInfo).
func (f *Factory) CreateExtraObjectData(obj *Header) *ExtraData {
	e := &ExtraData{Base: obj}
	obj.setExtra(e)
	f.extraMu.Lock()
	f.extras[e] = struct{}{}
	f.extraMu.Unlock()
	return e
}

// AllocatedBytes reports total bytes allocated since construction, the
// value threaded into onGCFinish(epoch, allocatedBytes) (spec.md §6).
func (f *Factory) AllocatedBytes() int64 {
	return f.allocatedBytes.Load()
}

// LockForIter acquires the iteration lock, returning an unlock function.
// Implements spec.md §6's thread-registry-adjacent allocator collaborator
// interface LockForIter().
func (f *Factory) LockForIter() func() {
	f.iter.Lock()
	return f.iter.Unlock
}

// Iterate walks a snapshot of the live set, calling visit once per object
// until visit returns false. Caller must hold LockForIter.
func (f *Factory) Iterate(visit func(*Header) bool) {
	f.mu.Lock()
	snapshot := make([]*Header, 0, len(f.live))
	for h := range f.live {
		snapshot = append(snapshot, h)
	}
	f.mu.Unlock()

	for _, h := range snapshot {
		if !visit(h) {
			return
		}
	}
}

// IterateExtras walks a snapshot of all ExtraData, independent of their
// base object's liveness — spec.md §4.D "separately iterate
// ExtraObjectData, dropping entries whose base object is dead".
func (f *Factory) IterateExtras(visit func(*ExtraData) bool) {
	f.extraMu.Lock()
	snapshot := make([]*ExtraData, 0, len(f.extras))
	for e := range f.extras {
		snapshot = append(snapshot, e)
	}
	f.extraMu.Unlock()

	for _, e := range snapshot {
		if !visit(e) {
			return
		}
	}
}

// Free removes h from the live set, reclaiming it. Called by the sweep
// driver for objects that were not re-marked this epoch.
func (f *Factory) Free(h *Header) {
	f.mu.Lock()
	delete(f.live, h)
	f.mu.Unlock()
}

// FreeExtra drops e from the ExtraData table.
func (f *Factory) FreeExtra(e *ExtraData) {
	f.extraMu.Lock()
	delete(f.extras, e)
	f.extraMu.Unlock()
}

// publish directly admits pending into the live set. Shared by Buffer.
func (f *Factory) publish(pending []*Header) {
	if len(pending) == 0 {
		return
	}
	f.mu.Lock()
	for _, h := range pending {
		f.live[h] = struct{}{}
	}
	f.mu.Unlock()
}

// Buffer is a mutator's thread-local allocation buffer (TLAB) stand-in.
// Objects allocated through a Buffer are invisible to Iterate until
// Publish flushes them — the mechanism spec.md §4.D's invariant relies on:
// "newly allocated objects are... excluded from this epoch's sweep
// iteration set" until published.
type Buffer struct {
	factory *Factory

	mu      sync.Mutex
	pending []*Header
}

// NewBuffer allocates a fresh TLAB bound to f.
func (f *Factory) NewBuffer() *Buffer {
	return &Buffer{factory: f}
}

// Allocate creates a new object in this buffer, deferring its visibility
// to the global live set until Publish is called.
func (b *Buffer) Allocate(typ *TypeInfo, size uintptr) *Header {
	h := newHeader(typ, size)
	b.mu.Lock()
	b.pending = append(b.pending, h)
	b.mu.Unlock()
	b.factory.allocatedBytes.Add(int64(size))
	return h
}

// Publish flushes this buffer's pending allocations into the shared pool,
// implementing mutator.ObjectPublisher and spec.md §4.C's
// publishObjectFactory().
func (b *Buffer) Publish() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	b.factory.publish(pending)
}
