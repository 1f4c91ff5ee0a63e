// Package object stands in for the allocator and type-info system spec.md
// §1 places out of scope for the collector core: it produces objects,
// supplies an iterable live set for sweeping, and carries the one mark bit
// per object the marker CAS's. Nothing here is part of the collector; it
// exists so the collector in internal/gc is exercisable end to end.
package object

import "sync/atomic"

// Kind distinguishes the three shapes the marker's field-walk needs to
// special-case, mirroring spec.md §4.B's processObjectInMark /
// processArrayInMark / processFieldInMark split. The split is expressed
// here as one TypeInfo.Refs callback rather than three marker functions:
// the external type-info system (spec.md §1) is what would normally decide
// how to walk a given Kind, so the marker itself stays kind-agnostic.
type Kind uint8

const (
	KindScalar Kind = iota
	KindArray
	KindStruct
)

// TypeInfo is the minimal stand-in for the "type-info system" spec.md §1
// excludes from the core: given an object, it tells the marker which other
// objects it points to right now.
type TypeInfo struct {
	Name string
	Kind Kind

	// Refs returns the live outgoing references from obj at scan time.
	// May be nil for types with no outgoing references (e.g. leaf scalars).
	Refs func(obj *Header) []*Header
}

// Header is the per-object control block the collector core relies on:
// one CAS-settable mark bit, plus a side-table slot for ExtraData.
type Header struct {
	typ  *TypeInfo
	size uintptr

	// marked is spec.md §3's "one mark bit, CAS-settable", widened to a
	// uint32 because Go's atomic package has no single-bit CAS.
	marked atomic.Uint32

	extra atomic.Pointer[ExtraData]
}

func newHeader(typ *TypeInfo, size uintptr) *Header {
	return &Header{typ: typ, size: size}
}

// Type returns the object's type info, or nil for untyped test fixtures.
func (h *Header) Type() *TypeInfo { return h.typ }

// Size reports the allocation size in bytes, used for allocatedBytes
// bookkeeping (spec.md §6, onGCFinish(epoch, bytes)).
func (h *Header) Size() uintptr { return h.size }

// TryMark sets the mark bit and reports whether it was previously clear,
// exactly as spec.md §3 defines tryMark().
func (h *Header) TryMark() bool {
	return h.marked.CompareAndSwap(0, 1)
}

// TryResetMark clears the mark bit and reports whether the object was
// previously marked — the liveness query used by sweep, spec.md §3.
func (h *Header) TryResetMark() bool {
	return h.marked.CompareAndSwap(1, 0)
}

// IsMarked reports the current mark state without mutating it. Used by
// the concurrent weak-ref sweep's IsMarked(obj) predicate, spec.md §4.B.
func (h *Header) IsMarked() bool {
	return h.marked.Load() == 1
}

// Extra returns the object's ExtraObjectData, or nil if it has none.
func (h *Header) Extra() *ExtraData { return h.extra.Load() }

func (h *Header) setExtra(e *ExtraData) { h.extra.Store(e) }

// Scan visits every live outgoing reference from h, pushing each to push.
// It is the one call site the mark dispatcher uses for
// processObjectInMark / processArrayInMark / processFieldInMark alike.
func Scan(h *Header, push func(*Header)) {
	if h == nil || h.typ == nil || h.typ.Refs == nil {
		return
	}
	for _, child := range h.typ.Refs(h) {
		if child != nil {
			push(child)
		}
	}
}
