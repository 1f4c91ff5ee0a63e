package object

// ExtraData is the side-table entry spec.md §3 attaches to some objects for
// finalization or weak associations. It is swept independently of its base
// object: if the base is unmarked, the extra data is discarded, unless it
// carries a finalizer, in which case it is handed to the finalizer queue.
type ExtraData struct {
	Base *Header

	// HasFinalizer and Finalizer implement the finalizable-object path of
	// spec.md §4.D: an unmarked object with a finalizer is moved to the
	// finalizer queue instead of being freed outright.
	HasFinalizer bool
	Finalizer    func()

	// StrongTargets holds objects this entry strongly references — the
	// outgoing edges TypeInfo.Refs reports to the marker. Kept separate
	// from WeakTargets below: the two are swept by entirely different
	// mechanisms (TryMark/TryResetMark vs. the concurrent weak-ref sweep's
	// IsMarked predicate) and conflating them would let a "weak" reference
	// silently keep its target alive.
	StrongTargets []*Header

	// WeakTargets holds objects this entry weakly references; the
	// concurrent weak-ref sweep path (spec.md §4.B) clears entries whose
	// target is unmarked via IsMarked, independent of the owning object's
	// own liveness. Never contributes to the marker's traversal.
	WeakTargets []*Header
}

// FinalizerQueue is the batch of objects whose finalizers must still run
// for one epoch — spec.md's GLOSSARY "Finalizer queue", handed from the
// sweep driver to the finalizer processor.
type FinalizerQueue []*ExtraData
