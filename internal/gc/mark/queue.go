package mark

import (
	"sync/atomic"

	"github.com/jvmusin/pmcs-gc/internal/object"
)

// chunkSize bounds how many references one chunk carries, mirroring the
// teacher's _WorkbufSize (runtime/mgcwork.go): large enough to amortize
// contention on the global stack, small enough to keep latency from a
// work-stealing pop low.
const chunkSize = 256

// chunk is one node of the global lock-free stack: a batch of references
// plus the intrusive link. Ported from runtime/mgcwork.go's workbuf, minus
// the pointer-packing lfnode trick — there is no reason to pack pointers
// into 64 bits to dodge our own GC's attention the way the runtime must;
// we run on a GC'd host and can just use atomic.Pointer.
type chunk struct {
	objs [chunkSize]*object.Header
	n    int
	next atomic.Pointer[chunk]
}

// lockFreeStack is a Treiber stack of chunks, the direct generalization of
// runtime/lfstack.go's lfstack to ordinary Go pointers.
type lockFreeStack struct {
	top atomic.Pointer[chunk]
}

func (s *lockFreeStack) push(c *chunk) {
	for {
		old := s.top.Load()
		c.next.Store(old)
		if s.top.CompareAndSwap(old, c) {
			return
		}
	}
}

func (s *lockFreeStack) pop() *chunk {
	for {
		old := s.top.Load()
		if old == nil {
			return nil
		}
		next := old.next.Load()
		if s.top.CompareAndSwap(old, next) {
			old.next.Store(nil)
			return old
		}
	}
}

func (s *lockFreeStack) empty() bool {
	return s.top.Load() == nil
}

// workQueue is the MarkQueue of spec.md §3: an unordered multiset of
// object references discovered live but not yet field-scanned, built for
// efficient work-stealing among workers. The global full/empty chunk
// stacks are shared; each worker owns a localQueue that buffers into and
// out of them, exactly mirroring runtime/mgcwork.go's gcWork/wbuf1/wbuf2
// hysteresis (one buffer's worth of slack amortizes contention on the
// global stack).
type workQueue struct {
	full  lockFreeStack
	empty lockFreeStack
}

func newWorkQueue() *workQueue {
	return &workQueue{}
}

func (q *workQueue) getEmpty() *chunk {
	if c := q.empty.pop(); c != nil {
		c.n = 0
		return c
	}
	return &chunk{}
}

// putBatch pushes a full set of references directly to the global stack as
// one or more chunks — used for bulk root-scan results, spec.md §4.B step
// 3 ("scans its own stack/TLS roots into the mark queue").
func (q *workQueue) putBatch(refs []*object.Header) {
	for len(refs) > 0 {
		c := q.getEmpty()
		n := copy(c.objs[:], refs)
		c.n = n
		refs = refs[n:]
		q.full.push(c)
	}
}

// isEmpty reports whether the global queue currently holds no work. Does not
// account for work cached in a localQueue — callers combine this with
// termination detection over active workers (dispatcher.go).
func (q *workQueue) isEmpty() bool {
	return q.full.empty()
}

// localQueue is one worker's private producer/consumer handle onto a
// workQueue, the gcWork of spec.md §3/§4.B.
type localQueue struct {
	q          *workQueue
	cur, spare *chunk
}

func newLocalQueue(q *workQueue) *localQueue {
	return &localQueue{q: q, cur: q.getEmpty(), spare: q.getEmpty()}
}

// put enqueues a reference for later field-scanning.
func (l *localQueue) put(h *object.Header) {
	if l.cur.n == chunkSize {
		l.cur, l.spare = l.spare, l.cur
		if l.cur.n == chunkSize {
			l.q.full.push(l.cur)
			l.cur = l.q.getEmpty()
		}
	}
	l.cur.objs[l.cur.n] = h
	l.cur.n++
}

// tryGet dequeues a reference, or returns nil if this worker's local
// buffers and the global queue are both currently empty. Other workers may
// still hold in-flight work, per spec.md §4.B's termination-detection note.
func (l *localQueue) tryGet() *object.Header {
	if l.cur.n == 0 {
		l.cur, l.spare = l.spare, l.cur
		if l.cur.n == 0 {
			if full := l.q.full.pop(); full != nil {
				l.q.empty.push(l.cur)
				l.cur = full
			} else {
				return nil
			}
		}
	}
	l.cur.n--
	h := l.cur.objs[l.cur.n]
	l.cur.objs[l.cur.n] = nil
	return h
}

// dispose flushes any cached references back to the global queue, so a
// worker that is about to stop does not silently drop pending work.
func (l *localQueue) dispose() {
	if l.cur.n > 0 {
		l.q.full.push(l.cur)
	} else {
		l.q.empty.push(l.cur)
	}
	if l.spare.n > 0 {
		l.q.full.push(l.spare)
	} else {
		l.q.empty.push(l.spare)
	}
	l.cur, l.spare = nil, nil
}
