package taskengine

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Func is the callable a submitter hands to the engine. It is invoked from a
// deferred, process-context worker; errors do not affect the engine's state
// machine (spec.md §7). An ordinary worker logs a returned error at Warn
// level (worker.go) and nothing else acts on it.
type Func func(ctx context.Context) error

// itemKind is the tagged-variant dispatch spec.md §9 calls for instead of an
// inheritance hierarchy: one callable type, a small enum to pick the
// execution-time behavior.
type itemKind uint8

const (
	kindPlain itemKind = iota
	kindDelayed
	kindBarrier
	kindRescueRequeue
)

// listKind names which list (pool worklist or binding inactive_works)
// currently owns a WorkItem's entry — the entry itself is a *list.Element.
// cancel.go's stealFromList reads it to remove the entry from the right
// list. No code sets listScheduled.
type listKind uint8

const (
	listNone listKind = iota
	listWorklist
	listInactive
	listScheduled
)

// WorkItem is a submittable unit: a function plus the compact atomic state
// word described in state.go. entry is the node shared by at most one of
// {binding.inactiveWorks, pool.worklist} at a time, as
// spec.md §3 requires.
type WorkItem struct {
	ID string // uuid, surfaced to logs/traces/metrics labels
	id uint64 // internal monotonic key, used as the busy_hash key

	fn   Func
	kind itemKind

	word word

	entry     *list.Element
	entryList listKind

	// ownerBinding records which binding enqueued this item, guarded by the
	// owning pool's lock. Separate from word.binding(), which is only valid
	// while PENDING is set: this field survives the Pending->Running
	// transition so the worker can route completion accounting and
	// busy_hash/current_binding bookkeeping without re-deriving it from the
	// (by-then-cleared) atomic word.
	ownerBinding *Binding

	// color and activeSlot cache, for the duration of one submission, the
	// values state.go's word can no longer report once clearPendingToRunning
	// has erased them — completion accounting (binding.go) needs to know
	// which color to decrement and whether this item held one of the
	// binding's nr_active slots.
	color      uint8
	activeSlot bool

	// doneMu guards submissionDone, which is replaced on every enqueue and
	// closed by onItemComplete. FlushWork(w) snapshots it and waits on it —
	// the idiomatic-Go stand-in for splicing a barrier item into w's list
	// (see flush.go for the rationale).
	doneMu         sync.Mutex
	submissionDone chan struct{}

	createdAt time.Time

	// delayed-only
	timer *time.Timer
	delay time.Duration

	// barrier-only
	done chan struct{}
}

// NewWorkItem wraps fn as a plain, idle, unqueued work item.
func NewWorkItem(fn Func) *WorkItem {
	w := &WorkItem{
		ID:        newExternalID(),
		id:        nextInternalID(),
		fn:        fn,
		kind:      kindPlain,
		createdAt: time.Now(),
	}
	w.word.initIdle(0)
	return w
}

// newBarrierWork builds the self-completing barrier item used by
// flush_work/flush_wq (§4.5): binding.enqueueAt always treats it as
// immediately runnable, bypassing the max_active gate, so it counts against
// nr_in_flight of its target color without ever claiming an nr_active slot.
func newBarrierWork() *WorkItem {
	done := make(chan struct{})
	w := &WorkItem{
		ID:   newExternalID(),
		id:   nextInternalID(),
		kind: kindBarrier,
		fn: func(ctx context.Context) error {
			close(done)
			return nil
		},
		done:      done,
		createdAt: time.Now(),
	}
	w.word.initIdle(0)
	return w
}

// wait blocks until the barrier has executed.
func (w *WorkItem) wait(ctx context.Context) bool {
	select {
	case <-w.done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *WorkItem) isBarrier() bool { return w.kind == kindBarrier }

// armSubmissionDone installs a fresh completion channel for the submission
// that is about to begin; called by Workqueue.EnqueueOn, after it has
// claimed PENDING and just before Binding.enqueue.
func (w *WorkItem) armSubmissionDone() chan struct{} {
	ch := make(chan struct{})
	w.doneMu.Lock()
	w.submissionDone = ch
	w.doneMu.Unlock()
	return ch
}

func (w *WorkItem) currentSubmissionDone() chan struct{} {
	w.doneMu.Lock()
	defer w.doneMu.Unlock()
	return w.submissionDone
}

func (w *WorkItem) closeSubmissionDone(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
