package taskengine

import "sync"

// cancelWaiters is the keyed wait-queue of spec.md §4.5: when two callers
// race to cancel-sync the same WorkItem, only one wins the CANCELING stamp;
// the rest park on a channel keyed by the item's internal id until the
// winner finishes, then all observe the same final outcome.
type cancelWaiters struct {
	mu      sync.Mutex
	waiting map[uint64]chan struct{}
}

func newCancelWaiters() *cancelWaiters {
	return &cancelWaiters{waiting: make(map[uint64]chan struct{})}
}

// claim returns (ch, true) if the caller is first and must do the work of
// driving the cancel to completion and later call release; it returns
// (ch, false) if another caller already claimed it, in which case ch is
// closed once that caller releases.
func (cw *cancelWaiters) claim(id uint64) (chan struct{}, bool) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if ch, ok := cw.waiting[id]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	cw.waiting[id] = ch
	return ch, true
}

func (cw *cancelWaiters) release(id uint64, ch chan struct{}) {
	cw.mu.Lock()
	delete(cw.waiting, id)
	cw.mu.Unlock()
	close(ch)
}

// CancelWork implements spec.md §4.5's cancel_work: a non-blocking attempt
// that only succeeds if w is currently idle-and-queued (either sitting on a
// binding's inactive_works or a pool's worklist, not yet picked up by a
// worker). Returns true iff it stamped CANCELING and released w back to
// Idle; false if w was already running, already idle, or already being
// cancelled by someone else.
func CancelWork(w *WorkItem) bool {
	b := w.word.binding()
	if b == nil {
		return false // not pending, or already past the claim into Running
	}
	if !w.word.stampCanceling() {
		return false // someone else is already cancelling
	}

	stolen := b.stealFromList(w)
	if !stolen {
		// Lost the race to a worker that just picked w up off the worklist;
		// it is now Running and must run to completion. Back off.
		w.word.clearCanceling()
		return false
	}

	b.onItemComplete(w)
	w.timer = nil
	poolID := w.word.poolID()
	w.word.releaseFully(poolID)
	return true
}

// CancelWorkSync implements cancel_work_sync: like CancelWork, but if w is
// already Running it waits for that execution to finish (via FlushWork)
// before returning, and if w is pending-but-stolen by a worker it also
// waits rather than failing. Safe to call concurrently on the same item —
// later callers queue behind the first via cancelWaiters.
func (mgr *Manager) CancelWorkSync(w *WorkItem) bool {
	ch, first := mgr.cancelWaiters.claim(w.id)
	if !first {
		<-ch
		return !w.word.isPending()
	}
	defer mgr.cancelWaiters.release(w.id, ch)

	// A delayed item sits Idle with a live timer between EnqueueAfter and
	// the timer firing (EnqueueAfter releases PENDING immediately; the
	// timer's own Enqueue call re-claims it). Stop it first: if Stop
	// reports it was still pending, the future enqueue is cancelled
	// outright and there is nothing further to wait on.
	stoppedTimer := false
	if w.timer != nil {
		stoppedTimer = w.timer.Stop()
	}

	if CancelWork(w) {
		return true
	}

	if stoppedTimer {
		return true
	}

	// PENDING is already clear once a worker has picked w up for execution
	// (clearPendingToRunning), so it cannot distinguish "Running" from
	// "never queued" the way it distinguishes "queued" from everything
	// else. The per-submission completion channel can: it is armed on
	// every enqueue and stays open for exactly as long as a submission is
	// in flight (queued or running), so its state is what tells us whether
	// there is anything left to wait for.
	submission := w.currentSubmissionDone()
	if submission == nil {
		return false // never submitted
	}
	select {
	case <-submission:
		return false // already finished before this call observed it
	default:
	}

	FlushWork(w)
	return true
}

// stealFromList removes w from whichever list currently holds it
// (inactive_works or the pool worklist) while it is still PENDING but not
// yet Running. Returns false if a worker already raced it off the list.
func (b *Binding) stealFromList(w *WorkItem) bool {
	switch {
	case w.entryList == listInactive:
		b.mu.Lock()
		if w.entryList != listInactive {
			b.mu.Unlock()
			return false
		}
		b.inactiveWorks.Remove(w.entry)
		w.entry = nil
		w.entryList = listNone
		b.mu.Unlock()
		return true
	case w.entryList == listWorklist:
		b.pool.mu.Lock()
		if w.entryList != listWorklist {
			b.pool.mu.Unlock()
			return false
		}
		b.pool.worklist.Remove(w.entry)
		w.entry = nil
		w.entryList = listNone
		b.pool.mu.Unlock()
		return true
	default:
		return false
	}
}
