package taskengine

import "sync/atomic"

// stateBit is a flag packed into a WorkItem's atomic state word.
type stateBit uint64

const (
	bitPending stateBit = 1 << iota
	bitCanceling
	bitInactive
	bitLinked
)

const (
	colorBits  = 4
	colorShift = 4 // above the four flag bits
	colorMask  = uint64(1<<colorBits - 1)

	poolIDShift = colorShift + colorBits
)

// word is the Go realization of spec.md §3/§4.1/§9's single tagged atomic
// `data` word. The kernel packs a binding pointer directly into the spare
// low bits of the word; Go cannot do the equivalent safely, because hiding a
// live heap pointer inside an integer makes it invisible to the garbage
// collector and the pointer can be collected out from under a reader. So the
// tag is split into two atomics that are always written and read together in
// a fixed order: `bits` (flags, color, pool-id — the part that is safe to
// pack into an integer) and `ptr` (the live *Binding reference, tracked by
// the GC). The CAS that matters for the ownership protocol — claiming
// PENDING — is still a single compare-and-swap on `bits`; `ptr` is written
// by the claimant only after it wins that CAS, and readers load `bits`
// before `ptr`. publishQueued stores `ptr` before `bits`, so a reader that
// observes the queued encoding in `bits` also observes its `ptr`; between
// tryClaimPending and publishQueued, PENDING is set while `ptr` is still nil.
type word struct {
	bits atomic.Uint64
	ptr  atomic.Pointer[Binding]
}

func (w *word) initIdle(poolID uint32) {
	w.ptr.Store(nil)
	w.bits.Store(uint64(poolID) << poolIDShift)
}

// tryClaimPending performs the "Claim" step of §4.1: atomically sets
// PENDING. Returns false if some other owner already holds it.
func (w *word) tryClaimPending() bool {
	for {
		old := w.bits.Load()
		if old&uint64(bitPending) != 0 {
			return false
		}
		if w.bits.CompareAndSwap(old, old|uint64(bitPending)) {
			return true
		}
	}
}

// publishQueued performs the "Insert" step: the claimant (already holding
// PENDING) publishes the binding pointer, color, and linked/inactive flags.
// Only the PENDING owner may call this.
func (w *word) publishQueued(b *Binding, color uint8, linked, inactive bool) {
	v := uint64(bitPending) | (uint64(color)&colorMask)<<colorShift
	if linked {
		v |= uint64(bitLinked)
	}
	if inactive {
		v |= uint64(bitInactive)
	}
	w.ptr.Store(b)
	w.bits.Store(v)
}

// setInactive flips the INACTIVE bit without disturbing the rest of the
// word; used when a queued item is demoted/promoted between the binding's
// worklist and inactive_works.
func (w *word) setInactive(inactive bool) {
	for {
		old := w.bits.Load()
		var next uint64
		if inactive {
			next = old | uint64(bitInactive)
		} else {
			next = old &^ uint64(bitInactive)
		}
		if old == next || w.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// clearPendingToRunning performs the "Execute" step: the worker (or rescuer),
// without holding the pool lock, clears PENDING with a store that also stamps
// the owning pool id
// into the high bits. Go's atomic.Uint64.Store is sequentially consistent,
// which is at least as strong as the release/acquire pairing spec.md §4.1
// requires around this transition and the full fence it calls for between
// PENDING-clear and invoking fn.
func (w *word) clearPendingToRunning(poolID uint32) {
	w.ptr.Store(nil)
	w.bits.Store(uint64(poolID) << poolIDShift)
}

// clearToIdle performs the "Running -> Idle" transition after fn returns.
func (w *word) clearToIdle(poolID uint32) {
	w.ptr.Store(nil)
	w.bits.Store(uint64(poolID) << poolIDShift)
}

// publishIdleOwned republishes an Idle-shaped encoding while the caller
// still holds PENDING (the "stolen-from-queue" step of cancel_work_sync in
// §4.5): the item is off every list, but ownership has not been released
// yet, so PENDING stays set.
func (w *word) publishIdleOwned(poolID uint32) {
	w.ptr.Store(nil)
	w.bits.Store(uint64(poolID)<<poolIDShift | uint64(bitPending))
}

// stampCanceling sets CANCELING; returns false if it was already set.
func (w *word) stampCanceling() bool {
	for {
		old := w.bits.Load()
		if old&uint64(bitCanceling) != 0 {
			return false
		}
		if w.bits.CompareAndSwap(old, old|uint64(bitCanceling)) {
			return true
		}
	}
}

// clearCanceling backs out a CANCELING stamp after losing the race to steal
// w off its list (a worker already picked it up and it is now Running).
func (w *word) clearCanceling() {
	for {
		old := w.bits.Load()
		next := old &^ uint64(bitCanceling)
		if old == next || w.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// releaseFully fully clears the word to an unowned Idle encoding: PENDING,
// CANCELING, LINKED, and INACTIVE all cleared. CancelWork (cancel.go) calls
// it after stealing an item off its list, and EnqueueAfter (workqueue.go)
// after arming its timer; it only rewrites the word and wakes no waiter.
func (w *word) releaseFully(poolID uint32) {
	w.ptr.Store(nil)
	w.bits.Store(uint64(poolID) << poolIDShift)
}

func (w *word) isPending() bool {
	return w.bits.Load()&uint64(bitPending) != 0
}

func (w *word) isCanceling() bool {
	return w.bits.Load()&uint64(bitCanceling) != 0
}

func (w *word) isInactive() bool {
	return w.bits.Load()&uint64(bitInactive) != 0
}

func (w *word) isLinked() bool {
	return w.bits.Load()&uint64(bitLinked) != 0
}

func (w *word) color() uint8 {
	return uint8((w.bits.Load() >> colorShift) & colorMask)
}

func (w *word) poolID() uint32 {
	return uint32(w.bits.Load() >> poolIDShift)
}

// binding returns the owning binding while PENDING is set. The zero value
// (nil) is returned once the item has transitioned to Running or Idle.
func (w *word) binding() *Binding {
	return w.ptr.Load()
}
