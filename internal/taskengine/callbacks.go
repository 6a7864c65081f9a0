package taskengine

import (
	"context"
	"time"
)

// Host-scheduler callbacks consumed by the engine (spec.md §4.2/§6). In a
// real kernel these are invoked by the host scheduler itself; userspace has
// no such hook. pool.go's own sleepLocked/wakeLocked cover the idle<->busy
// transition around pool.fetchWork directly (a worker with no work to fetch
// is unambiguously not running), a per-worker time.Ticker drives OnTick at
// Tunables.TickInterval, and Blocking below is how a Func itself reports
// the one transition the engine cannot observe on its own: blocking inside
// user code. sleepLocked/wakeLocked hold the nr_running bookkeeping for
// sleep and wake; the CPU_INTENSIVE transitions (set in OnTick, cleared in
// Worker.execute) are the only other places that adjust it.

// OnSleep is invoked when a busy worker is about to block. It decrements
// nr_running; if the worklist is nonempty and nr_running reached zero, it
// wakes one idle worker and, if none exists and no manager is already on
// it, starts one — a worker blocking mid-execution leaves the pool exactly
// as stalled as one that never started, so it gets the same gating
// pushWorklist uses.
func (p *Pool) OnSleep(w *Worker) {
	p.mu.Lock()
	p.sleepLocked(w)
	needsManager := false
	if p.worklist.Len() > 0 && p.nrRunning == 0 {
		p.cond.Signal()
		needsManager = !p.managerActive
		if needsManager {
			p.managerActive = true
		}
	}
	p.mu.Unlock()

	if needsManager {
		go p.manageLoop()
	}
}

// OnWake is invoked when a worker resumes. It increments nr_running unless
// the worker carries any NOT_RUNNING flag.
func (p *Pool) OnWake(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakeLocked(w)
}

// OnTick is invoked periodically for the worker currently executing work. If
// it has been on-CPU longer than Tunables.CPUIntensiveThreshold since its
// current work began, it sets CPU_INTENSIVE, which folds it out of
// nr_running and wakes an idle worker to keep the pool's concurrency moving;
// if that leaves no worker running and no manager is active, it starts one,
// with the same gating OnSleep uses.
//
// The tick and sleep paths are reconciled by checking w.sleeping under the
// pool lock before decrementing — both transitions are gated by the single
// w.sleeping flag, so they can never both decrement nr_running for the same
// quiescence (spec.md §9's open question).
func (p *Pool) OnTick(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.sleeping || w.flags.has(flagCPUIntensive) || w.currentWork == nil {
		return
	}
	if time.Since(w.currentStart) < p.tunables.CPUIntensiveThreshold {
		return
	}
	w.flags.set(flagCPUIntensive)
	p.nrRunning--
	if p.worklist.Len() > 0 {
		p.cond.Signal()
		if p.nrRunning == 0 && !p.managerActive {
			p.managerActive = true
			go p.manageLoop()
		}
	}
}

// Blocking wraps a call a work item's Func makes that may block for a
// while — a network read, a channel receive, a lock acquisition — so the
// owning pool's nr_running stays accurate around it: spec.md §4.2 only
// promises bounded per-CPU concurrency because a worker reports when it
// parks, the same way a kernel worker thread's io_schedule does. Call it
// around exactly the blocking operation, not the whole Func. Outside
// ordinary worker execution — the rescuer, or a Func invoked directly in a
// test — ctx carries no worker and fn just runs with no bookkeeping,
// matching the rescuer's documented exemption from nr_running accounting
// (rescue.go).
func Blocking(ctx context.Context, fn func() error) error {
	w, ok := ctx.Value(workerContextKey{}).(*Worker)
	if !ok {
		return fn()
	}
	w.pool.OnSleep(w)
	defer w.pool.OnWake(w)
	return fn()
}
