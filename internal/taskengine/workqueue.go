package taskengine

import (
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Flags is the uint32 bitset of spec.md §6's alloc_wq flags.
type Flags uint32

const (
	FlagUnbound Flags = 1 << iota
	FlagHighPri
	FlagCPUIntensive
	FlagMemReclaim
	FlagFreezable
	FlagOrdered
	// FlagPowerEfficient and FlagSysfs are accepted and recorded but
	// behaviorally inert: both name admin/power concerns spec.md §1 places
	// out of scope for the core. A caller may still pass them without error
	// (SPEC_FULL.md §6, §10).
	FlagPowerEfficient
	FlagSysfs
)

type wqLifecycle uint8

const (
	wqActive wqLifecycle = iota
	wqDraining
	wqDestroying
	wqFreed
)

// Workqueue is the C5 component of spec.md §3: the externally named queue
// that fans incoming work out to per-CPU/affinity bindings, and owns the
// flush protocol and optional rescuer.
type Workqueue struct {
	name  string
	flags Flags

	savedMaxActive int

	mu          sync.Mutex
	perCPU      []*Binding // indexed by CPU id, every entry created by Alloc
	unboundDef  *Binding   // the default binding for unbound/ordered workqueues
	workColor   uint8
	lifecycle   wqLifecycle
	destroyOnce sync.Once

	// flushing/flushDone implement spec.md §4.4's first-flusher coalescing:
	// while a flush is in progress, a concurrent Flush call parks on
	// flushDone instead of capturing its own color, so N overlapping
	// flushes observe the same in-flight epoch complete rather than racing
	// ahead to distinct colors. A parked call runs one more flush afterwards
	// only if work of the newer color was in flight when it arrived.
	flushing  bool
	flushDone chan struct{}

	rescuer  *rescuer
	maydayCh chan *Binding

	mgr *Manager

	logger  Logger
	metrics *engineMetrics
	tracer  trace.Tracer
}

// Option configures a Workqueue at Alloc time.
type Option func(*Workqueue)

// WithLogger overrides the workqueue's logger (default: the Manager's).
func WithLogger(l Logger) Option {
	return func(wq *Workqueue) { wq.logger = l }
}

// Alloc creates a new workqueue, per spec.md §6's alloc_wq. Ordered
// workqueues force maxActive to 1 on a single binding, matching "ORDERED
// unbound workqueues run at most one work item at a time globally" (spec.md
// §5 guarantee 2).
func Alloc(mgr *Manager, name string, flags Flags, maxActive int, opts ...Option) (*Workqueue, error) {
	if flags&FlagOrdered != 0 {
		flags |= FlagUnbound
		maxActive = 1
	}
	if maxActive <= 0 {
		maxActive = mgr.tunables.MaxActive
	}
	if maxActive > maxMaxActive {
		maxActive = maxMaxActive
	}

	wq := &Workqueue{
		name:           name,
		flags:          flags,
		savedMaxActive: maxActive,
		mgr:            mgr,
		logger:         mgr.logger,
		metrics:        mgr.metrics,
		tracer:         mgr.tracer,
	}
	for _, o := range opts {
		o(wq)
	}

	if flags&FlagMemReclaim != 0 {
		wq.maydayCh = make(chan *Binding, 64)
		wq.rescuer = newRescuer(wq)
		wq.rescuer.start()
	}

	if flags&FlagUnbound == 0 {
		wq.perCPU = make([]*Binding, mgr.numCPU)
		for i := range wq.perCPU {
			pool := mgr.perCPUPool(i, flags&FlagHighPri != 0, flags&FlagCPUIntensive != 0)
			wq.perCPU[i] = newBinding(wq, pool, i, maxActive)
		}
	} else {
		attrs := PoolAttrs{
			AffinityScope: mgr.tunables.AffinityScope,
			HighPri:       flags&FlagHighPri != 0,
			CPUIntensive:  flags&FlagCPUIntensive != 0,
		}
		pool := mgr.unboundPool(attrs)
		wq.unboundDef = newBinding(wq, pool, -1, maxActive)
	}

	mgr.registerWorkqueue(wq)
	if wq.logger != nil {
		wq.logger.Info("workqueue allocated", "name", name, "flags", flags, "max_active", maxActive)
	}
	return wq, nil
}

func (wq *Workqueue) currentColor() uint8 {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.workColor
}

// bindingFor picks the binding a work item routes to: the per-CPU binding
// for cpu (clamped to the vector's range, falling back to binding 0 for an
// out-of-range or negative cpu on a non-unbound queue) or the default
// unbound binding.
func (wq *Workqueue) bindingFor(cpu int) *Binding {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if wq.unboundDef != nil {
		return wq.unboundDef
	}
	if cpu < 0 || cpu >= len(wq.perCPU) {
		cpu = 0
	}
	return wq.perCPU[cpu]
}

// allBindings returns a snapshot of every binding this workqueue owns.
func (wq *Workqueue) allBindings() []*Binding {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if wq.unboundDef != nil {
		return []*Binding{wq.unboundDef}
	}
	out := make([]*Binding, 0, len(wq.perCPU))
	for _, b := range wq.perCPU {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// isDraining reports whether wq has left the active state (draining,
// destroying or destroyed); EnqueueOn rejects new work in all of them.
func (wq *Workqueue) isDraining() bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.lifecycle != wqActive
}

// Enqueue performs spec.md §6's enqueue(wq, work): returns true iff this
// call claimed PENDING and scheduled the work; false if the item was already
// pending or the workqueue is no longer active.
func (wq *Workqueue) Enqueue(w *WorkItem) bool {
	return wq.EnqueueOn(-1, w)
}

// EnqueueOn targets a specific CPU binding (spec.md §6's enqueue_on).
func (wq *Workqueue) EnqueueOn(cpu int, w *WorkItem) bool {
	if wq.isDraining() {
		if wq.logger != nil {
			wq.logger.Warn("enqueue rejected: workqueue draining", "wq", wq.name)
		}
		return false
	}
	if !w.word.tryClaimPending() {
		return false
	}

	binding := wq.bindingFor(cpu)
	binding = wq.redirectForNonReentrancy(binding, w)

	w.armSubmissionDone()
	binding.enqueue(w)
	return true
}

// redirectForNonReentrancy implements spec.md §4.3's non-reentrancy rule: if
// w is still executing on a different pool of this workqueue, route the new
// submission to that same pool instead, so w never executes concurrently
// with itself.
func (wq *Workqueue) redirectForNonReentrancy(target *Binding, w *WorkItem) *Binding {
	for _, b := range wq.allBindings() {
		if b == target {
			continue
		}
		b.pool.mu.Lock()
		_, busy := b.pool.busyHash[w.id]
		b.pool.mu.Unlock()
		if busy {
			return b
		}
	}
	return target
}

// EnqueueAfter schedules Enqueue after delay via a one-shot timer (spec.md
// §6's enqueue_after), grounded on SPEC_FULL.md §5.3's distinction between
// one-shot delayed enqueue (time.AfterFunc) and the recurring cron-driven
// maintenance sweep.
func (wq *Workqueue) EnqueueAfter(w *WorkItem, delay time.Duration) bool {
	if !w.word.tryClaimPending() {
		return false
	}
	w.word.releaseFully(w.word.poolID()) // release the claim; the timer re-claims on fire
	w.kind = kindDelayed
	w.delay = delay
	w.timer = time.AfterFunc(delay, func() {
		wq.Enqueue(w)
	})
	return true
}

// EnqueueAfterOrReset is the paired "modify-or-enqueue" primitive: if w
// already has a pending delayed timer, it is reset to the new delay instead
// of scheduling a second one.
func (wq *Workqueue) EnqueueAfterOrReset(w *WorkItem, delay time.Duration) bool {
	if w.timer != nil && w.kind == kindDelayed {
		w.timer.Reset(delay)
		return true
	}
	return wq.EnqueueAfter(w, delay)
}

// Drain blocks until every binding's active and inactive lists have emptied
// out, per spec.md §6's drain_wq. It repeatedly calls Flush, the way the
// kernel's drain_workqueue loops flush_workqueue, because a work item can
// itself enqueue more work of the next color while draining is in progress.
func (wq *Workqueue) Drain() {
	for {
		wq.Flush()

		drained := true
		for _, b := range wq.allBindings() {
			b.mu.Lock()
			empty := b.nrActive == 0 && b.inactiveWorks.Len() == 0
			b.mu.Unlock()
			if !empty {
				drained = false
			}
		}
		if drained {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Destroy implements spec.md §3's workqueue lifecycle: drains, stops the
// rescuer, releases binding refs, and marks the queue FREED.
func (wq *Workqueue) Destroy() {
	wq.destroyOnce.Do(func() {
		wq.mu.Lock()
		wq.lifecycle = wqDraining
		wq.mu.Unlock()

		wq.Drain()

		wq.mu.Lock()
		wq.lifecycle = wqDestroying
		wq.mu.Unlock()

		if wq.rescuer != nil {
			wq.rescuer.stop()
		}
		for _, b := range wq.allBindings() {
			b.pool.unregisterBinding(b)
		}
		wq.mgr.unregisterWorkqueue(wq)

		wq.mu.Lock()
		wq.lifecycle = wqFreed
		wq.mu.Unlock()

		if wq.logger != nil {
			wq.logger.Info("workqueue destroyed", "name", wq.name)
		}
	})
}

func (wq *Workqueue) String() string {
	return fmt.Sprintf("Workqueue{%s}", wq.name)
}

// WorkqueueSnapshot is the read-only view cmd/taskctl exposes over HTTP.
type WorkqueueSnapshot struct {
	Name     string            `json:"name"`
	Unbound  bool              `json:"unbound"`
	Ordered  bool              `json:"ordered"`
	Bindings []BindingSnapshot `json:"bindings"`
}

// Snapshot returns a point-in-time view of wq's name, flags, and every
// binding it owns.
func (wq *Workqueue) Snapshot() WorkqueueSnapshot {
	bindings := wq.allBindings()
	snap := WorkqueueSnapshot{
		Name:     wq.name,
		Unbound:  wq.flags&FlagUnbound != 0,
		Ordered:  wq.flags&FlagOrdered != 0,
		Bindings: make([]BindingSnapshot, 0, len(bindings)),
	}
	for _, b := range bindings {
		snap.Bindings = append(snap.Bindings, b.snapshot())
	}
	return snap
}
