package taskengine

import (
	"container/list"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Pool is the C3 Worker Pool of spec.md §3: a fingerprinted collection of
// workers sharing a FIFO worklist, idle list, busy index, and the
// nr_running concurrency-management counter. refcnt is set to 1 at creation
// and never changed afterwards: bindings do not take or drop a count, and a
// pool is not released when its last binding goes away. lock is a plain
// sync.Mutex: userspace has no interrupt-disabled context, so the mutex is
// always held briefly, matching the spec's "short, non-sleeping" tier.
type Pool struct {
	id          uint32
	fingerprint string // "" for per-CPU pools, a blake2b hash for unbound
	cpu         int    // >=0 per-CPU, <0 unbound
	attrs       PoolAttrs

	mu       sync.Mutex
	cond     *sync.Cond
	worklist *list.List // *WorkItem, FIFO
	idleList *list.List // *Worker, LIFO (front = most recently idle)
	busyHash map[uint64]*Worker

	nrWorkers int
	nrIdle    int
	nrRunning int

	managerActive bool
	disassociated bool
	refcnt        int32

	bindings map[*Binding]struct{}

	tunables Tunables
	logger   Logger
	metrics  *engineMetrics

	closeCh chan struct{}

	// injectCreateFailure lets tests simulate worker-allocation failure
	// (spec.md §8 scenario 5, "inject allocation failure for worker
	// creation"). Nil in production.
	injectCreateFailure func() error
}

func newPool(id uint32, cpuID int, attrs PoolAttrs, t Tunables, logger Logger, metrics *engineMetrics) *Pool {
	p := &Pool{
		id:       id,
		cpu:      cpuID,
		attrs:    attrs,
		worklist: list.New(),
		idleList: list.New(),
		busyHash: make(map[uint64]*Worker),
		refcnt:   1,
		bindings: make(map[*Binding]struct{}),
		tunables: t,
		logger:   logger,
		metrics:  metrics,
		closeCh:  make(chan struct{}),
	}
	if cpuID < 0 {
		p.fingerprint = fingerprint(attrs)
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pool) label() string {
	if p.cpu >= 0 {
		return fmt.Sprintf("cpu-%d", p.cpu)
	}
	return "unbound-" + p.fingerprint
}

// PoolSnapshot is the read-only view cmd/taskctl exposes over HTTP.
type PoolSnapshot struct {
	Label         string `json:"label"`
	CPU           int    `json:"cpu"`
	HighPri       bool   `json:"high_pri"`
	CPUIntensive  bool   `json:"cpu_intensive"`
	NrWorkers     int    `json:"nr_workers"`
	NrIdle        int    `json:"nr_idle"`
	NrRunning     int    `json:"nr_running"`
	WorklistDepth int    `json:"worklist_depth"`
}

func (p *Pool) snapshot() PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolSnapshot{
		Label:         p.label(),
		CPU:           p.cpu,
		HighPri:       p.attrs.HighPri,
		CPUIntensive:  p.attrs.CPUIntensive,
		NrWorkers:     p.nrWorkers,
		NrIdle:        p.nrIdle,
		NrRunning:     p.nrRunning,
		WorklistDepth: p.worklist.Len(),
	}
}

// defaultPoolSize seeds per-CPU pool counts from the host's logical CPU
// count, grounded on the teacher's shirou/gopsutil/v3 dependency
// (SPEC_FULL.md §5.2). The threshold adjustment is the separate
// autoScaleCPUIntensiveThreshold below: it doubles the threshold when host
// CPU utilisation is above 85%; it does not measure CPU speed.
func defaultPoolSize() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

func autoScaleCPUIntensiveThreshold(base time.Duration) time.Duration {
	pct, err := cpu.Percent(0, false)
	if err != nil || len(pct) == 0 {
		return base
	}
	// Busy hosts get a more generous threshold so transient load doesn't
	// spuriously reclassify items as CPU-intensive.
	if pct[0] > 85 {
		return base * 2
	}
	return base
}

// registerBinding/unregisterBinding track which bindings currently hold a
// reference to this pool, used to fan out mayday checks and idle-cull
// sweeps across every pool a workqueue touches.
func (p *Pool) registerBinding(b *Binding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings[b] = struct{}{}
}

func (p *Pool) unregisterBinding(b *Binding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bindings, b)
}

// pushWorklist inserts item, owned by binding b, at the tail of the FIFO
// worklist and wakes one idle worker. Starts a manager if none is active and
// no worker is currently running (nr_running == 0) to pick the item up
// (spec.md §4.2). Idle workers do not count toward nr_running, so a manager
// is started even while an idle worker is waiting to be woken; the manager
// re-checks nr_running before each creation attempt.
func (p *Pool) pushWorklist(item *WorkItem, b *Binding) {
	p.mu.Lock()
	item.ownerBinding = b
	item.entry = p.worklist.PushBack(item)
	item.entryList = listWorklist
	depth := p.worklist.Len()
	needsManager := !p.managerActive && p.nrRunning == 0
	if needsManager {
		p.managerActive = true
	}
	p.mu.Unlock()

	p.cond.Signal()
	if p.metrics != nil {
		p.metrics.setWorklistDepth(p.label(), depth)
	}
	if needsManager {
		go p.manageLoop()
	}
}

// sleepLocked/wakeLocked implement the On sleep/On wake hooks of spec.md
// §4.2 directly against nr_running; callbacks.go's OnSleep/OnWake (the
// host-scheduler-facing contract) and fetchWork's idle transitions both
// funnel through these. The only other changes to nr_running are the
// CPU_INTENSIVE transitions in OnTick and Worker.execute.
func (p *Pool) sleepLocked(w *Worker) {
	if w.sleeping {
		return
	}
	w.sleeping = true
	if !w.flags.has(flagNotRunningMask) {
		p.nrRunning--
	}
}

func (p *Pool) wakeLocked(w *Worker) {
	if !w.sleeping {
		return
	}
	w.sleeping = false
	if !w.flags.has(flagNotRunningMask) {
		p.nrRunning++
	}
}

// fetchWork blocks until work is available or the worker is told to die.
func (p *Pool) fetchWork(w *Worker) (*WorkItem, *Binding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if w.flags.has(flagDie) {
			p.detachDyingLocked(w)
			return nil, nil, false
		}
		if e := p.worklist.Front(); e != nil {
			item := e.Value.(*WorkItem)
			p.worklist.Remove(e)
			item.entry = nil
			item.entryList = listNone
			p.busyHash[item.id] = w
			p.wakeLocked(w)
			if p.metrics != nil {
				p.metrics.setWorklistDepth(p.label(), p.worklist.Len())
			}
			return item, item.ownerBinding, true
		}
		w.idleElem = p.idleList.PushFront(w)
		w.lastActive = time.Now()
		p.nrIdle++
		p.sleepLocked(w)
		if p.metrics != nil {
			p.metrics.setPoolWorkers(p.label(), "idle", p.nrIdle)
		}
		p.cond.Wait()
		if w.idleElem != nil {
			p.idleList.Remove(w.idleElem)
			w.idleElem = nil
			p.nrIdle--
		}
	}
}

func (p *Pool) detachDyingLocked(w *Worker) {
	if w.idleElem != nil {
		p.idleList.Remove(w.idleElem)
		w.idleElem = nil
		p.nrIdle--
	}
	p.nrWorkers--
}

func (p *Pool) onWorkerExit(w *Worker) {
	if p.logger != nil {
		p.logger.Info("worker exited", "pool_id", p.id, "worker_id", w.ID)
	}
	if p.metrics != nil {
		p.metrics.incWorkerCulled(p.label())
	}
}

// assignWork transfers every worklist item owned by binding b to the
// rescuer, per spec.md §4.3's assign_work.
func (p *Pool) assignWork(b *Binding) []*WorkItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	var items []*WorkItem
	var next *list.Element
	for e := p.worklist.Front(); e != nil; e = next {
		next = e.Next()
		item := e.Value.(*WorkItem)
		if item.ownerBinding != b {
			continue
		}
		p.worklist.Remove(e)
		item.entry = nil
		item.entryList = listNone
		items = append(items, item)
	}
	return items
}

// nrBusyLocked returns the count of workers neither idle nor the manager.
func (p *Pool) nrBusyLocked() int {
	n := p.nrWorkers - p.nrIdle
	if p.managerActive {
		n--
	}
	if n < 0 {
		return 0
	}
	return n
}

// cullIdle implements spec.md §4.2's idle-culling sweep: armed whenever
// nr_idle-2 > nr_busy/4, it walks the oldest-first idle tail and marks
// workers past the idle timeout as DIE.
func (p *Pool) cullIdle(now time.Time) {
	p.mu.Lock()
	if p.nrIdle-2 <= p.nrBusyLocked()/4 {
		p.mu.Unlock()
		return
	}
	var toKill []*Worker
	for e := p.idleList.Back(); e != nil; e = e.Prev() {
		w := e.Value.(*Worker)
		if now.Sub(w.lastActive) > p.tunables.IdleTimeout {
			toKill = append(toKill, w)
		}
	}
	p.mu.Unlock()

	for _, w := range toKill {
		w.kill()
	}
	if len(toKill) > 0 {
		p.cond.Broadcast()
	}
}

// postMaydayToStalledBindings fans a binding's mayday out to its workqueue's rescuer once
// this pool has failed to create a worker within the mayday interval. Called
// by manageLoop while it is failing to make progress.
func (p *Pool) postMaydayToStalledBindings() {
	p.mu.Lock()
	bindings := make([]*Binding, 0, len(p.bindings))
	for b := range p.bindings {
		bindings = append(bindings, b)
	}
	p.mu.Unlock()

	for _, b := range bindings {
		b.postMayday()
	}
}

// manageLoop is the manager worker's restart loop (spec.md §4.2/§9): it
// repeatedly tries to create a worker while the pool has pending work and no
// worker is running (nr_running == 0), posting mayday if it stalls past the
// mayday interval. Runs in its own goroutine, "dropping the pool lock" for
// the duration of each allocation attempt exactly as the spec describes.
func (p *Pool) manageLoop() {
	defer func() {
		p.mu.Lock()
		p.managerActive = false
		p.mu.Unlock()
	}()

	start := time.Now()
	maydaySent := false
	attempt := 0

	for {
		p.mu.Lock()
		needsWorker := p.worklist.Len() > 0 && p.nrRunning == 0
		p.mu.Unlock()
		if !needsWorker {
			return
		}

		if err := p.tryCreateWorker(); err == nil {
			return
		}

		attempt++
		if !maydaySent && time.Since(start) > p.tunables.MaydayInterval {
			p.postMaydayToStalledBindings()
			if p.metrics != nil {
				p.metrics.incMayday(p.label())
			}
			maydaySent = true
		}

		select {
		case <-time.After(backoffDelay(attempt)):
		case <-p.closeCh:
			return
		}
	}
}

func (p *Pool) tryCreateWorker() error {
	if p.injectCreateFailure != nil {
		if err := p.injectCreateFailure(); err != nil {
			if p.logger != nil {
				p.logger.Warn("worker creation failed", "pool_id", p.id, "err", err)
			}
			return &poolExhaustedError{cause: err}
		}
	}

	w := newWorker(p)
	p.mu.Lock()
	p.nrWorkers++
	p.mu.Unlock()
	w.start()

	if p.metrics != nil {
		p.mu.Lock()
		busy := p.nrBusyLocked()
		p.mu.Unlock()
		p.metrics.incWorkerCreated(p.label())
		p.metrics.setPoolWorkers(p.label(), "busy", busy)
	}
	return nil
}

// backoffDelay is the worker-creation retry backoff, grounded on
// internal/engine/retry.go's calculateDelay (exponential backoff with
// jitter), adapted to retry "create one goroutine" rather than a general
// RetryFunc (SPEC_FULL.md §7.1).
func backoffDelay(attempt int) time.Duration {
	const (
		initial = 50 * time.Millisecond
		max     = 2 * time.Second
		factor  = 2.0
		jitter  = 0.2
	)
	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if jitter > 0 {
		j := delay * jitter
		delay += (rand.Float64()*2 - 1) * j
	}
	if delay > float64(max) {
		delay = float64(max)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
