package taskengine

import (
	"container/list"
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// workerFlags is the NOT_RUNNING bitset of spec.md §3 Worker attributes,
// guarded throughout by the owning pool's lock (including the CPU_INTENSIVE
// bit set from OnTick, which also takes the pool lock — see callbacks.go).
type workerFlags uint32

const (
	flagPrep workerFlags = 1 << iota
	flagCPUIntensive
	flagUnbound
	flagRebound
	flagDie
)

// flagNotRunningMask is "any of {PREP, CPU_INTENSIVE, UNBOUND, REBOUND}"
// from spec.md §3: workers carrying any of these bits do not count toward
// nr_running.
const flagNotRunningMask = flagPrep | flagCPUIntensive | flagUnbound | flagRebound

func (f *workerFlags) has(bits workerFlags) bool { return *f&bits != 0 }
func (f *workerFlags) set(bits workerFlags)      { *f |= bits }
func (f *workerFlags) clear(bits workerFlags)    { *f &^= bits }

// Worker is a long-lived goroutine attached to exactly one pool (spec.md §3
// Worker). One goroutine per worker, not a shared cooperative pool of
// goroutines multiplexing items — see SPEC_FULL.md §9 / spec.md §5 on the
// "parallel threads" scheduling model this preserves.
type Worker struct {
	ID   string
	pool *Pool

	flags      workerFlags
	sleeping   bool
	lastActive time.Time

	currentWork    *WorkItem
	currentBinding *Binding
	currentStart   time.Time

	idleElem *list.Element // set externally by pool.fetchWork; see pool.go

	logger Logger

	dieCh  chan struct{}
	exited chan struct{}
}

func newWorker(p *Pool) *Worker {
	return &Worker{
		ID:         newExternalID(),
		pool:       p,
		flags:      flagPrep,
		sleeping:   true, // counted running only once run() clears PREP and wakes
		lastActive: time.Now(),
		logger:     p.logger,
		dieCh:      make(chan struct{}),
		exited:     make(chan struct{}),
	}
}

func (w *Worker) start() {
	go w.run()
}

// kill asks the worker to exit at its next idle point. Safe to call more
// than once.
func (w *Worker) kill() {
	w.flags.set(flagDie)
	select {
	case <-w.dieCh:
	default:
		close(w.dieCh)
	}
}

func (w *Worker) run() {
	defer close(w.exited)
	defer w.pool.onWorkerExit(w)

	w.pool.mu.Lock()
	w.flags.clear(flagPrep)
	w.pool.wakeLocked(w) // PREP cleared above, so this now counts toward nr_running
	w.pool.mu.Unlock()

	stopTick := make(chan struct{})
	defer close(stopTick)
	go w.tickLoop(stopTick)

	for {
		item, binding, ok := w.pool.fetchWork(w)
		if !ok {
			return
		}
		w.execute(item, binding)
	}
}

func (w *Worker) tickLoop(stop chan struct{}) {
	ticker := time.NewTicker(w.pool.tunables.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.pool.OnTick(w)
		case <-stop:
			return
		}
	}
}

// workerContextKey is the context key Blocking (callbacks.go) looks up to
// find which worker, if any, is running the current Func.
type workerContextKey struct{}

func contextWithWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, workerContextKey{}, w)
}

// execute runs one work item to completion via runWorkItem, bracketing it
// with the bookkeeping (current_work/current_binding, busy_hash) that
// belongs to an ordinary pool worker rather than the rescuer (see rescue.go,
// which calls runWorkItem directly).
func (w *Worker) execute(item *WorkItem, binding *Binding) {
	w.pool.mu.Lock()
	w.currentWork = item
	w.currentBinding = binding
	w.currentStart = time.Now()
	w.lastActive = w.currentStart
	w.pool.mu.Unlock()

	ctx := contextWithWorker(context.Background(), w)
	err := runWorkItem(ctx, item, binding, w.pool.id, w.logger, w.pool.metrics)
	if err != nil && w.logger != nil {
		w.logger.Warn("work item returned error",
			"pool_id", w.pool.id, "worker_id", w.ID, "work_id", item.ID, "err", err)
	}

	w.pool.mu.Lock()
	delete(w.pool.busyHash, item.id)
	w.currentWork = nil
	w.currentBinding = nil
	w.flags.clear(flagRebound) // cleared lazily at start of next execution cycle, per §4.2
	// CPU_INTENSIVE describes the item that just finished: clear it so the
	// worker counts toward nr_running again for its next item.
	if w.flags.has(flagCPUIntensive) {
		w.flags.clear(flagCPUIntensive)
		if !w.sleeping && !w.flags.has(flagNotRunningMask) {
			w.pool.nrRunning++
		}
	}
	w.pool.mu.Unlock()
}

// runWorkItem performs the Execute step of §4.1 (clear PENDING under a store
// that stamps the pool id — a full fence per Go's sequentially consistent
// atomics — then invoke fn), times it, and accounts completion with the
// binding. Shared by ordinary workers (worker.go) and the rescuer
// (rescue.go), since both must perform exactly the same state transition.
// ctx carries the calling worker (via contextWithWorker) so a Func that
// wraps a blocking call in Blocking can reach back into that worker's pool;
// the rescuer calls this with a bare context.Background(), so Blocking is a
// no-op there, matching its exemption from nr_running bookkeeping.
func runWorkItem(ctx context.Context, item *WorkItem, binding *Binding, poolID uint32, logger Logger, metrics *engineMetrics) error {
	item.word.clearPendingToRunning(poolID)

	start := time.Now()
	err := safeCall(ctx, item.fn, logger)
	dur := time.Since(start)

	if metrics != nil {
		metrics.observeWorkDuration(binding.wqName, dur)
	}

	binding.onItemComplete(item)
	item.word.clearToIdle(poolID)
	return err
}

// safeCall recovers a panicking Func the way a production worker pool must:
// a user function that panics must not take the whole engine down with it.
// Grounded on the teacher's HTTP recovery middleware pattern (recover +
// debug.Stack + structured log), repointed at a worker's own call site.
func safeCall(ctx context.Context, fn Func, logger Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if logger != nil {
				logger.Error("work item panicked", "panic", r, "stack", stack)
			}
			err = fmt.Errorf("taskengine: work item panicked: %v", r)
		}
	}()
	return fn(ctx)
}
