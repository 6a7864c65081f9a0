package taskengine

import "context"

// rescuer is the single MEM_RECLAIM resource of spec.md §4.3: one per
// workqueue (not per pool), woken by mayday and dynamically attaching to
// whichever binding posted it. It shares runWorkItem/safeCall with ordinary
// workers (worker.go) but never participates in a pool's concurrency
// management (no nr_running, no idle/busy accounting) — the teacher's
// kernel counterpart is explicitly exempt from that bookkeeping too.
type rescuer struct {
	wq     *Workqueue
	stopCh chan struct{}
	done   chan struct{}
}

func newRescuer(wq *Workqueue) *rescuer {
	return &rescuer{
		wq:     wq,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (r *rescuer) start() {
	go r.run()
}

func (r *rescuer) stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.done
}

func (r *rescuer) run() {
	defer close(r.done)
	for {
		select {
		case b, ok := <-r.wq.maydayCh:
			if !ok {
				return
			}
			r.rescueBinding(b)
		case <-r.stopCh:
			return
		}
	}
}

// rescueBinding pulls every worklist item this binding owns off its stalled
// pool (spec.md §4.3's assign_work) and runs each to completion inline on
// the rescuer goroutine, then clears the mayday link so the binding can
// re-post if it stalls again later.
func (r *rescuer) rescueBinding(b *Binding) {
	items := b.pool.assignWork(b)
	for _, item := range items {
		_ = runWorkItem(context.Background(), item, b, b.pool.id, r.wq.logger, r.wq.metrics)
	}
	b.clearMaydayLinked()
}
