package taskengine

import (
	"container/list"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Binding is the C4 Pool-Binding of spec.md §3: the per-(workqueue,
// CPU/affinity-scope) link to a pool, enforcing per-binding active-count
// limits, work-color accounting, and rescue requests.
type Binding struct {
	wq     *Workqueue
	wqName string
	pool   *Pool
	cpu    int // >=0 per-CPU binding, <0 the unbound/default binding

	mu sync.Mutex
	// cond signals waiters in waitColorDrained (flush.go) whenever an item
	// completes and its nrInFlight count drops.
	cond *sync.Cond

	refcnt int32

	nrInFlight [NRColors]int

	nrActive  int
	maxActive int

	inactiveWorks *list.List // *WorkItem

	maydayLinked bool

	logger  Logger
	metrics *engineMetrics
	tracer  trace.Tracer
}

func newBinding(wq *Workqueue, pool *Pool, cpuID int, maxActive int) *Binding {
	b := &Binding{
		wq:            wq,
		wqName:        wq.name,
		pool:          pool,
		cpu:           cpuID,
		refcnt:        1,
		maxActive:     maxActive,
		inactiveWorks: list.New(),
		logger:        wq.logger,
		metrics:       wq.metrics,
		tracer:        wq.tracer,
	}
	b.cond = sync.NewCond(&b.mu)
	pool.registerBinding(b)
	return b
}

// enqueue performs the flow-control step of spec.md §4.3: stamps the item
// with the binding's current work_color, increments nr_in_flight[color],
// and either places the item on the pool worklist (if nr_active <
// max_active) or parks it on inactive_works.
func (b *Binding) enqueue(item *WorkItem) {
	b.enqueueAt(item, b.wq.currentColor())
}

// enqueueAt is enqueue with an explicit color, used by flush.go to stamp a
// barrier item with the flush epoch's color rather than whatever the
// workqueue's current color is by the time the barrier is inserted.
func (b *Binding) enqueueAt(item *WorkItem, color uint8) {
	b.mu.Lock()
	item.color = color
	b.nrInFlight[color]++

	// A barrier bypasses the max_active gate entirely — it must reach the
	// pool worklist immediately so flush_wq/flush_work make forward progress
	// even while a binding is fully saturated. It never claims an nr_active
	// slot; ordinary items do.
	runnable := item.isBarrier() || b.nrActive < b.maxActive
	item.activeSlot = runnable && !item.isBarrier()
	if item.activeSlot {
		b.nrActive++
	}
	item.word.publishQueued(b, color, false, !runnable)
	if !runnable {
		item.ownerBinding = b
		item.entry = b.inactiveWorks.PushBack(item)
		item.entryList = listInactive
	}
	inactiveDepth := b.inactiveWorks.Len()
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.setInactiveDepth(b.wqName, b.cpu, inactiveDepth)
		b.metrics.setBindingInflight(b.wqName, b.cpu, color, b.inFlight(color))
	}

	if runnable {
		b.pool.pushWorklist(item, b)
	}
}

func (b *Binding) inFlight(color uint8) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nrInFlight[color]
}

// onItemComplete is called by runWorkItem once fn has returned. It
// decrements nr_in_flight[color], releases the nr_active slot the item held
// (if any), promotes one inactive item to runnable, and wakes any flusher
// waiting on this color.
func (b *Binding) onItemComplete(item *WorkItem) {
	color := item.color

	b.mu.Lock()
	b.nrInFlight[color]--
	if item.activeSlot {
		b.nrActive--
	}

	var promoted *WorkItem
	if item.activeSlot && b.nrActive < b.maxActive {
		if e := b.inactiveWorks.Front(); e != nil {
			promoted = e.Value.(*WorkItem)
			b.inactiveWorks.Remove(e)
			promoted.entry = nil
			promoted.entryList = listNone
			promoted.activeSlot = true
			promoted.word.setInactive(false)
			b.nrActive++
		}
	}
	b.cond.Broadcast()
	inactiveDepth := b.inactiveWorks.Len()
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.setBindingInflight(b.wqName, b.cpu, color, b.inFlight(color))
		b.metrics.setInactiveDepth(b.wqName, b.cpu, inactiveDepth)
	}

	ch := item.currentSubmissionDone()
	if ch != nil {
		item.closeSubmissionDone(ch)
	}

	if promoted != nil {
		b.pool.pushWorklist(promoted, b)
	}
}

// postMayday links this binding onto its workqueue's mayday channel if the
// workqueue is MemReclaim and it is not already linked, per spec.md §4.3.
// maydayLinked is cleared once the rescuer has drained this binding.
func (b *Binding) postMayday() {
	if b.wq.flags&FlagMemReclaim == 0 || b.wq.rescuer == nil {
		return
	}
	b.mu.Lock()
	if b.maydayLinked {
		b.mu.Unlock()
		return
	}
	b.maydayLinked = true
	b.mu.Unlock()

	select {
	case b.wq.maydayCh <- b:
	default:
		// mayday channel full: unlink again so a later stall of this
		// binding can post a fresh mayday.
		b.clearMaydayLinked()
	}
}

func (b *Binding) clearMaydayLinked() {
	b.mu.Lock()
	b.maydayLinked = false
	b.mu.Unlock()
}

// BindingSnapshot is the read-only view cmd/taskctl exposes over HTTP.
type BindingSnapshot struct {
	CPU           int   `json:"cpu"`
	WorkColor     uint8 `json:"work_color"`
	NrActive      int   `json:"nr_active"`
	MaxActive     int   `json:"max_active"`
	InactiveDepth int   `json:"inactive_depth"`
}

func (b *Binding) snapshot() BindingSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BindingSnapshot{
		CPU:           b.cpu,
		WorkColor:     b.wq.currentColor(),
		NrActive:      b.nrActive,
		MaxActive:     b.maxActive,
		InactiveDepth: b.inactiveWorks.Len(),
	}
}
