package taskengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, tunables Tunables) *Pool {
	t.Helper()
	p := newPool(1, 0, PoolAttrs{}, tunables, nil, nil)
	t.Cleanup(func() { close(p.closeCh) })
	return p
}

func fastTunables() Tunables {
	t := DefaultTunables()
	t.IdleTimeout = 20 * time.Millisecond
	t.MaydayInterval = 10 * time.Millisecond
	t.ManagerDelay = time.Millisecond
	return t
}

func TestPool_pushWorklistRunsWork(t *testing.T) {
	p := newTestPool(t, fastTunables())
	b := &Binding{pool: p, maxActive: 1, wq: &Workqueue{}}
	b.cond = sync.NewCond(&b.mu)

	ran := make(chan struct{})
	item := NewWorkItem(func(ctx context.Context) error {
		close(ran)
		return nil
	})
	item.ownerBinding = b

	p.pushWorklist(item, b)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("work item never ran")
	}
}

func TestPool_labelDistinguishesCPUFromUnbound(t *testing.T) {
	cpuPool := newPool(1, 3, PoolAttrs{}, DefaultTunables(), nil, nil)
	assert.Equal(t, "cpu-3", cpuPool.label())

	unboundPool := newPool(2, -1, PoolAttrs{Nice: 5}, DefaultTunables(), nil, nil)
	assert.Contains(t, unboundPool.label(), "unbound-")
}

func TestPool_snapshotReflectsCounts(t *testing.T) {
	p := newTestPool(t, fastTunables())

	snap := p.snapshot()
	assert.Equal(t, "cpu-0", snap.Label)
	assert.Equal(t, 0, snap.NrWorkers)
	assert.Equal(t, 0, snap.WorklistDepth)
}

func TestPool_registerUnregisterBinding(t *testing.T) {
	p := newTestPool(t, DefaultTunables())
	b := &Binding{}

	p.registerBinding(b)
	p.mu.Lock()
	_, present := p.bindings[b]
	p.mu.Unlock()
	assert.True(t, present)

	p.unregisterBinding(b)
	p.mu.Lock()
	_, present = p.bindings[b]
	p.mu.Unlock()
	assert.False(t, present)
}

func TestPool_tryCreateWorkerSurfacesInjectedFailure(t *testing.T) {
	p := newTestPool(t, DefaultTunables())
	injected := errors.New("boom")
	p.injectCreateFailure = func() error { return injected }

	err := p.tryCreateWorker()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	p.mu.Lock()
	n := p.nrWorkers
	p.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestPool_tryCreateWorkerSpawnsWorker(t *testing.T) {
	p := newTestPool(t, fastTunables())

	err := p.tryCreateWorker()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.nrWorkers == 1
	}, time.Second, 5*time.Millisecond)

	// The worker should go idle since there is no work queued.
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.nrIdle == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_cullIdleKillsWorkersPastTimeout(t *testing.T) {
	p := newTestPool(t, fastTunables())

	require.NoError(t, p.tryCreateWorker())
	require.NoError(t, p.tryCreateWorker())
	require.NoError(t, p.tryCreateWorker())

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.nrIdle == 3
	}, time.Second, 5*time.Millisecond)

	time.Sleep(p.tunables.IdleTimeout + 10*time.Millisecond)
	p.cullIdle(time.Now())

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.nrWorkers < 3
	}, time.Second, 5*time.Millisecond)
}

// TestBinding_boundedConcurrency is spec.md §8 scenario 1: max_active=3,
// 10 items each sleeping 100ms. At 50ms exactly 3 must be running and 7
// inactive; by 350ms all 10 must have completed. Each item reports its
// sleep via Blocking, the same way a real Func would bracket a blocking
// I/O call, so the pool actually spins up the 3 worker goroutines needed to
// run them concurrently instead of serializing them on one worker.
func TestBinding_boundedConcurrency(t *testing.T) {
	b, _ := newTestBinding(t, 3)

	const n = 10
	var completed atomic.Int32
	for i := 0; i < n; i++ {
		w := NewWorkItem(func(ctx context.Context) error {
			err := Blocking(ctx, func() error {
				time.Sleep(100 * time.Millisecond)
				return nil
			})
			completed.Add(1)
			return err
		})
		w.word.tryClaimPending()
		b.enqueue(w)
	}

	time.Sleep(50 * time.Millisecond)
	b.mu.Lock()
	nrActive := b.nrActive
	inactiveDepth := b.inactiveWorks.Len()
	b.mu.Unlock()
	assert.Equal(t, 3, nrActive)
	assert.Equal(t, n-3, inactiveDepth)

	require.Eventually(t, func() bool {
		return completed.Load() == n
	}, 350*time.Millisecond, 10*time.Millisecond)
}

// TestPool_nonReentrancyRoutesToBusyBinding is spec.md §8 scenario 2: an
// item already running on one binding must be routed back onto that same
// binding if resubmitted while still executing, never run concurrently
// with itself on a second binding's pool.
func TestPool_nonReentrancyRoutesToBusyBinding(t *testing.T) {
	mgr := NewManager(fastTunables(), WithMetricsNamespace("test-nonreentrancy", prometheus.NewRegistry()))
	mgr.numCPU = 2
	wq, err := Alloc(mgr, "nonreentrancy", 0, 4)
	require.NoError(t, err)
	defer wq.Destroy()

	cpu0Pool := wq.perCPU[0].pool
	w := NewWorkItem(func(ctx context.Context) error { return nil })

	cpu0Pool.mu.Lock()
	cpu0Pool.busyHash[w.id] = &Worker{ID: "fake-running"}
	cpu0Pool.mu.Unlock()

	target := wq.bindingFor(1)
	routed := wq.redirectForNonReentrancy(target, w)
	assert.Same(t, wq.perCPU[0], routed, "a work item busy on cpu0 must be routed back to cpu0's binding")

	cpu0Pool.mu.Lock()
	delete(cpu0Pool.busyHash, w.id)
	cpu0Pool.mu.Unlock()

	// Once no pool reports w busy, a fresh submission keeps its original
	// target binding.
	routed = wq.redirectForNonReentrancy(target, w)
	assert.Same(t, target, routed)
}

func TestBackoffDelay_increasesAndCaps(t *testing.T) {
	d1 := backoffDelay(1)
	d5 := backoffDelay(5)
	d100 := backoffDelay(100)

	assert.Greater(t, d5, d1)
	assert.Greater(t, d1, time.Duration(0))
	assert.LessOrEqual(t, d100, 2*time.Second+(2*time.Second)/5) // capped, generous jitter margin
}
