package taskengine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestManagerAndQueue builds a Manager against a private Prometheus
// registry (so parallel test Managers never collide on metric
// registration) and allocates one unbound Workqueue on it.
func newTestManagerAndQueue(t *testing.T, maxActive int) (*Manager, *Workqueue) {
	t.Helper()
	mgr := NewManager(fastTunables(), WithMetricsNamespace("test", prometheus.NewRegistry()))
	wq, err := Alloc(mgr, "test-wq", FlagUnbound, maxActive)
	require.NoError(t, err)
	t.Cleanup(wq.Destroy)
	return mgr, wq
}

func TestAlloc_orderedForcesUnboundAndSingleActive(t *testing.T) {
	mgr := NewManager(fastTunables(), WithMetricsNamespace("test-ordered", prometheus.NewRegistry()))
	wq, err := Alloc(mgr, "ordered", FlagOrdered, 8)
	require.NoError(t, err)
	defer wq.Destroy()

	assert.NotZero(t, wq.flags&FlagUnbound)
	assert.Equal(t, 1, wq.savedMaxActive)
}

func TestAlloc_perCPUCreatesOneBindingPerCPU(t *testing.T) {
	mgr := NewManager(fastTunables(), WithMetricsNamespace("test-percpu", prometheus.NewRegistry()))
	wq, err := Alloc(mgr, "percpu", 0, 4)
	require.NoError(t, err)
	defer wq.Destroy()

	bindings := wq.allBindings()
	assert.Len(t, bindings, mgr.numCPU)
}

func TestAlloc_maxActiveClampedToCeiling(t *testing.T) {
	mgr := NewManager(fastTunables(), WithMetricsNamespace("test-clamp", prometheus.NewRegistry()))
	wq, err := Alloc(mgr, "huge", FlagUnbound, 10_000)
	require.NoError(t, err)
	defer wq.Destroy()

	assert.Equal(t, maxMaxActive, wq.savedMaxActive)
}

func TestWorkqueue_enqueueRejectsAlreadyPending(t *testing.T) {
	_, wq := newTestManagerAndQueue(t, 4)

	release := make(chan struct{})
	w := NewWorkItem(func(ctx context.Context) error {
		<-release
		return nil
	})

	assert.True(t, wq.Enqueue(w))
	assert.False(t, wq.Enqueue(w))

	close(release)
}

func TestWorkqueue_enqueueRejectedWhileDraining(t *testing.T) {
	mgr := NewManager(fastTunables(), WithMetricsNamespace("test-drain", prometheus.NewRegistry()))
	wq, err := Alloc(mgr, "draining", FlagUnbound, 4)
	require.NoError(t, err)

	wq.Destroy()

	w := NewWorkItem(func(ctx context.Context) error { return nil })
	assert.False(t, wq.Enqueue(w))
}

func TestWorkqueue_bindingForClampsOutOfRangeCPU(t *testing.T) {
	mgr := NewManager(fastTunables(), WithMetricsNamespace("test-bind", prometheus.NewRegistry()))
	wq, err := Alloc(mgr, "percpu-bind", 0, 4)
	require.NoError(t, err)
	defer wq.Destroy()

	b := wq.bindingFor(-1)
	assert.Same(t, wq.perCPU[0], b)

	b = wq.bindingFor(mgr.numCPU + 100)
	assert.Same(t, wq.perCPU[0], b)
}

func TestWorkqueue_snapshotReportsBindings(t *testing.T) {
	_, wq := newTestManagerAndQueue(t, 4)

	snap := wq.Snapshot()
	assert.Equal(t, "test-wq", snap.Name)
	assert.True(t, snap.Unbound)
	assert.False(t, snap.Ordered)
	require.Len(t, snap.Bindings, 1)
	assert.Equal(t, 4, snap.Bindings[0].MaxActive)
}

func TestWorkqueue_enqueueAfterFiresOnDelay(t *testing.T) {
	_, wq := newTestManagerAndQueue(t, 4)

	ran := make(chan struct{})
	w := NewWorkItem(func(ctx context.Context) error {
		close(ran)
		return nil
	})

	assert.True(t, wq.EnqueueAfter(w, 10*time.Millisecond))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("delayed work never ran")
	}
}

func TestWorkqueue_enqueueAfterOrResetReusesTimer(t *testing.T) {
	_, wq := newTestManagerAndQueue(t, 4)

	var runCount atomic.Int32
	w := NewWorkItem(func(ctx context.Context) error {
		runCount.Add(1)
		return nil
	})

	assert.True(t, wq.EnqueueAfterOrReset(w, 200*time.Millisecond))
	firstTimer := w.timer
	assert.True(t, wq.EnqueueAfterOrReset(w, 10*time.Millisecond))
	assert.Same(t, firstTimer, w.timer)

	require.Eventually(t, func() bool {
		return runCount.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

// TestWorkqueue_orderedPreservesGlobalSubmissionOrder is spec.md §8
// scenario 6: an Ordered workqueue forces maxActive to 1 on a single
// binding, so items submitted 1..100 from many producers must still be
// observed executing in that exact global order.
func TestWorkqueue_orderedPreservesGlobalSubmissionOrder(t *testing.T) {
	mgr := NewManager(fastTunables(), WithMetricsNamespace("test-ordered-exec", prometheus.NewRegistry()))
	wq, err := Alloc(mgr, "ordered-exec", FlagOrdered, 0)
	require.NoError(t, err)
	defer wq.Destroy()

	const total = 100
	const producers = 4
	var mu sync.Mutex
	var order []int

	// A baton handed from one producer to the next forces the 100 Enqueue
	// calls to happen in strict 1..100 order even though several producer
	// goroutines are involved, the way N concurrent feeders into one
	// ordered queue would naturally hand off work between them. What's
	// actually under test is that the binding's max_active=1 (forced by
	// FlagOrdered) preserves that submission order all the way through to
	// execution.
	batons := make([]chan struct{}, total+1)
	for i := range batons {
		batons[i] = make(chan struct{})
	}
	close(batons[0])

	var wgroup sync.WaitGroup
	for p := 0; p < producers; p++ {
		wgroup.Add(1)
		go func(p int) {
			defer wgroup.Done()
			for i := p + 1; i <= total; i += producers {
				<-batons[i-1]
				tag := i
				w := NewWorkItem(func(ctx context.Context) error {
					mu.Lock()
					order = append(order, tag)
					mu.Unlock()
					return nil
				})
				require.True(t, wq.Enqueue(w))
				close(batons[i])
			}
		}(p)
	}
	wgroup.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == total
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	expected := make([]int, total)
	for i := range expected {
		expected[i] = i + 1
	}
	assert.Equal(t, expected, order)
}
