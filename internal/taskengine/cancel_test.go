package taskengine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelWork_succeedsWhileParkedInactive(t *testing.T) {
	b, _ := newTestBinding(t, 1)

	blockCh := make(chan struct{})
	running := NewWorkItem(func(ctx context.Context) error {
		<-blockCh
		return nil
	})
	running.word.tryClaimPending()
	b.enqueue(running)

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.nrActive == 1
	}, time.Second, 5*time.Millisecond)

	parked := NewWorkItem(func(ctx context.Context) error { return nil })
	parked.word.tryClaimPending()
	b.enqueue(parked)

	b.mu.Lock()
	assert.Equal(t, 1, b.inactiveWorks.Len())
	b.mu.Unlock()

	assert.True(t, CancelWork(parked))
	assert.False(t, parked.word.isPending())

	b.mu.Lock()
	assert.Equal(t, 0, b.inactiveWorks.Len())
	b.mu.Unlock()

	close(blockCh)
}

func TestCancelWork_failsOnceRunning(t *testing.T) {
	b, _ := newTestBinding(t, 1)

	blockCh := make(chan struct{})
	running := NewWorkItem(func(ctx context.Context) error {
		<-blockCh
		return nil
	})
	running.word.tryClaimPending()
	b.enqueue(running)

	require.Eventually(t, func() bool {
		return running.word.poolID() != 0 || !running.word.isPending()
	}, time.Second, 5*time.Millisecond)

	// Once PENDING is cleared by the worker (Running state), CancelWork
	// observes a nil binding and reports failure.
	require.Eventually(t, func() bool {
		return !CancelWork(running) && running.word.binding() == nil
	}, time.Second, 5*time.Millisecond)

	close(blockCh)
}

func TestCancelWork_failsOnUnqueuedIdleItem(t *testing.T) {
	w := NewWorkItem(func(ctx context.Context) error { return nil })
	assert.False(t, CancelWork(w))
}

func TestCancelWorkSync_waitsForRunningCompletion(t *testing.T) {
	mgr, wq := newTestManagerAndQueue(t, 4)

	started := make(chan struct{})
	release := make(chan struct{})
	w := NewWorkItem(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.True(t, wq.Enqueue(w))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("work item never started")
	}

	done := make(chan bool, 1)
	go func() { done <- mgr.CancelWorkSync(w) }()

	select {
	case <-done:
		t.Fatal("CancelWorkSync returned before the running item finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("CancelWorkSync never returned")
	}
}

func TestCancelWorkSync_concurrentCallersAgreeOnOutcome(t *testing.T) {
	mgr, wq := newTestManagerAndQueue(t, 1)

	w := NewWorkItem(func(ctx context.Context) error { return nil })
	require.True(t, wq.Enqueue(w))

	results := make(chan bool, 2)
	go func() { results <- mgr.CancelWorkSync(w) }()
	go func() { results <- mgr.CancelWorkSync(w) }()

	r1 := <-results
	r2 := <-results
	assert.Equal(t, r1, r2)
}

func TestCancelWaiters_secondClaimWaitsForFirst(t *testing.T) {
	cw := newCancelWaiters()

	ch1, first1 := cw.claim(7)
	assert.True(t, first1)

	ch2, first2 := cw.claim(7)
	assert.False(t, first2)
	assert.Same(t, ch1, ch2)

	select {
	case <-ch2:
		t.Fatal("second waiter unblocked before release")
	default:
	}

	cw.release(7, ch1)
	select {
	case <-ch2:
	default:
		t.Fatal("second waiter should unblock after release")
	}
}

func TestCancelWorkSync_stopsUnfiredDelayedTimer(t *testing.T) {
	mgr, wq := newTestManagerAndQueue(t, 4)

	var ran atomic.Bool
	w := NewWorkItem(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.True(t, wq.EnqueueAfter(w, time.Hour))

	assert.True(t, mgr.CancelWorkSync(w))
	assert.False(t, w.word.isPending())

	// Give a (hypothetically misfired) timer every chance to land before
	// asserting it never did.
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestCancelWorkSync_delayedTimerAlreadyFiredRunsNormally(t *testing.T) {
	mgr, wq := newTestManagerAndQueue(t, 4)

	started := make(chan struct{})
	release := make(chan struct{})
	w := NewWorkItem(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.True(t, wq.EnqueueAfter(w, 5*time.Millisecond))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("delayed work item never fired")
	}

	done := make(chan bool, 1)
	go func() { done <- mgr.CancelWorkSync(w) }()

	select {
	case <-done:
		t.Fatal("CancelWorkSync returned before the fired item finished running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("CancelWorkSync never returned")
	}
}
