package taskengine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushWork_completesImmediatelyWhenNeverSubmitted(t *testing.T) {
	w := NewWorkItem(func(ctx context.Context) error { return nil })
	assert.True(t, FlushWork(w))
}

func TestFlushWork_waitsForCurrentSubmission(t *testing.T) {
	mgr, wq := newTestManagerAndQueue(t, 0)

	release := make(chan struct{})
	w := NewWorkItem(func(ctx context.Context) error {
		<-release
		return nil
	})
	require.True(t, wq.Enqueue(w))

	done := make(chan bool, 1)
	go func() { done <- FlushWork(w) }()

	select {
	case <-done:
		t.Fatal("FlushWork returned before the submission completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("FlushWork never unblocked")
	}
	_ = mgr
}

func TestFlushWorkContext_cancelUnblocks(t *testing.T) {
	_, wq := newTestManagerAndQueue(t, 0)

	release := make(chan struct{})
	w := NewWorkItem(func(ctx context.Context) error {
		<-release
		return nil
	})
	require.True(t, wq.Enqueue(w))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.False(t, FlushWorkContext(ctx, w))
	close(release)
}

func TestWorkqueue_flushAdvancesColorAndDrains(t *testing.T) {
	_, wq := newTestManagerAndQueue(t, 0)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		w := NewWorkItem(func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		require.True(t, wq.Enqueue(w))
	}

	startColor := wq.currentColor()
	wq.Flush()
	assert.Equal(t, (startColor+1)%NRColors, wq.currentColor())
	assert.Equal(t, int32(5), ran.Load())
}

// TestWorkqueue_overlappingFlushesCoalesce is spec.md §8 scenario 3: enqueue
// one item, then issue 6 overlapping Flush calls while it is still in
// flight. Without first-flusher coalescing, concurrent calls race ahead and
// each captures a distinct color, so most would return holding an empty
// barrier at a color nothing was ever enqueued at, before the one real item
// completes. All 6 must instead observe the item's completion.
func TestWorkqueue_overlappingFlushesCoalesce(t *testing.T) {
	_, wq := newTestManagerAndQueue(t, 0)

	release := make(chan struct{})
	var ran atomic.Bool
	w := NewWorkItem(func(ctx context.Context) error {
		<-release
		ran.Store(true)
		return nil
	})
	require.True(t, wq.Enqueue(w))

	const n = 6
	results := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			wq.Flush()
			results <- struct{}{}
		}()
	}

	// Give every goroutine a chance to reach Flush and park before the one
	// real item is allowed to complete.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < n; i++ {
		select {
		case <-results:
			t.Fatal("a Flush returned before the in-flight item completed")
		default:
		}
	}

	close(release)
	for i := 0; i < n; i++ {
		select {
		case <-results:
		case <-time.After(time.Second):
			t.Fatal("not all overlapping Flush calls returned")
		}
	}
	assert.True(t, ran.Load())
}

func TestWorkqueue_drainWaitsForRecursiveEnqueue(t *testing.T) {
	_, wq := newTestManagerAndQueue(t, 0)

	var rounds atomic.Int32
	var submit func()
	submit = func() {
		w := NewWorkItem(func(ctx context.Context) error {
			if rounds.Add(1) < 3 {
				submit()
			}
			return nil
		})
		wq.Enqueue(w)
	}
	submit()

	done := make(chan struct{})
	go func() {
		wq.Drain()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain never returned")
	}
	assert.GreaterOrEqual(t, rounds.Load(), int32(3))
}
