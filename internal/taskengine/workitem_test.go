package taskengine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkItem(t *testing.T) {
	w := NewWorkItem(func(ctx context.Context) error { return nil })

	require.NotEmpty(t, w.ID)
	assert.Equal(t, kindPlain, w.kind)
	assert.False(t, w.isBarrier())
	assert.False(t, w.word.isPending())
	assert.Nil(t, w.word.binding())
}

func TestNewWorkItem_distinctIDs(t *testing.T) {
	a := NewWorkItem(func(ctx context.Context) error { return nil })
	b := NewWorkItem(func(ctx context.Context) error { return nil })

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.id, b.id)
}

func TestBarrierWork_waitUnblocksOnExecute(t *testing.T) {
	barrier := newBarrierWork()
	assert.True(t, barrier.isBarrier())

	done := make(chan bool, 1)
	go func() {
		done <- barrier.wait(context.Background())
	}()

	err := barrier.fn(context.Background())
	require.NoError(t, err)

	require.True(t, <-done)
}

func TestWorkItem_waitContextCancel(t *testing.T) {
	barrier := newBarrierWork()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, barrier.wait(ctx))
}

func TestWorkItem_armAndCloseSubmissionDone(t *testing.T) {
	w := NewWorkItem(func(ctx context.Context) error { return nil })

	ch := w.armSubmissionDone()
	assert.Same(t, ch, w.currentSubmissionDone())

	select {
	case <-ch:
		t.Fatal("submission channel should not be closed yet")
	default:
	}

	w.closeSubmissionDone(ch)
	select {
	case <-ch:
	default:
		t.Fatal("submission channel should be closed")
	}

	// Closing again must not panic (defensive against double-completion).
	assert.NotPanics(t, func() { w.closeSubmissionDone(ch) })
}

func TestWorkItem_currentSubmissionDoneNilBeforeArm(t *testing.T) {
	w := NewWorkItem(func(ctx context.Context) error { return nil })
	assert.Nil(t, w.currentSubmissionDone())
}

// TestWorkItem_selfRequeueBoundedLists exercises a work item that
// re-enqueues itself from within its own function a bounded number of
// times, checking that it always lands on exactly one list at a time and
// settles back to Idle once it stops requeuing (spec.md §8's "self-
// requeuing work item, bounded lists" property).
func TestWorkItem_selfRequeueBoundedLists(t *testing.T) {
	_, wq := newTestManagerAndQueue(t, 4)

	const rounds = 5
	var count atomic.Int32
	var w *WorkItem
	w = NewWorkItem(func(ctx context.Context) error {
		if count.Add(1) < rounds {
			wq.Enqueue(w)
		}
		return nil
	})
	require.True(t, wq.Enqueue(w))

	require.Eventually(t, func() bool {
		return count.Load() == rounds
	}, time.Second, 5*time.Millisecond)

	wq.Drain()

	assert.Equal(t, listNone, w.entryList)
	assert.False(t, w.word.isPending())
}
