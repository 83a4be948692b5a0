package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/registry/internal/core"
)

// fakeReplayer fails any record listed in failing
type fakeReplayer struct {
	mu       sync.Mutex
	failing  map[string]error
	replayed []string
}

func (f *fakeReplayer) Replay(ctx context.Context, item core.RetryItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replayed = append(f.replayed, item.Record.ID)
	if err, ok := f.failing[item.Record.ID]; ok {
		return err
	}
	return nil
}

func (f *fakeReplayer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replayed...)
}

func TestRunOnce_DrainsSuccessfulItems(t *testing.T) {
	q, _ := openTestQueue(t, Options{})
	q.Enqueue(item("a"))
	q.Enqueue(item("b"))

	r := &fakeReplayer{}
	w := NewWorker(q, r, WorkerOptions{})

	res := w.RunOnce(context.Background())
	assert.Equal(t, PassResult{Replayed: 2}, res)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, []string{"a", "b"}, r.calls())
}

func TestRunOnce_FailureGoesToTailOncePerPass(t *testing.T) {
	q, _ := openTestQueue(t, Options{})
	q.Enqueue(item("a"))
	q.Enqueue(item("b"))

	r := &fakeReplayer{failing: map[string]error{"a": errors.New("down")}}
	w := NewWorker(q, r, WorkerOptions{})

	res := w.RunOnce(context.Background())
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"a", "b"}, r.calls(), "a failed item is not retried within the same pass")

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].Record.ID)
	assert.Equal(t, 1, snap[0].Attempts)
}

func TestRunOnce_UnreachableTargetRotatesWithoutAttempt(t *testing.T) {
	q, _ := openTestQueue(t, Options{})
	q.Enqueue(item("v1"))
	g := item("g1")
	g.Target = core.TargetGraph
	q.Enqueue(g)

	r := &fakeReplayer{}
	w := NewWorker(q, r, WorkerOptions{Probes: map[string]Probe{
		core.TargetVector: func(context.Context) error { return core.ErrUnavailable },
		core.TargetGraph:  func(context.Context) error { return nil },
	}})

	res := w.RunOnce(context.Background())
	assert.Equal(t, PassResult{Replayed: 1, Skipped: 1}, res)
	assert.Equal(t, []string{"g1"}, r.calls())

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "v1", snap[0].Record.ID)
	assert.Equal(t, 0, snap[0].Attempts)
}

func TestRunOnce_InvalidArgumentIsDeadLettered(t *testing.T) {
	q, _ := openTestQueue(t, Options{})
	q.Enqueue(item("bad"))

	r := &fakeReplayer{failing: map[string]error{"bad": core.ErrInvalidArgument}}
	w := NewWorker(q, r, WorkerOptions{})

	res := w.RunOnce(context.Background())
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, 0, q.Len())
}

func TestRunOnce_ItemsEnqueuedDuringPassWait(t *testing.T) {
	q, _ := openTestQueue(t, Options{})
	q.Enqueue(item("a"))

	w := NewWorker(q, &enqueueingReplayer{queue: q}, WorkerOptions{})

	res := w.RunOnce(context.Background())
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, []string{"late"}, recordIDs(q.Snapshot()))
}

type enqueueingReplayer struct {
	queue *Queue
	done  bool
}

func (e *enqueueingReplayer) Replay(ctx context.Context, it core.RetryItem) error {
	if !e.done {
		e.done = true
		e.queue.Enqueue(item("late"))
	}
	return nil
}

func TestWorkerStartStop(t *testing.T) {
	q, _ := openTestQueue(t, Options{})
	q.Enqueue(item("a"))

	r := &fakeReplayer{}
	w := NewWorker(q, r, WorkerOptions{Interval: 10 * time.Millisecond})
	w.Start()
	w.Start()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	w.Stop()
	assert.Equal(t, []string{"a"}, r.calls())
}
