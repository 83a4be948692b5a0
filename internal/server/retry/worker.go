package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/systemshift/registry/internal/core"
)

// DefaultInterval is the pause between replay passes
const DefaultInterval = 30 * time.Second

// Replayer re-executes the secondary write an item describes
type Replayer interface {
	Replay(ctx context.Context, item core.RetryItem) error
}

// Probe reports whether a target store is reachable
type Probe func(ctx context.Context) error

// WorkerOptions configures a Worker
type WorkerOptions struct {
	Interval time.Duration
	// Probes are keyed by target. Items for an unreachable target are
	// rotated without an attempt. Targets without a probe are always tried.
	Probes map[string]Probe
	Logger *slog.Logger
}

// PassResult summarises one replay pass
type PassResult struct {
	Replayed     int
	Failed       int
	Skipped      int
	DeadLettered int
}

// Worker drains a Queue in the background
type Worker struct {
	queue    *Queue
	replayer Replayer
	interval time.Duration
	probes   map[string]Probe
	logger   *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewWorker creates a worker for queue
func NewWorker(queue *Queue, replayer Replayer, opts WorkerOptions) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		queue:    queue,
		replayer: replayer,
		interval: opts.Interval,
		probes:   opts.Probes,
		logger:   logger.With("component", "retry-worker"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the replay loop. Calling it more than once has no effect.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	w.wg.Add(1)
	go w.loop()

	w.logger.Info("retry worker started", "interval", w.interval, "pending", w.queue.Len())
}

// Stop cancels the loop and waits for the in-flight attempt to finish
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.logger.Info("retry worker stopped", "pending", w.queue.Len())
}

func (w *Worker) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if w.queue.Len() == 0 {
				continue
			}
			res := w.RunOnce(w.ctx)
			w.logger.Debug("retry pass finished",
				"replayed", res.Replayed,
				"failed", res.Failed,
				"skipped", res.Skipped,
				"dead_lettered", res.DeadLettered,
				"pending", w.queue.Len(),
			)
		}
	}
}

// RunOnce probes every target, then makes one pass over the items queued
// when the pass began.
func (w *Worker) RunOnce(ctx context.Context) PassResult {
	var res PassResult

	reachable := make(map[string]bool, len(w.probes))
	for target, probe := range w.probes {
		reachable[target] = probe(ctx) == nil
	}

	n := w.queue.Len()
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		item, ok := w.queue.Head()
		if !ok {
			break
		}

		if up, probed := reachable[item.Target]; probed && !up {
			if err := w.queue.Rotate(item.ID); err != nil {
				w.logger.Error("rotating retry item", "item", item.ID, "error", err)
				break
			}
			res.Skipped++
			continue
		}

		err := w.replayer.Replay(ctx, item)
		if err == nil {
			if err := w.queue.Complete(item.ID); err != nil {
				w.logger.Error("completing retry item", "item", item.ID, "error", err)
				break
			}
			res.Replayed++
			w.logger.Info("retry succeeded", "record", item.Record.ID, "target", item.Target, "attempts", item.Attempts+1)
			continue
		}

		if ctx.Err() != nil {
			// Shutdown interrupted the attempt; it is not the item's fault
			break
		}

		permanent := errors.Is(err, core.ErrInvalidArgument)
		dead, qerr := w.queue.Fail(item.ID, err, permanent)
		if qerr != nil {
			w.logger.Error("recording retry failure", "item", item.ID, "error", qerr)
			break
		}
		res.Failed++
		if dead {
			res.DeadLettered++
		} else {
			w.logger.Warn("retry failed", "record", item.Record.ID, "target", item.Target, "attempts", item.Attempts+1, "error", err)
		}
	}
	return res
}
