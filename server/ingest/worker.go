package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/mtalog"
	"github.com/migadu/mailtrack/pkg/metrics"
	"github.com/migadu/mailtrack/pkg/retry"
	"github.com/migadu/mailtrack/server/correlator"
)

// RecordSource yields records in file order. *Source implements it.
type RecordSource interface {
	Next(ctx context.Context) (Item, error)
	Checkpoint() Checkpoint
}

// Applier applies one record. *correlator.Correlator implements it.
type Applier interface {
	Apply(ctx context.Context, rec mtalog.Record) (correlator.Result, error)
}

// State persists progress. *CheckpointStore implements it.
type State interface {
	Save(ctx context.Context, cp Checkpoint) error
	Seen(ctx context.Context, hash string) (bool, error)
	MarkSeen(ctx context.Context, hash string, at time.Time) error
	PruneSeen(ctx context.Context, before time.Time) (int64, error)
}

// WorkerOptions tune a Worker.
type WorkerOptions struct {
	CheckpointEvery    int
	CheckpointInterval time.Duration
	SeenRetention      time.Duration
	// Backoff applies to store failures while applying a record.
	Backoff retry.BackoffConfig
}

// Worker is the single-goroutine ingest pipeline: it reads records, skips
// lines already applied, applies the rest in order and saves the read
// position regularly.
//
// A record whose application fails is retried until it succeeds or the
// worker stops, so later records are never applied before it. If the worker
// stops while such a record is pending, the saved position points at its
// start and the next run replays it.
type Worker struct {
	src     RecordSource
	applier Applier
	state   State
	opts    WorkerOptions
	now     func() time.Time

	sinceSave int
	lastSave  time.Time
	lastPrune time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewWorker(src RecordSource, applier Applier, state State, opts WorkerOptions) *Worker {
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 100
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 5 * time.Second
	}
	if opts.SeenRetention <= 0 {
		opts.SeenRetention = 7 * 24 * time.Hour
	}
	if opts.Backoff.InitialInterval <= 0 {
		opts.Backoff = retry.DefaultBackoffConfig()
		opts.Backoff.MaxRetries = math.MaxInt32
	}
	return &Worker{
		src:     src,
		applier: applier,
		state:   state,
		opts:    opts,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start runs the pipeline in a goroutine until ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go func() {
		defer close(w.done)
		if err := w.Run(ctx, runCtx); err != nil {
			logger.Error("Ingest: worker stopped with error", "error", err)
		}
	}()
}

// Stop lets the record in flight finish, saves the position and returns
// once the pipeline has exited.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
	if w.cancel != nil {
		<-w.done
	}
}

// Run processes records until stopCtx is done. Records are applied with
// ctx, so cancelling only stopCtx never interrupts a write in progress.
// The position is saved before Run returns.
func (w *Worker) Run(ctx, stopCtx context.Context) error {
	logger.Info("Ingest: worker starting", "checkpoint_every", w.opts.CheckpointEvery,
		"checkpoint_interval", w.opts.CheckpointInterval)
	w.lastSave = w.now()

	for {
		item, err := w.src.Next(stopCtx)
		if err != nil {
			w.save(context.WithoutCancel(ctx), nil)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info("Ingest: worker stopped")
				return nil
			}
			return err
		}

		if err := w.handle(ctx, stopCtx, item); err != nil {
			// Stopped while the record was still failing.
			w.save(context.WithoutCancel(ctx), &item)
			logger.Info("Ingest: worker stopped with a pending record", "offset", item.Start, "error", err)
			return nil
		}

		w.sinceSave++
		if w.sinceSave >= w.opts.CheckpointEvery || w.now().Sub(w.lastSave) >= w.opts.CheckpointInterval {
			w.save(ctx, nil)
		}
	}
}

func (w *Worker) handle(ctx, stopCtx context.Context, item Item) error {
	return retry.WithRetry(stopCtx, func() error {
		seen, err := w.state.Seen(ctx, item.Record.Hash)
		if err != nil {
			logger.Error("Ingest: failed to check line hash", "offset", item.Start, "error", err)
			return err
		}
		if seen {
			metrics.LogLinesTotal.WithLabelValues("replayed").Inc()
			return nil
		}

		res, err := w.applier.Apply(ctx, item.Record)
		if err != nil {
			logger.Error("Ingest: failed to apply record", "queue_id", item.Record.QueueID, "offset", item.Start, "error", err)
			return err
		}
		logger.Debug("Ingest: record applied", "queue_id", item.Record.QueueID, "outcome", res.Outcome)

		if err := w.state.MarkSeen(ctx, item.Record.Hash, w.now()); err != nil {
			// Replaying the record is harmless, it correlates as a duplicate.
			logger.Warn("Ingest: failed to record line hash", "offset", item.Start, "error", err)
		}
		return nil
	}, w.opts.Backoff)
}

// save persists the read position. With pending set, the position is moved
// back to the start of that record.
func (w *Worker) save(ctx context.Context, pending *Item) {
	cp := w.src.Checkpoint()
	if pending != nil && pending.Start < cp.Offset {
		cp.Offset = pending.Start
	}
	cp.UpdatedAt = w.now()
	if err := w.state.Save(ctx, cp); err != nil {
		logger.Error("Ingest: failed to save checkpoint", "offset", cp.Offset, "error", err)
		return
	}
	w.sinceSave = 0
	w.lastSave = cp.UpdatedAt

	if w.lastSave.Sub(w.lastPrune) >= time.Hour {
		n, err := w.state.PruneSeen(ctx, w.lastSave.Add(-w.opts.SeenRetention))
		if err != nil {
			logger.Warn("Ingest: failed to prune line hashes", "error", err)
			return
		}
		w.lastPrune = w.lastSave
		if n > 0 {
			logger.Debug("Ingest: pruned line hashes", "count", n)
		}
	}
}
