package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/mailtrack/logger"
)

// Worker runs Sweep periodically.
type Worker struct {
	reconciler *Reconciler
	interval   time.Duration
	lookback   time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// NewWorker creates a periodic sweep worker.
func NewWorker(r *Reconciler, interval, lookback time.Duration) *Worker {
	return &Worker{
		reconciler: r,
		interval:   interval,
		lookback:   lookback,
		stopCh:     make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	interval := w.interval
	const minAllowedInterval = time.Minute
	if interval < minAllowedInterval {
		logger.Warn("Reconciler: interval below minimum, using minimum", "configured", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	logger.Info("Reconciler: worker starting", "interval", interval, "lookback", w.lookback)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Reconciler: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Reconciler: worker stopped")
				return
			case <-ticker.C:
				if _, err := w.reconciler.Sweep(ctx, w.lookback); err != nil {
					logger.Error("Reconciler: sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the worker to stop and waits for a running sweep to return.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}
