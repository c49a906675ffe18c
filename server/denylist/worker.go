package denylist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/mailtrack/consts"
	"github.com/migadu/mailtrack/logger"
)

// Expirer removes old entries. *Manager implements it.
type Expirer interface {
	Expire(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Locker provides the cross-instance job lock.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// Worker periodically expires entries older than the retention window. Only
// one instance runs the sweep at a time, guarded by a row in the locks table.
type Worker struct {
	expirer   Expirer
	locker    Locker
	interval  time.Duration
	retention time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewWorker(expirer Expirer, locker Locker, interval, retention time.Duration) *Worker {
	return &Worker{
		expirer:   expirer,
		locker:    locker,
		interval:  interval,
		retention: retention,
		stopCh:    make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	interval := w.interval
	const minAllowedInterval = time.Minute
	if interval < minAllowedInterval {
		logger.Warn("DenyList: interval below minimum, using minimum", "configured", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	logger.Info("DenyList: expiry worker starting", "interval", interval, "retention", w.retention)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("DenyList: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("DenyList: worker stopped")
				return
			case <-ticker.C:
				if _, err := w.runOnce(ctx); err != nil {
					logger.Error("DenyList: expiry failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the worker to stop and waits for it.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) runOnce(ctx context.Context) (int64, error) {
	locked, err := w.locker.AcquireLock(ctx, consts.DenyListExpireLock, w.interval)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire expiry lock: %w", err)
	}
	if !locked {
		logger.Debug("DenyList: skipped, another instance holds the expiry lock")
		return 0, nil
	}
	defer func() {
		if err := w.locker.ReleaseLock(context.WithoutCancel(ctx), consts.DenyListExpireLock); err != nil {
			logger.Warn("DenyList: failed to release expiry lock", "error", err)
		}
	}()

	return w.expirer.Expire(ctx, w.retention)
}
