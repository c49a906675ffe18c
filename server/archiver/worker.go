package archiver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/mailtrack/helpers"
	"github.com/migadu/mailtrack/logger"
)

// Worker archives every day older than the cutoff on a fixed interval.
type Worker struct {
	archiver *Archiver
	interval time.Duration
	cutoff   time.Duration
	mirror   bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates an archive worker. Days whose midnight is older than
// cutoff are archived; with mirror set each archived day is copied to S3.
func NewWorker(a *Archiver, interval, cutoff time.Duration, mirror bool) *Worker {
	return &Worker{
		archiver: a,
		interval: interval,
		cutoff:   cutoff,
		mirror:   mirror,
		stopCh:   make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	interval := w.interval
	const minAllowedInterval = time.Minute
	if interval < minAllowedInterval {
		logger.Warn("Archiver: interval below minimum, using minimum", "configured", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	if w.mirror && !w.archiver.RemoteConfigured() {
		logger.Warn("Archiver: mirroring requested but S3 is not configured, archiving locally only")
	}
	logger.Info("Archiver: worker starting", "interval", interval, "cutoff", w.cutoff, "mirror", w.mirror)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		w.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				logger.Info("Archiver: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Archiver: worker stopped")
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop signals the worker and waits for a running pass to return.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// RunOnce archives the days between the oldest live email and the cutoff.
// It returns the per-day results.
func (w *Worker) RunOnce(ctx context.Context) []DateResult {
	oldest, found, err := w.archiver.store.OldestEmailCreatedAt(ctx)
	if err != nil {
		logger.Error("Archiver: failed to find oldest email", "error", err)
		return nil
	}
	if !found {
		logger.Debug("Archiver: live store is empty")
		return nil
	}

	loc := w.archiver.Location()
	first := helpers.StartOfDay(oldest.In(loc))
	last := helpers.StartOfDay(w.archiver.Today().Add(-w.cutoff)).AddDate(0, 0, -1)
	if last.Before(first) {
		logger.Debug("Archiver: nothing older than cutoff", "oldest", helpers.FormatDate(first))
		return nil
	}

	results := w.archiver.ArchiveRange(ctx, first, last)
	failed := 0
	for i, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		if !w.mirror || !w.archiver.RemoteConfigured() || r.Result == nil || r.Result.Checksum == "" {
			continue
		}
		day, _ := helpers.ParseDate(r.Date, loc)
		cp, err := w.archiver.CopyToS3(ctx, day)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("Archiver: failed to mirror archived day", "date", r.Date, "error", err)
			}
			failed++
		}
		results[i].Copy = cp
		results[i].Err = err
	}
	logger.Info("Archiver: pass finished", "from", helpers.FormatDate(first), "to", helpers.FormatDate(last),
		"days", len(results), "failed", failed)
	return results
}
