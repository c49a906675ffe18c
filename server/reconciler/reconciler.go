// Package reconciler recomputes the summary status of emails from the
// statuses of their deliveries. The summary is never asserted independently:
// it is always a fold over the current delivery statuses, so running the
// reconciliation again over the same data changes nothing.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/mailtrack/consts"
	"github.com/migadu/mailtrack/helpers"
	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/models"
	"github.com/migadu/mailtrack/pkg/metrics"
)

// Store is the subset of the live store used for reconciliation.
type Store interface {
	GetEmail(ctx context.Context, id string) (*models.Email, error)
	ListDeliveriesByEmails(ctx context.Context, emailIDs []string) (map[string][]models.Delivery, error)
	ListEmailsCreatedBetween(ctx context.Context, from, to time.Time, after *models.EmailCursor, limit int) ([]models.Email, error)
	// UpdateEmailStatus sets the summary only if it still equals from.
	UpdateEmailStatus(ctx context.Context, id string, from, to models.EmailStatus, at time.Time) (bool, error)
}

// Summarize folds delivery statuses into an email summary. Precedence:
// bounced, then failed, then deferred; delivered only when every delivery
// is delivered; pending otherwise (including no deliveries at all).
func Summarize(deliveries []models.Delivery) models.EmailStatus {
	if len(deliveries) == 0 {
		return models.EmailPending
	}
	var bounced, failed, deferred bool
	delivered := 0
	for _, d := range deliveries {
		switch d.Status {
		case models.DeliveryBounced:
			bounced = true
		case models.DeliveryFailed:
			failed = true
		case models.DeliveryDeferred:
			deferred = true
		case models.DeliveryDelivered:
			delivered++
		}
	}
	switch {
	case bounced:
		return models.EmailBounced
	case failed:
		return models.EmailFailed
	case deferred:
		return models.EmailDeferred
	case delivered == len(deliveries):
		return models.EmailDelivered
	}
	return models.EmailPending
}

// Reconcile returns email with its summary recomputed from deliveries.
func Reconcile(email models.Email, deliveries []models.Delivery) models.Email {
	email.Status = Summarize(deliveries)
	return email
}

// Stats reports what a reconciliation run did.
type Stats struct {
	Examined int
	Updated  int
	Failed   int
}

// Reconciler applies Reconcile to stored emails.
type Reconciler struct {
	store     Store
	loc       *time.Location
	batchSize int
	now       func() time.Time
}

// New creates a Reconciler. Calendar days are computed in loc.
func New(store Store, loc *time.Location, batchSize int) *Reconciler {
	if loc == nil {
		loc = time.UTC
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Reconciler{store: store, loc: loc, batchSize: batchSize, now: time.Now}
}

// SetClock replaces the time source.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// ReconcileEmail recomputes and stores the summary of one email. It reports
// whether the stored summary changed.
func (r *Reconciler) ReconcileEmail(ctx context.Context, id string) (bool, error) {
	email, err := r.store.GetEmail(ctx, id)
	if err != nil {
		return false, err
	}
	byEmail, err := r.store.ListDeliveriesByEmails(ctx, []string{id})
	if err != nil {
		return false, fmt.Errorf("failed to list deliveries of email %s: %w", id, err)
	}
	return r.apply(ctx, *email, byEmail[id])
}

// ReconcileEmails reconciles an explicit worklist. Missing emails are
// counted as failures and do not stop the run.
func (r *Reconciler) ReconcileEmails(ctx context.Context, ids []string) (Stats, error) {
	var stats Stats
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Examined++
		changed, err := r.ReconcileEmail(ctx, id)
		if err != nil {
			stats.Failed++
			metrics.ReconcileEmailsTotal.WithLabelValues("error").Inc()
			if errors.Is(err, consts.ErrNotFound) || errors.Is(err, consts.ErrEmailNotFound) {
				logger.Warn("Reconciler: email not found", "email_id", id)
				continue
			}
			logger.Error("Reconciler: failed to reconcile email", "email_id", id, "error", err)
			continue
		}
		if changed {
			stats.Updated++
		}
	}
	return stats, nil
}

// Sweep reconciles every email created in the lookback window before today.
// Today's emails are left to the live pipeline.
func (r *Reconciler) Sweep(ctx context.Context, lookback time.Duration) (Stats, error) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	to := helpers.StartOfDay(r.now().In(r.loc))
	from := to.Add(-lookback)

	var (
		stats  Stats
		cursor *models.EmailCursor
	)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		emails, err := r.store.ListEmailsCreatedBetween(ctx, from, to, cursor, r.batchSize)
		if err != nil {
			return stats, fmt.Errorf("failed to list emails: %w", err)
		}
		if len(emails) == 0 {
			break
		}

		ids := make([]string, len(emails))
		for i, e := range emails {
			ids[i] = e.ID
		}
		byEmail, err := r.store.ListDeliveriesByEmails(ctx, ids)
		if err != nil {
			return stats, fmt.Errorf("failed to list deliveries: %w", err)
		}

		for _, e := range emails {
			stats.Examined++
			changed, err := r.apply(ctx, e, byEmail[e.ID])
			if err != nil {
				stats.Failed++
				metrics.ReconcileEmailsTotal.WithLabelValues("error").Inc()
				logger.Error("Reconciler: failed to update email", "email_id", e.ID, "error", err)
				continue
			}
			if changed {
				stats.Updated++
			}
		}

		last := emails[len(emails)-1]
		cursor = &models.EmailCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		if len(emails) < r.batchSize {
			break
		}
	}

	logger.Info("Reconciler: sweep finished", "from", from, "to", to,
		"examined", stats.Examined, "updated", stats.Updated, "failed", stats.Failed)
	return stats, nil
}

func (r *Reconciler) apply(ctx context.Context, email models.Email, deliveries []models.Delivery) (bool, error) {
	next := Reconcile(email, deliveries)
	if next.Status == email.Status {
		metrics.ReconcileEmailsTotal.WithLabelValues("unchanged").Inc()
		return false, nil
	}
	ok, err := r.store.UpdateEmailStatus(ctx, email.ID, email.Status, next.Status, r.now())
	if err != nil {
		return false, err
	}
	if !ok {
		// The stored summary changed after it was read.
		logger.Debug("Reconciler: summary changed concurrently", "email_id", email.ID)
		metrics.ReconcileEmailsTotal.WithLabelValues("unchanged").Inc()
		return false, nil
	}
	logger.Debug("Reconciler: summary updated", "email_id", email.ID, "from", email.Status, "to", next.Status)
	metrics.ReconcileEmailsTotal.WithLabelValues("updated").Inc()
	return true, nil
}
