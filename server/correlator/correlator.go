// Package correlator matches parsed MTA log records to stored delivery
// attempts by queue ID and moves those attempts through their status
// lifecycle.
//
// Records are applied in log order by a single caller. Every write is a
// compare-and-set on the status that was read, so a concurrent writer turns
// into a Conflict outcome instead of a lost update. Anomalies (unknown queue
// IDs, ambiguous matches, attempts to leave a terminal status) are logged
// and counted; only store failures are returned as errors.
package correlator

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/mailtrack/helpers"
	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/models"
	"github.com/migadu/mailtrack/mtalog"
	"github.com/migadu/mailtrack/pkg/metrics"
)

// Outcome classifies what applying a record did.
type Outcome string

const (
	Applied           Outcome = "applied"
	Duplicate         Outcome = "duplicate"
	Unmatched         Outcome = "unmatched"
	Ambiguous         Outcome = "ambiguous"
	TerminalViolation Outcome = "terminal_violation"
	Ignored           Outcome = "ignored"
	Conflict          Outcome = "conflict"
)

// Result describes the effect of one record.
type Result struct {
	Outcome    Outcome
	DeliveryID string
	From       models.DeliveryStatus
	To         models.DeliveryStatus
}

// Store is the subset of the live store used for correlation.
type Store interface {
	// FindDeliveriesByQueueID returns every delivery carrying queueID, newest first.
	FindDeliveriesByQueueID(ctx context.Context, queueID string) ([]models.Delivery, error)
	// UpdateDeliveryStatus applies upd only if the stored status still equals from.
	UpdateDeliveryStatus(ctx context.Context, id string, from models.DeliveryStatus, upd models.StatusUpdate) (bool, error)
}

// EmailRefresher recomputes the summary of an email. *reconciler.Reconciler implements it.
type EmailRefresher interface {
	ReconcileEmail(ctx context.Context, emailID string) (bool, error)
}

// Suppressor adds hard-bounced addresses to the deny list. *denylist.Manager implements it.
type Suppressor interface {
	Suppress(ctx context.Context, address, reason, dsn string) error
}

type Correlator struct {
	store      Store
	refresher  EmailRefresher
	suppressor Suppressor
	now        func() time.Time
}

// New creates a Correlator. refresher and suppressor may be nil.
func New(store Store, refresher EmailRefresher, suppressor Suppressor) *Correlator {
	return &Correlator{
		store:      store,
		refresher:  refresher,
		suppressor: suppressor,
		now:        time.Now,
	}
}

// SetClock replaces the time source used for updated_at.
func (c *Correlator) SetClock(now func() time.Time) {
	c.now = now
}

// TargetStatus maps a record to the delivery status it reports. The DSN class
// decides when present; otherwise relay failures map to failed and a plain
// "sent" to sent. Anything else reports no status.
func TargetStatus(rec mtalog.Record) (models.DeliveryStatus, bool) {
	switch rec.DSNClass {
	case 2:
		return models.DeliveryDelivered, true
	case 4:
		return models.DeliveryDeferred, true
	case 5:
		return models.DeliveryBounced, true
	}
	if rec.RelayFailure() {
		return models.DeliveryFailed, true
	}
	if rec.MTAStatus == "sent" {
		return models.DeliverySent, true
	}
	return "", false
}

// pick chooses the delivery a record refers to. Candidates with the record's
// recipient are preferred. Among them an open attempt wins; several open
// attempts are ambiguous. Without open attempts the newest closed one is
// returned so replays and late lines can be classified.
func pick(candidates []models.Delivery, recipient string) (models.Delivery, bool) {
	pool := candidates
	if recipient != "" {
		var matching []models.Delivery
		for _, d := range candidates {
			if helpers.NormalizeAddress(d.Recipient) == recipient {
				matching = append(matching, d)
			}
		}
		if len(matching) > 0 {
			pool = matching
		}
	}

	var open []models.Delivery
	for _, d := range pool {
		if !d.Status.IsTerminal() {
			open = append(open, d)
		}
	}
	switch len(open) {
	case 0:
		return pool[0], true
	case 1:
		return open[0], true
	}
	return models.Delivery{}, false
}

// Apply correlates rec with its delivery and applies the reported status.
func (c *Correlator) Apply(ctx context.Context, rec mtalog.Record) (Result, error) {
	res, err := c.apply(ctx, rec)
	if err != nil {
		metrics.CorrelationsTotal.WithLabelValues("error").Inc()
		return res, err
	}
	metrics.CorrelationsTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func (c *Correlator) apply(ctx context.Context, rec mtalog.Record) (Result, error) {
	to, ok := TargetStatus(rec)
	if !ok {
		logger.Debug("Correlator: record reports no delivery status", "queue_id", rec.QueueID, "status", rec.MTAStatus)
		return Result{Outcome: Ignored}, nil
	}

	candidates, err := c.store.FindDeliveriesByQueueID(ctx, rec.QueueID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to look up queue id %s: %w", rec.QueueID, err)
	}
	if len(candidates) == 0 {
		logger.Debug("Correlator: unknown queue id", "queue_id", rec.QueueID)
		return Result{Outcome: Unmatched, To: to}, nil
	}

	d, ok := pick(candidates, rec.Recipient)
	if !ok {
		logger.Warn("Correlator: queue id matches several open deliveries", "queue_id", rec.QueueID,
			"recipient", helpers.MaskAddress(rec.Recipient), "candidates", len(candidates))
		return Result{Outcome: Ambiguous, To: to}, nil
	}

	res := Result{DeliveryID: d.ID, From: d.Status, To: to}
	if d.Status == to {
		res.Outcome = Duplicate
		// A replayed hard bounce re-asserts the suppression in case the first
		// attempt did not complete.
		if err := c.suppressIfHardBounce(ctx, d, rec, to); err != nil {
			return res, err
		}
		return res, nil
	}
	if d.Status.IsTerminal() {
		logger.Warn("Correlator: refusing to leave terminal status", "delivery_id", d.ID,
			"queue_id", rec.QueueID, "from", d.Status, "to", to)
		res.Outcome = TerminalViolation
		return res, nil
	}

	upd := models.StatusUpdate{
		Status:     to,
		DSN:        rec.DSN,
		DSNClass:   rec.DSNClass,
		StatusText: rec.StatusText,
		Relay:      rec.Relay,
		UpdatedAt:  c.now().UTC(),
	}
	updated, err := c.store.UpdateDeliveryStatus(ctx, d.ID, d.Status, upd)
	if err != nil {
		return res, fmt.Errorf("failed to update delivery %s: %w", d.ID, err)
	}
	if !updated {
		logger.Warn("Correlator: delivery changed concurrently", "delivery_id", d.ID, "expected", d.Status)
		res.Outcome = Conflict
		return res, nil
	}

	res.Outcome = Applied
	metrics.DeliveryTransitionsTotal.WithLabelValues(string(d.Status), string(to)).Inc()
	logger.Debug("Correlator: delivery updated", "delivery_id", d.ID, "queue_id", rec.QueueID,
		"from", d.Status, "to", to, "dsn", rec.DSN)

	if c.refresher != nil {
		// The periodic sweep repairs summaries that could not be refreshed here.
		if _, err := c.refresher.ReconcileEmail(ctx, d.EmailID); err != nil {
			logger.Error("Correlator: failed to refresh email summary", "email_id", d.EmailID, "error", err)
		}
	}

	if err := c.suppressIfHardBounce(ctx, d, rec, to); err != nil {
		return res, err
	}
	return res, nil
}

func (c *Correlator) suppressIfHardBounce(ctx context.Context, d models.Delivery, rec mtalog.Record, to models.DeliveryStatus) error {
	if c.suppressor == nil || to != models.DeliveryBounced || rec.DSNClass != 5 {
		return nil
	}
	address := d.Recipient
	if address == "" {
		address = rec.Recipient
	}
	reason := rec.StatusText
	if reason == "" {
		reason = "hard bounce"
	}
	if err := c.suppressor.Suppress(ctx, address, reason, rec.DSN); err != nil {
		return fmt.Errorf("failed to suppress bounced recipient: %w", err)
	}
	return nil
}
