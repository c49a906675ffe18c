// Package archiver moves the delivery records of past days out of the live
// store into per-day archive units and mirrors those units to S3.
//
// A day is archived in a fixed order: the unit is written durably, then a
// manifest marked in progress, then the live rows are deleted, and finally
// the manifest is marked complete. A run interrupted at any step leaves
// either no manifest, an in-progress one, or a unit newer than its manifest.
// The next run for the same day merges what is on disk with what is still
// live and rewrites the manifest, so retries converge.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/mailtrack/archive"
	"github.com/migadu/mailtrack/consts"
	"github.com/migadu/mailtrack/helpers"
	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/models"
	"github.com/migadu/mailtrack/pkg/metrics"
)

// Store is the subset of the live store used for archiving.
type Store interface {
	ListEmailsCreatedBetween(ctx context.Context, from, to time.Time, after *models.EmailCursor, limit int) ([]models.Email, error)
	ListDeliveriesByEmails(ctx context.Context, emailIDs []string) (map[string][]models.Delivery, error)
	// DeleteEmails removes emails and their deliveries. Missing IDs are ignored.
	DeleteEmails(ctx context.Context, ids []string) (int64, error)
	OldestEmailCreatedAt(ctx context.Context) (time.Time, bool, error)
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// UnitStore keeps units and manifests. *archive.LocalStore implements it.
type UnitStore interface {
	ReadManifest(day time.Time) (*archive.Manifest, error)
	WriteManifest(day time.Time, m *archive.Manifest) error
	ReadUnit(day time.Time) ([]byte, error)
	WriteUnit(day time.Time, data []byte) error
}

// Remote uploads units. *resilient.ResilientS3Storage implements it.
type Remote interface {
	PutWithRetry(ctx context.Context, key string, data []byte) error
	Bucket() string
}

// Options tune an Archiver.
type Options struct {
	// Location defines calendar days. Defaults to UTC.
	Location *time.Location
	// LockTTL bounds how long a crashed run keeps a day locked.
	LockTTL time.Duration
	// BatchSize is the page size used when reading live emails.
	BatchSize int
	// Prefix is prepended to remote object keys.
	Prefix string
}

// Result describes a successful Archive call.
type Result struct {
	Date       string
	Emails     int
	Deliveries int
	Deleted    int64
	Size       int64
	Checksum   string
	// NoOp is set when the day was already complete and nothing was live.
	NoOp bool
}

// RemoteCopyResult describes a successful CopyToS3 call.
type RemoteCopyResult struct {
	Date     string
	Bucket   string
	Key      string
	Checksum string
	// NoOp is set when the same unit was already mirrored at Key.
	NoOp bool
}

// DateResult reports the outcome of one day of a range operation.
type DateResult struct {
	Date   string
	Result *Result
	Copy   *RemoteCopyResult
	Err    error
}

type Archiver struct {
	store  Store
	units  UnitStore
	remote Remote
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

// New creates an Archiver. remote may be nil when no object store is configured.
func New(store Store, units UnitStore, remote Remote, opts Options) *Archiver {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	return &Archiver{
		store:   store,
		units:   units,
		remote:  remote,
		opts:    opts,
		now:     time.Now,
		running: make(map[string]struct{}),
	}
}

// SetClock replaces the time source.
func (a *Archiver) SetClock(now func() time.Time) {
	a.now = now
}

// Location returns the time zone that defines calendar days.
func (a *Archiver) Location() *time.Location {
	return a.opts.Location
}

// Today returns midnight of the current day.
func (a *Archiver) Today() time.Time {
	return helpers.StartOfDay(a.now().In(a.opts.Location))
}

func (a *Archiver) day(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, a.opts.Location)
}

func (a *Archiver) tryLocal(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.running[key]; busy {
		return false
	}
	a.running[key] = struct{}{}
	return true
}

func (a *Archiver) releaseLocal(key string) {
	a.mu.Lock()
	delete(a.running, key)
	a.mu.Unlock()
}

// lockDay serialises runs for one day within this process and across instances.
func (a *Archiver) lockDay(ctx context.Context, date string) (func(), error) {
	if !a.tryLocal(date) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, date)
	}
	name := consts.ArchiveLockPrefix + date
	ok, err := a.store.AcquireLock(ctx, name, a.opts.LockTTL)
	if err != nil {
		a.releaseLocal(date)
		return nil, fmt.Errorf("failed to acquire archive lock for %s: %w", date, err)
	}
	if !ok {
		a.releaseLocal(date)
		return nil, fmt.Errorf("%w: %s", ErrLocked, date)
	}
	return func() {
		if err := a.store.ReleaseLock(context.WithoutCancel(ctx), name); err != nil {
			logger.Warn("Archiver: failed to release lock", "date", date, "error", err)
		}
		a.releaseLocal(date)
	}, nil
}

// Archive moves the live records created on date into the day's unit.
func (a *Archiver) Archive(ctx context.Context, date time.Time) (*Result, error) {
	res, err := a.archive(ctx, date)
	switch {
	case err != nil:
		metrics.ArchiveRunsTotal.WithLabelValues("archive", "error").Inc()
	case res.NoOp:
		metrics.ArchiveRunsTotal.WithLabelValues("archive", "noop").Inc()
	default:
		metrics.ArchiveRunsTotal.WithLabelValues("archive", "success").Inc()
	}
	return res, err
}

func (a *Archiver) archive(ctx context.Context, date time.Time) (*Result, error) {
	day := a.day(date)
	key := helpers.FormatDate(day)
	if !day.Before(a.Today()) {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, key)
	}

	unlock, err := a.lockDay(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Once the day is locked the run is carried to the end.
	wctx := context.WithoutCancel(ctx)

	manifest, existing, err := a.loadExisting(day)
	if err != nil {
		return nil, err
	}

	live, err := a.loadLive(wctx, day)
	if err != nil {
		return nil, err
	}

	if manifest.IsComplete() && len(live) == 0 {
		logger.Debug("Archiver: day already archived", "date", key)
		return &Result{
			Date:       key,
			Emails:     manifest.Emails,
			Deliveries: manifest.Deliveries,
			Size:       manifest.Size,
			Checksum:   manifest.Checksum,
			NoOp:       true,
		}, nil
	}

	merged := archive.Merge(existing, live)
	if len(merged) == 0 && manifest == nil {
		logger.Debug("Archiver: nothing to archive", "date", key)
		return &Result{Date: key, NoOp: true}, nil
	}

	data, err := archive.Encode(day, merged)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", ErrStorageFailure, key, err)
	}

	now := a.now().UTC()
	next := &archive.Manifest{
		Date:       key,
		State:      archive.StateInProgress,
		Emails:     len(merged),
		Deliveries: countDeliveries(merged),
		Size:       int64(len(data)),
		Checksum:   archive.Checksum(data),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if manifest != nil {
		next.CreatedAt = manifest.CreatedAt
		next.Remote = manifest.Remote
	}

	if err := a.units.WriteUnit(day, data); err != nil {
		return nil, fmt.Errorf("%w: write unit %s: %w", ErrStorageFailure, key, err)
	}
	if err := a.units.WriteManifest(day, next); err != nil {
		return nil, fmt.Errorf("%w: write manifest %s: %w", ErrStorageFailure, key, err)
	}

	ids := make([]string, len(live))
	for i, e := range live {
		ids[i] = e.Email.ID
	}
	var deleted int64
	for start := 0; start < len(ids); start += a.opts.BatchSize {
		end := min(start+a.opts.BatchSize, len(ids))
		n, err := a.store.DeleteEmails(wctx, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to delete archived emails of %s: %w", key, err)
		}
		deleted += n
	}

	completed := a.now().UTC()
	next.State = archive.StateComplete
	next.UpdatedAt = completed
	next.CompletedAt = &completed
	if err := a.units.WriteManifest(day, next); err != nil {
		return nil, fmt.Errorf("%w: complete manifest %s: %w", ErrStorageFailure, key, err)
	}

	metrics.ArchivedRecordsTotal.WithLabelValues("email").Add(float64(len(live)))
	metrics.ArchivedRecordsTotal.WithLabelValues("delivery").Add(float64(countDeliveries(live)))
	metrics.ArchiveUnitBytes.Observe(float64(len(data)))

	logger.Info("Archiver: day archived", "date", key, "emails", next.Emails,
		"deliveries", next.Deliveries, "deleted", deleted, "bytes", next.Size)

	return &Result{
		Date:       key,
		Emails:     next.Emails,
		Deliveries: next.Deliveries,
		Deleted:    deleted,
		Size:       next.Size,
		Checksum:   next.Checksum,
	}, nil
}

// loadExisting returns the manifest and decoded unit of a day, if any.
func (a *Archiver) loadExisting(day time.Time) (*archive.Manifest, []archive.Entry, error) {
	key := helpers.FormatDate(day)

	manifest, err := a.units.ReadManifest(day)
	if errors.Is(err, archive.ErrNotFound) {
		manifest = nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("%w: read manifest %s: %w", ErrStorageFailure, key, err)
	}

	data, err := a.units.ReadUnit(day)
	if errors.Is(err, archive.ErrNotFound) {
		data = nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("%w: read unit %s: %w", ErrStorageFailure, key, err)
	}

	if manifest == nil {
		if data == nil {
			return nil, nil, nil
		}
		// A unit without manifest is left by a run that stopped before any
		// deletion, so it only holds copies of live rows.
		date, entries, err := archive.Decode(data)
		if err != nil || date != key {
			logger.Warn("Archiver: ignoring unreadable unit without manifest", "date", key, "error", err)
			return nil, nil, nil
		}
		return nil, entries, nil
	}

	if data == nil {
		return nil, nil, fmt.Errorf("%w: %s has a manifest but no unit", ErrIncompleteUnit, key)
	}
	date, entries, err := archive.Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrIncompleteUnit, key, err)
	}
	if archive.Checksum(data) == manifest.Checksum {
		return manifest, entries, nil
	}

	// Units only grow through Merge. A readable unit of the right day that
	// holds at least what the manifest counted was written by a run that
	// stopped before its manifest; it is reopened so this run rewrites both.
	if date != key || len(entries) < manifest.Emails {
		return nil, nil, fmt.Errorf("%w: %s checksum mismatch", ErrIncompleteUnit, key)
	}
	logger.Warn("Archiver: unit newer than its manifest, resuming", "date", key,
		"manifest_emails", manifest.Emails, "unit_emails", len(entries))
	reopened := *manifest
	reopened.State = archive.StateInProgress
	return &reopened, entries, nil
}

// loadLive reads every live email created on day together with its deliveries.
func (a *Archiver) loadLive(ctx context.Context, day time.Time) ([]archive.Entry, error) {
	from := day
	to := day.AddDate(0, 0, 1)

	var (
		entries []archive.Entry
		cursor  *models.EmailCursor
	)
	for {
		emails, err := a.store.ListEmailsCreatedBetween(ctx, from, to, cursor, a.opts.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list emails of %s: %w", helpers.FormatDate(day), err)
		}
		if len(emails) == 0 {
			break
		}
		ids := make([]string, len(emails))
		for i, e := range emails {
			ids[i] = e.ID
		}
		byEmail, err := a.store.ListDeliveriesByEmails(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to list deliveries of %s: %w", helpers.FormatDate(day), err)
		}
		for _, e := range emails {
			entries = append(entries, archive.Entry{Email: e, Deliveries: byEmail[e.ID]})
		}

		last := emails[len(emails)-1]
		cursor = &models.EmailCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		if len(emails) < a.opts.BatchSize {
			break
		}
	}
	return entries, nil
}

// ArchiveRange archives every day from from to to inclusive. A failing day
// does not stop the run; each day's outcome is reported.
func (a *Archiver) ArchiveRange(ctx context.Context, from, to time.Time) []DateResult {
	var results []DateResult
	for _, day := range helpers.DatesBetween(a.day(from), a.day(to)) {
		key := helpers.FormatDate(day)
		if err := ctx.Err(); err != nil {
			results = append(results, DateResult{Date: key, Err: err})
			continue
		}
		res, err := a.Archive(ctx, day)
		if err != nil {
			logger.Error("Archiver: failed to archive day", "date", key, "error", err)
		}
		results = append(results, DateResult{Date: key, Result: res, Err: err})
	}
	return results
}

func countDeliveries(entries []archive.Entry) int {
	n := 0
	for _, e := range entries {
		n += len(e.Deliveries)
	}
	return n
}
