// Package denylist maintains the suppression list of addresses that must not
// be sent to, typically because they hard-bounced.
package denylist

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

// ErrInvalidAddress is returned for addresses without local part or domain.
var ErrInvalidAddress = errors.New("invalid address")

// Store persists deny-list entries. Each entry is one row, so readers see it
// either fully written or absent.
type Store interface {
	// UpsertDenyEntry inserts entry or refreshes the existing row, keeping its created_at.
	UpsertDenyEntry(ctx context.Context, entry models.DenyListEntry) error
	GetDenyEntry(ctx context.Context, address string) (*models.DenyListEntry, error)
	DeleteDenyEntry(ctx context.Context, address string) (bool, error)
	// DeleteDenyEntriesOlderThan removes entries whose updated_at is strictly before cutoff.
	DeleteDenyEntriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Manager struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func normalize(address string) (string, error) {
	addr := helpers.NormalizeAddress(address)
	local, domain := helpers.SplitEmailAddress(addr)
	if local == "" || domain == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return addr, nil
}

// Suppress adds address to the list, or refreshes its entry if present.
func (m *Manager) Suppress(ctx context.Context, address, reason, dsn string) error {
	addr, err := normalize(address)
	if err != nil {
		metrics.DenyListOperationsTotal.WithLabelValues("suppress", "invalid").Inc()
		return err
	}
	now := m.now().UTC()
	entry := models.DenyListEntry{
		Address:   addr,
		Reason:    reason,
		DSN:       dsn,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.UpsertDenyEntry(ctx, entry); err != nil {
		metrics.DenyListOperationsTotal.WithLabelValues("suppress", "error").Inc()
		return fmt.Errorf("failed to suppress %s: %w", helpers.MaskAddress(addr), err)
	}
	metrics.DenyListOperationsTotal.WithLabelValues("suppress", "success").Inc()
	logger.Info("DenyList: address suppressed", "address", helpers.MaskAddress(addr), "dsn", dsn)
	return nil
}

// Get returns the entry of address, or consts.ErrNotFound.
func (m *Manager) Get(ctx context.Context, address string) (*models.DenyListEntry, error) {
	addr, err := normalize(address)
	if err != nil {
		return nil, err
	}
	return m.store.GetDenyEntry(ctx, addr)
}

// IsSuppressed reports whether address is on the list.
func (m *Manager) IsSuppressed(ctx context.Context, address string) (bool, error) {
	addr, err := normalize(address)
	if err != nil {
		return false, err
	}
	_, err = m.store.GetDenyEntry(ctx, addr)
	if errors.Is(err, consts.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		metrics.DenyListOperationsTotal.WithLabelValues("lookup", "error").Inc()
		return false, err
	}
	return true, nil
}

// Remove deletes the entry of address. It reports whether one existed.
func (m *Manager) Remove(ctx context.Context, address string) (bool, error) {
	addr, err := normalize(address)
	if err != nil {
		return false, err
	}
	removed, err := m.store.DeleteDenyEntry(ctx, addr)
	if err != nil {
		metrics.DenyListOperationsTotal.WithLabelValues("remove", "error").Inc()
		return false, err
	}
	metrics.DenyListOperationsTotal.WithLabelValues("remove", "success").Inc()
	if removed {
		logger.Info("DenyList: address removed", "address", helpers.MaskAddress(addr))
	}
	return removed, nil
}

// Expire deletes every entry last updated strictly before now-olderThan.
// An entry updated exactly at the cutoff is kept.
func (m *Manager) Expire(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("expiry window must be positive, got %v", olderThan)
	}
	cutoff := m.now().UTC().Add(-olderThan)
	n, err := m.store.DeleteDenyEntriesOlderThan(ctx, cutoff)
	if err != nil {
		metrics.DenyListOperationsTotal.WithLabelValues("expire", "error").Inc()
		return 0, fmt.Errorf("failed to expire deny-list entries: %w", err)
	}
	metrics.DenyListOperationsTotal.WithLabelValues("expire", "success").Inc()
	metrics.DenyListExpiredTotal.Add(float64(n))
	if n > 0 {
		logger.Info("DenyList: expired entries", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
