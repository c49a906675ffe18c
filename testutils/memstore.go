package testutils

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/migadu/mailtrack/consts"
	"github.com/migadu/mailtrack/models"
)

// MemStore is an in-memory live store. It implements the store interfaces of
// the correlator, reconciler, deny list, archiver and SMTP packages.
//
// Errors can be injected per operation name with SetError; the operation
// names are the method names (for example "DeleteEmails").
type MemStore struct {
	mu         sync.Mutex
	emails     map[string]models.Email
	deliveries map[string]models.Delivery
	deny       map[string]models.DenyListEntry
	locks      map[string]time.Time
	errs       map[string]error
	calls      map[string]int

	// Now is used for lock expiry.
	Now func() time.Time
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		emails:     make(map[string]models.Email),
		deliveries: make(map[string]models.Delivery),
		deny:       make(map[string]models.DenyListEntry),
		locks:      make(map[string]time.Time),
		errs:       make(map[string]error),
		calls:      make(map[string]int),
		Now:        time.Now,
	}
}

// SetError makes every call of op fail with err. A nil err clears it.
func (s *MemStore) SetError(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, op)
		return
	}
	s.errs[op] = err
}

// Calls returns how many times op was invoked.
func (s *MemStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter must be called with mu held.
func (s *MemStore) enter(op string) error {
	s.calls[op]++
	return s.errs[op]
}

// AddEmail inserts an email and its deliveries directly.
func (s *MemStore) AddEmail(email models.Email, deliveries ...models.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[email.ID] = email
	for _, d := range deliveries {
		d.EmailID = email.ID
		s.deliveries[d.ID] = d
	}
}

// Email returns a stored email.
func (s *MemStore) Email(id string) (models.Email, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[id]
	return e, ok
}

// Delivery returns a stored delivery.
func (s *MemStore) Delivery(id string) (models.Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	return d, ok
}

// EmailCount returns the number of live emails.
func (s *MemStore) EmailCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emails)
}

// DeliveryCount returns the number of live deliveries.
func (s *MemStore) DeliveryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries)
}

// SetDenyEntry inserts a deny-list entry as is.
func (s *MemStore) SetDenyEntry(e models.DenyListEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deny[e.Address] = e
}

// HeldLocks returns the names of unexpired locks.
func (s *MemStore) HeldLocks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	var names []string
	for name, exp := range s.locks {
		if exp.After(now) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *MemStore) CreateEmail(ctx context.Context, email *models.Email, deliveries []models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateEmail"); err != nil {
		return err
	}
	if _, ok := s.emails[email.ID]; ok {
		return consts.ErrDBUniqueViolation
	}
	s.emails[email.ID] = *email
	for _, d := range deliveries {
		d.EmailID = email.ID
		s.deliveries[d.ID] = d
	}
	return nil
}

func (s *MemStore) GetEmail(ctx context.Context, id string) (*models.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetEmail"); err != nil {
		return nil, err
	}
	e, ok := s.emails[id]
	if !ok {
		return nil, consts.ErrEmailNotFound
	}
	return &e, nil
}

func (s *MemStore) ListDeliveriesByEmails(ctx context.Context, emailIDs []string) (map[string][]models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListDeliveriesByEmails"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(emailIDs))
	for _, id := range emailIDs {
		want[id] = true
	}
	out := make(map[string][]models.Delivery)
	for _, d := range s.deliveries {
		if want[d.EmailID] {
			out[d.EmailID] = append(out[d.EmailID], d)
		}
	}
	for id := range out {
		ds := out[id]
		sort.Slice(ds, func(i, j int) bool {
			if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
				return ds[i].CreatedAt.Before(ds[j].CreatedAt)
			}
			return ds[i].ID < ds[j].ID
		})
	}
	return out, nil
}

func (s *MemStore) ListDeliveriesByEmail(ctx context.Context, emailID string) ([]models.Delivery, error) {
	byEmail, err := s.ListDeliveriesByEmails(ctx, []string{emailID})
	if err != nil {
		return nil, err
	}
	return byEmail[emailID], nil
}

func (s *MemStore) ListEmailsCreatedBetween(ctx context.Context, from, to time.Time, after *models.EmailCursor, limit int) ([]models.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListEmailsCreatedBetween"); err != nil {
		return nil, err
	}
	var out []models.Email
	for _, e := range s.emails {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		if after != nil {
			if e.CreatedAt.Before(after.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(after.CreatedAt) && e.ID <= after.ID {
				continue
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) UpdateEmailStatus(ctx context.Context, id string, from, to models.EmailStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpdateEmailStatus"); err != nil {
		return false, err
	}
	e, ok := s.emails[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = at
	s.emails[id] = e
	return true, nil
}

func (s *MemStore) OldestEmailCreatedAt(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("OldestEmailCreatedAt"); err != nil {
		return time.Time{}, false, err
	}
	var oldest time.Time
	found := false
	for _, e := range s.emails {
		if !found || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
			found = true
		}
	}
	return oldest, found, nil
}

func (s *MemStore) DeleteEmails(ctx context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteEmails"); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		if _, ok := s.emails[id]; !ok {
			continue
		}
		delete(s.emails, id)
		n++
		for did, d := range s.deliveries {
			if d.EmailID == id {
				delete(s.deliveries, did)
			}
		}
	}
	return n, nil
}

func (s *MemStore) FindDeliveriesByQueueID(ctx context.Context, queueID string) ([]models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("FindDeliveriesByQueueID"); err != nil {
		return nil, err
	}
	var out []models.Delivery
	for _, d := range s.deliveries {
		if d.QueueID == queueID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemStore) UpdateDeliveryStatus(ctx context.Context, id string, from models.DeliveryStatus, upd models.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpdateDeliveryStatus"); err != nil {
		return false, err
	}
	d, ok := s.deliveries[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = upd.Status
	d.DSN = upd.DSN
	d.DSNClass = upd.DSNClass
	d.StatusText = upd.StatusText
	d.Relay = upd.Relay
	d.UpdatedAt = upd.UpdatedAt
	s.deliveries[id] = d
	return true, nil
}

func (s *MemStore) MarkDeliverySent(ctx context.Context, id, queueID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("MarkDeliverySent"); err != nil {
		return false, err
	}
	d, ok := s.deliveries[id]
	if !ok || d.Status != models.DeliveryQueued {
		return false, nil
	}
	d.Status = models.DeliverySent
	d.QueueID = queueID
	d.UpdatedAt = at
	s.deliveries[id] = d
	return true, nil
}

func (s *MemStore) UpsertDenyEntry(ctx context.Context, entry models.DenyListEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpsertDenyEntry"); err != nil {
		return err
	}
	if existing, ok := s.deny[entry.Address]; ok {
		entry.CreatedAt = existing.CreatedAt
	}
	s.deny[entry.Address] = entry
	return nil
}

func (s *MemStore) GetDenyEntry(ctx context.Context, address string) (*models.DenyListEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetDenyEntry"); err != nil {
		return nil, err
	}
	e, ok := s.deny[address]
	if !ok {
		return nil, consts.ErrNotFound
	}
	return &e, nil
}

func (s *MemStore) DeleteDenyEntry(ctx context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteDenyEntry"); err != nil {
		return false, err
	}
	if _, ok := s.deny[address]; !ok {
		return false, nil
	}
	delete(s.deny, address)
	return true, nil
}

func (s *MemStore) DeleteDenyEntriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteDenyEntriesOlderThan"); err != nil {
		return 0, err
	}
	var n int64
	for addr, e := range s.deny {
		if e.UpdatedAt.Before(cutoff) {
			delete(s.deny, addr)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("AcquireLock"); err != nil {
		return false, err
	}
	now := s.Now()
	if exp, ok := s.locks[name]; ok && exp.After(now) {
		return false, nil
	}
	s.locks[name] = now.Add(ttl)
	return true, nil
}

func (s *MemStore) ReleaseLock(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ReleaseLock"); err != nil {
		return err
	}
	delete(s.locks, name)
	return nil
}
