package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/migadu/mailtrack/mtalog"
	"github.com/migadu/mailtrack/pkg/retry"
	"github.com/migadu/mailtrack/server/correlator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	items []Item
	pos   int
}

func (f *fakeSource) Next(ctx context.Context) (Item, error) {
	f.mu.Lock()
	if f.pos < len(f.items) {
		item := f.items[f.pos]
		f.pos++
		f.mu.Unlock()
		return item, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return Item{}, ctx.Err()
}

func (f *fakeSource) Checkpoint() Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	var off int64
	if f.pos > 0 {
		off = f.items[f.pos-1].End
	}
	return Checkpoint{Path: "mail.log", Offset: off}
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []string
	failFor map[string]error
	calls   chan string
}

func (a *fakeApplier) Apply(ctx context.Context, rec mtalog.Record) (correlator.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls != nil {
		select {
		case a.calls <- rec.QueueID:
		default:
		}
	}
	if err := a.failFor[rec.QueueID]; err != nil {
		return correlator.Result{}, err
	}
	a.applied = append(a.applied, rec.QueueID)
	return correlator.Result{Outcome: correlator.Applied}, nil
}

func (a *fakeApplier) Applied() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied...)
}

type fakeState struct {
	mu     sync.Mutex
	saves  []Checkpoint
	seen   map[string]bool
	pruned int
}

func newFakeState() *fakeState {
	return &fakeState{seen: make(map[string]bool)}
}

func (s *fakeState) Save(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, cp)
	return nil
}

func (s *fakeState) Seen(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[hash], nil
}

func (s *fakeState) MarkSeen(ctx context.Context, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[hash] = true
	return nil
}

func (s *fakeState) PruneSeen(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned++
	return 0, nil
}

func (s *fakeState) LastSave() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return Checkpoint{}
	}
	return s.saves[len(s.saves)-1]
}

func (s *fakeState) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func items(ids ...string) []Item {
	out := make([]Item, 0, len(ids))
	var off int64
	for _, id := range ids {
		out = append(out, Item{
			Record: mtalog.Record{QueueID: id, Hash: "hash-" + id},
			Start:  off,
			End:    off + 100,
		})
		off += 100
	}
	return out
}

func fastBackoff() retry.BackoffConfig {
	return retry.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2, MaxRetries: 1 << 20}
}

func TestWorkerAppliesInOrderAndSavesOnStop(t *testing.T) {
	src := &fakeSource{items: items("Q1", "Q2", "Q3")}
	applier := &fakeApplier{}
	state := newFakeState()
	w := NewWorker(src, applier, state, WorkerOptions{CheckpointEvery: 2, CheckpointInterval: time.Hour, Backoff: fastBackoff()})

	w.Start(context.Background())
	require.Eventually(t, func() bool { return len(applier.Applied()) == 3 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	assert.Equal(t, []string{"Q1", "Q2", "Q3"}, applier.Applied())
	// One save after two records and one on stop.
	assert.Equal(t, 2, state.SaveCount())
	assert.EqualValues(t, 300, state.LastSave().Offset)
	assert.Equal(t, 1, state.pruned)
}

func TestWorkerSkipsReplayedLines(t *testing.T) {
	src := &fakeSource{items: items("Q1", "Q2")}
	applier := &fakeApplier{}
	state := newFakeState()
	state.seen["hash-Q1"] = true
	w := NewWorker(src, applier, state, WorkerOptions{Backoff: fastBackoff()})

	w.Start(context.Background())
	require.Eventually(t, func() bool { return len(applier.Applied()) == 1 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	assert.Equal(t, []string{"Q2"}, applier.Applied())
	assert.True(t, state.seen["hash-Q2"])
	assert.EqualValues(t, 200, state.LastSave().Offset)
}

func TestWorkerRetriesFailingRecordBeforeMovingOn(t *testing.T) {
	src := &fakeSource{items: items("Q1", "Q2", "Q3")}
	applier := &fakeApplier{
		failFor: map[string]error{"Q2": errors.New("database unavailable")},
		calls:   make(chan string, 16),
	}
	state := newFakeState()
	w := NewWorker(src, applier, state, WorkerOptions{CheckpointEvery: 1000, CheckpointInterval: time.Hour, Backoff: fastBackoff()})

	w.Start(context.Background())
	// Wait for several attempts on Q2.
	attempts := 0
	deadline := time.After(2 * time.Second)
	for attempts < 3 {
		select {
		case id := <-applier.calls:
			if id == "Q2" {
				attempts++
			}
		case <-deadline:
			t.Fatal("Q2 was not retried")
		}
	}
	w.Stop()

	assert.Equal(t, []string{"Q1"}, applier.Applied())
	// Saved position points at the start of the pending record.
	assert.EqualValues(t, 100, state.LastSave().Offset)
	assert.False(t, state.seen["hash-Q2"])
}

func TestWorkerRecoversAfterTransientFailure(t *testing.T) {
	src := &fakeSource{items: items("Q1", "Q2")}
	applier := &fakeApplier{
		failFor: map[string]error{"Q1": errors.New("timeout")},
		calls:   make(chan string, 16),
	}
	state := newFakeState()
	w := NewWorker(src, applier, state, WorkerOptions{Backoff: fastBackoff()})

	w.Start(context.Background())
	<-applier.calls
	applier.mu.Lock()
	delete(applier.failFor, "Q1")
	applier.mu.Unlock()

	require.Eventually(t, func() bool { return len(applier.Applied()) == 2 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()
	assert.Equal(t, []string{"Q1", "Q2"}, applier.Applied())
}

func TestWorkerRunReturnsSourceError(t *testing.T) {
	boom := errors.New("read failed")
	w := NewWorker(errSource{err: boom}, &fakeApplier{}, newFakeState(), WorkerOptions{})
	err := w.Run(context.Background(), context.Background())
	assert.ErrorIs(t, err, boom)
}

type errSource struct{ err error }

func (e errSource) Next(ctx context.Context) (Item, error) { return Item{}, e.err }
func (e errSource) Checkpoint() Checkpoint                 { return Checkpoint{} }
