package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openState(t *testing.T) *CheckpointStore {
	t.Helper()
	s, err := OpenCheckpointStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckpointSaveLoad(t *testing.T) {
	ctx := context.Background()
	s := openState(t)

	_, ok, err := s.Load(ctx, "/var/log/mail.log")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cp := Checkpoint{Path: "/var/log/mail.log", Fingerprint: "abc", FingerprintLen: 512, Offset: 4096, UpdatedAt: at}
	require.NoError(t, s.Save(ctx, cp))

	cp.Offset = 8192
	require.NoError(t, s.Save(ctx, cp))

	got, ok, err := s.Load(ctx, "/var/log/mail.log")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cp, got)
}

func TestCheckpointPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenCheckpointStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, Checkpoint{Path: "p", Offset: 10}))
	require.NoError(t, s.MarkSeen(ctx, "h1", time.Now()))
	require.NoError(t, s.Close())

	s, err = OpenCheckpointStore(dir)
	require.NoError(t, err)
	defer s.Close()

	cp, ok, err := s.Load(ctx, "p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 10, cp.Offset)

	seen, err := s.Seen(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSeenAndPrune(t *testing.T) {
	ctx := context.Background()
	s := openState(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	seen, err := s.Seen(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkSeen(ctx, "h1", base))
	require.NoError(t, s.MarkSeen(ctx, "h1", base))
	require.NoError(t, s.MarkSeen(ctx, "h2", base.Add(2*time.Hour)))

	n, err := s.PruneSeen(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	seen, err = s.Seen(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = s.Seen(ctx, "h2")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestOpenCheckpointStoreRequiresDir(t *testing.T) {
	_, err := OpenCheckpointStore("  ")
	assert.Error(t, err)
}
