package denylist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/migadu/mailtrack/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// --- Mocks ---

type mockExpirer struct {
	mock.Mock
}

func (m *mockExpirer) Expire(ctx context.Context, olderThan time.Duration) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, name, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockLocker) ReleaseLock(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

// --- Tests ---

func TestWorkerRunOnce(t *testing.T) {
	expirer := new(mockExpirer)
	locker := new(mockLocker)
	w := NewWorker(expirer, locker, time.Hour, 7*24*time.Hour)

	locker.On("AcquireLock", mock.Anything, consts.DenyListExpireLock, time.Hour).Return(true, nil)
	locker.On("ReleaseLock", mock.Anything, consts.DenyListExpireLock).Return(nil)
	expirer.On("Expire", mock.Anything, 7*24*time.Hour).Return(int64(3), nil)

	n, err := w.runOnce(context.Background())
	assert.NoError(t, err)
	assert.EqualValues(t, 3, n)
	expirer.AssertExpectations(t)
	locker.AssertExpectations(t)
}

func TestWorkerRunOnceLockHeldElsewhere(t *testing.T) {
	expirer := new(mockExpirer)
	locker := new(mockLocker)
	w := NewWorker(expirer, locker, time.Hour, time.Hour)

	locker.On("AcquireLock", mock.Anything, consts.DenyListExpireLock, time.Hour).Return(false, nil)

	n, err := w.runOnce(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
	expirer.AssertNotCalled(t, "Expire", mock.Anything, mock.Anything)
	locker.AssertNotCalled(t, "ReleaseLock", mock.Anything, mock.Anything)
}

func TestWorkerRunOnceLockError(t *testing.T) {
	expirer := new(mockExpirer)
	locker := new(mockLocker)
	w := NewWorker(expirer, locker, time.Hour, time.Hour)

	locker.On("AcquireLock", mock.Anything, consts.DenyListExpireLock, time.Hour).Return(false, errors.New("db down"))

	_, err := w.runOnce(context.Background())
	assert.Error(t, err)
	expirer.AssertNotCalled(t, "Expire", mock.Anything, mock.Anything)
}

func TestWorkerRunOnceReleasesLockOnExpireError(t *testing.T) {
	expirer := new(mockExpirer)
	locker := new(mockLocker)
	w := NewWorker(expirer, locker, time.Hour, time.Hour)

	locker.On("AcquireLock", mock.Anything, consts.DenyListExpireLock, time.Hour).Return(true, nil)
	locker.On("ReleaseLock", mock.Anything, consts.DenyListExpireLock).Return(nil)
	expirer.On("Expire", mock.Anything, time.Hour).Return(int64(0), errors.New("db down"))

	_, err := w.runOnce(context.Background())
	assert.Error(t, err)
	locker.AssertCalled(t, "ReleaseLock", mock.Anything, consts.DenyListExpireLock)
}

func TestWorkerStartStop(t *testing.T) {
	w := NewWorker(new(mockExpirer), new(mockLocker), time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.Stop()
}
