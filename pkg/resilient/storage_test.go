package resilient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockObjectStore struct {
	mock.Mock
}

func (m *mockObjectStore) Put(ctx context.Context, key string, data []byte) error {
	return m.Called(ctx, key, data).Error(0)
}

func (m *mockObjectStore) Bucket() string {
	return "archives"
}

func TestPutWithRetryRetriesTransientErrors(t *testing.T) {
	store := new(mockObjectStore)
	ctx := context.Background()
	data := []byte("unit")

	store.On("Put", ctx, "k", data).Return(errors.New("503 service unavailable")).Twice()
	store.On("Put", ctx, "k", data).Return(nil).Once()

	rs := NewResilientS3Storage(store, 3, time.Millisecond)
	require.NoError(t, rs.PutWithRetry(ctx, "k", data))
	store.AssertNumberOfCalls(t, "Put", 3)
	assert.Equal(t, "archives", rs.Bucket())
}

func TestPutWithRetryStopsOnPermanentErrors(t *testing.T) {
	store := new(mockObjectStore)
	ctx := context.Background()
	denied := errors.New("AccessDenied: bucket policy")

	store.On("Put", ctx, "k", mock.Anything).Return(denied)

	rs := NewResilientS3Storage(store, 3, time.Millisecond)
	err := rs.PutWithRetry(ctx, "k", []byte("x"))
	assert.ErrorIs(t, err, denied)
	store.AssertNumberOfCalls(t, "Put", 1)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(context.Canceled))
	assert.True(t, isRetryableError(context.DeadlineExceeded))
	assert.True(t, isRetryableError(errors.New("read tcp: i/o timeout")))
	assert.False(t, isRetryableError(errors.New("NoSuchBucket")))
}
