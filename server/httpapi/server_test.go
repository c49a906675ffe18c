package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/migadu/mailtrack/archive"
	"github.com/migadu/mailtrack/models"
	"github.com/migadu/mailtrack/server/archiver"
	"github.com/migadu/mailtrack/server/denylist"
	"github.com/migadu/mailtrack/server/reconciler"
	"github.com/migadu/mailtrack/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "secret-key"

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type testAPI struct {
	store   *testutils.MemStore
	handler http.Handler
}

func newTestAPI(t *testing.T, health error) *testAPI {
	t.Helper()
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	store := testutils.NewMemStore()
	store.Now = func() time.Time { return now }

	deny := denylist.New(store)
	deny.SetClock(func() time.Time { return now })

	local, err := archive.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	arch := archiver.New(store, local, nil, archiver.Options{Location: time.UTC})
	arch.SetClock(func() time.Time { return now })

	srv, err := New(ServerOptions{
		APIKey:     testKey,
		DenyList:   deny,
		Archiver:   arch,
		Reconciler: reconciler.New(store, time.UTC, 10),
		Emails:     store,
		Health:     pinger{err: health},
	})
	require.NoError(t, err)
	return &testAPI{store: store, handler: srv.Handler()}
}

func (a *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(ServerOptions{})
	assert.Error(t, err)

	_, err = New(ServerOptions{APIKey: "k", TLS: true})
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	api := newTestAPI(t, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"valid key", "Bearer " + testKey, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/denylist/a@b.com", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			api.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestAPI(t, nil).handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	newTestAPI(t, errors.New("db down")).handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAllowedHosts(t *testing.T) {
	s := &Server{apiKey: testKey, allowedHosts: []string{"10.0.0.0/8", "192.168.1.5"}}
	h := s.allowedHostsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	for addr, want := range map[string]int{
		"10.1.2.3:5555":    http.StatusTeapot,
		"192.168.1.5:5555": http.StatusTeapot,
		"172.16.0.1:5555":  http.StatusForbidden,
	} {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, addr)
	}
}

func TestAllowedHostsIgnoresSpoofedForwarding(t *testing.T) {
	s := &Server{apiKey: testKey, allowedHosts: []string{"10.0.0.0/8"}, trustedProxies: []string{"192.168.0.1"}}
	h := s.allowedHostsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	cases := []struct {
		remote string
		xff    string
		want   int
	}{
		{"172.16.0.1:5555", "10.1.2.3", http.StatusForbidden},
		{"192.168.0.1:5555", "10.1.2.3", http.StatusTeapot},
		{"192.168.0.1:5555", "10.1.2.3, 172.16.0.1", http.StatusForbidden},
		{"192.168.0.1:5555", "172.16.0.1, 10.1.2.3, 192.168.0.1", http.StatusTeapot},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tc.remote
		req.Header.Set("X-Forwarded-For", tc.xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "%s via %s", tc.xff, tc.remote)
	}
}

func TestDenyListEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do("PUT", "/api/v1/denylist/A@B.com", `{"reason":"complaint","dsn":"5.7.1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var entry models.DenyListEntry
	decode(t, rec, &entry)
	assert.Equal(t, "a@b.com", entry.Address)
	assert.Equal(t, "complaint", entry.Reason)

	rec = api.do("GET", "/api/v1/denylist/a@b.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &entry)
	assert.Equal(t, "5.7.1", entry.DSN)

	rec = api.do("PUT", "/api/v1/denylist/not-an-address", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do("DELETE", "/api/v1/denylist/a@b.com", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do("DELETE", "/api/v1/denylist/a@b.com", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do("GET", "/api/v1/denylist/a@b.com", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArchiveEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	created := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	api.store.AddEmail(
		models.Email{ID: "e1", Sender: "s@x.com", Status: models.EmailDelivered, CreatedAt: created, UpdatedAt: created},
		models.Delivery{ID: "d1", EmailID: "e1", Recipient: "a@b.com", Status: models.DeliveryDelivered, CreatedAt: created, UpdatedAt: created},
	)

	rec := api.do("POST", "/api/v1/archive/2024-01-02", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res ArchiveResponse
	decode(t, rec, &res)
	assert.Equal(t, "2024-01-02", res.Date)
	assert.Equal(t, 1, res.Emails)
	assert.Equal(t, 1, res.Deliveries)
	assert.False(t, res.NoOp)
	assert.Equal(t, 0, api.store.EmailCount())

	rec = api.do("POST", "/api/v1/archive/2024-01-02", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.True(t, res.NoOp)

	rec = api.do("POST", "/api/v1/archive/2024-01-10", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = api.do("POST", "/api/v1/archive/yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do("POST", "/api/v1/archive/2024-01-02/copy", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestArchiveErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, archiveErrorStatus(archiver.ErrLocked))
	assert.Equal(t, http.StatusConflict, archiveErrorStatus(archiver.ErrIncompleteUnit))
	assert.Equal(t, http.StatusNotFound, archiveErrorStatus(archiver.ErrUnitNotFound))
	assert.Equal(t, http.StatusBadGateway, archiveErrorStatus(archiver.ErrUploadFailure))
	assert.Equal(t, http.StatusInternalServerError, archiveErrorStatus(archiver.ErrStorageFailure))
}

func TestReconcileAndGetEmail(t *testing.T) {
	api := newTestAPI(t, nil)
	created := time.Date(2024, 1, 9, 9, 0, 0, 0, time.UTC)
	api.store.AddEmail(
		models.Email{ID: "e1", Sender: "s@x.com", Status: models.EmailPending, CreatedAt: created, UpdatedAt: created},
		models.Delivery{ID: "d1", EmailID: "e1", Recipient: "a@b.com", Status: models.DeliveryBounced, DSN: "5.1.1", DSNClass: 5, CreatedAt: created, UpdatedAt: created},
	)

	rec := api.do("POST", "/api/v1/reconcile", `{"email_ids":["e1","missing"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stats ReconcileResponse
	decode(t, rec, &stats)
	assert.Equal(t, ReconcileResponse{Examined: 2, Updated: 1, Failed: 1}, stats)

	rec = api.do("POST", "/api/v1/reconcile", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do("GET", "/api/v1/emails/e1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var email EmailResponse
	decode(t, rec, &email)
	assert.Equal(t, models.EmailBounced, email.Status)
	require.Len(t, email.Deliveries, 1)
	assert.Equal(t, "5.1.1", email.Deliveries[0].DSN)

	rec = api.do("GET", "/api/v1/emails/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
