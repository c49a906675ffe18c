// Package httpapi is the operator HTTP API: deny-list management, on-demand
// archiving and mirroring of a day, and reconciliation of given emails.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/mailtrack/consts"
	"github.com/migadu/mailtrack/helpers"
	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/models"
	"github.com/migadu/mailtrack/server/archiver"
	"github.com/migadu/mailtrack/server/denylist"
	"github.com/migadu/mailtrack/server/reconciler"
)

// DenyList is the deny-list surface the API needs. *denylist.Manager implements it.
type DenyList interface {
	Get(ctx context.Context, address string) (*models.DenyListEntry, error)
	Suppress(ctx context.Context, address, reason, dsn string) error
	Remove(ctx context.Context, address string) (bool, error)
}

// Archiver is implemented by *archiver.Archiver.
type Archiver interface {
	Location() *time.Location
	Archive(ctx context.Context, date time.Time) (*archiver.Result, error)
	CopyToS3(ctx context.Context, date time.Time) (*archiver.RemoteCopyResult, error)
}

// Reconciler is implemented by *reconciler.Reconciler.
type Reconciler interface {
	ReconcileEmails(ctx context.Context, ids []string) (reconciler.Stats, error)
}

// Emails reads tracked emails. *db.Database implements it.
type Emails interface {
	GetEmail(ctx context.Context, id string) (*models.Email, error)
	ListDeliveriesByEmail(ctx context.Context, emailID string) ([]models.Delivery, error)
}

// Pinger reports store reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server
type Server struct {
	addr           string
	apiKey         string
	allowedHosts   []string
	trustedProxies []string
	tls            bool
	tlsCertFile    string
	tlsKeyFile     string

	denyList   DenyList
	archiver   Archiver
	reconciler Reconciler
	emails     Emails
	health     Pinger

	server *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr           string
	APIKey         string
	AllowedHosts   []string
	TrustedProxies []string
	TLS            bool
	TLSCertFile    string
	TLSKeyFile     string

	DenyList   DenyList
	Archiver   Archiver
	Reconciler Reconciler
	Emails     Emails
	Health     Pinger
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	return &Server{
		addr:           options.Addr,
		apiKey:         options.APIKey,
		allowedHosts:   options.AllowedHosts,
		trustedProxies: options.TrustedProxies,
		tls:            options.TLS,
		tlsCertFile:    options.TLSCertFile,
		tlsKeyFile:     options.TLSKeyFile,
		denyList:       options.DenyList,
		archiver:       options.Archiver,
		reconciler:     options.Reconciler,
		emails:         options.Emails,
		health:         options.Health,
	}, nil
}

// Start runs the HTTP API server until ctx is done. Failures are sent to errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: starting server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: error shutting down server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.allowedHostsMiddleware)
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/denylist/{address}", s.handleGetDenyEntry).Methods("GET")
	v1.HandleFunc("/denylist/{address}", s.handleSuppress).Methods("PUT")
	v1.HandleFunc("/denylist/{address}", s.handleRemoveDenyEntry).Methods("DELETE")

	v1.HandleFunc("/archive/{date}", s.handleArchive).Methods("POST")
	v1.HandleFunc("/archive/{date}/copy", s.handleCopy).Methods("POST")

	v1.HandleFunc("/reconcile", s.handleReconcile).Methods("POST")
	v1.HandleFunc("/emails/{id}", s.handleGetEmail).Methods("GET")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		allowed := matchesHost(s.allowedHosts, s.clientIP(r))

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// matchesHost reports whether ip equals one of hosts or lies in one of its CIDR blocks.
func matchesHost(hosts []string, ip string) bool {
	parsed := net.ParseIP(ip)
	for _, host := range hosts {
		if host == ip {
			return true
		}
		if strings.Contains(host, "/") {
			if _, cidr, err := net.ParseCIDR(host); err == nil && parsed != nil && cidr.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

// clientIP returns the peer address. Forwarding headers are honoured only
// when the peer is a trusted proxy, and then the last X-Forwarded-For hop
// not added by a trusted proxy is used.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !matchesHost(s.trustedProxies, host) {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !matchesHost(s.trustedProxies, hop) {
				return hop
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Request/Response types

type SuppressRequest struct {
	Reason string `json:"reason"`
	DSN    string `json:"dsn"`
}

type ReconcileRequest struct {
	EmailIDs []string `json:"email_ids"`
}

type ReconcileResponse struct {
	Examined int `json:"examined"`
	Updated  int `json:"updated"`
	Failed   int `json:"failed"`
}

type ArchiveResponse struct {
	Date       string `json:"date"`
	Emails     int    `json:"emails"`
	Deliveries int    `json:"deliveries"`
	Deleted    int64  `json:"deleted"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum,omitempty"`
	NoOp       bool   `json:"no_op"`
}

type CopyResponse struct {
	Date     string `json:"date"`
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
	NoOp     bool   `json:"no_op"`
}

type EmailResponse struct {
	models.Email
	Deliveries []models.Delivery `json:"deliveries"`
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			logger.Warn("HTTP API: health check failed", "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetDenyEntry(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	entry, err := s.denyList.Get(r.Context(), address)
	if err != nil {
		switch {
		case errors.Is(err, denylist.ErrInvalidAddress):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, consts.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "Address is not suppressed")
		default:
			logger.Error("HTTP API: failed to get deny entry", "address", helpers.MaskAddress(address), "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to get deny entry")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSuppress(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	defer r.Body.Close()

	var req SuppressRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	if err := s.denyList.Suppress(r.Context(), address, req.Reason, req.DSN); err != nil {
		if errors.Is(err, denylist.ErrInvalidAddress) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("HTTP API: failed to suppress address", "address", helpers.MaskAddress(address), "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to suppress address")
		return
	}

	entry, err := s.denyList.Get(r.Context(), address)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"address": helpers.NormalizeAddress(address), "status": "suppressed"})
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRemoveDenyEntry(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	removed, err := s.denyList.Remove(r.Context(), address)
	if err != nil {
		if errors.Is(err, denylist.ErrInvalidAddress) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("HTTP API: failed to remove deny entry", "address", helpers.MaskAddress(address), "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to remove deny entry")
		return
	}
	if !removed {
		s.writeError(w, http.StatusNotFound, "Address is not suppressed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) parseDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	date, err := helpers.ParseDate(mux.Vars(r)["date"], s.archiver.Location())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return time.Time{}, false
	}
	return date, true
}

// archiveErrorStatus maps archiver errors to HTTP status codes.
func archiveErrorStatus(err error) int {
	switch {
	case errors.Is(err, archiver.ErrNotEligible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, archiver.ErrLocked), errors.Is(err, archiver.ErrIncompleteUnit):
		return http.StatusConflict
	case errors.Is(err, archiver.ErrUnitNotFound):
		return http.StatusNotFound
	case errors.Is(err, archiver.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, archiver.ErrUploadFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	date, ok := s.parseDate(w, r)
	if !ok {
		return
	}
	res, err := s.archiver.Archive(r.Context(), date)
	if err != nil {
		status := archiveErrorStatus(err)
		if status == http.StatusInternalServerError {
			logger.Error("HTTP API: archive failed", "date", helpers.FormatDate(date), "error", err)
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, ArchiveResponse{
		Date:       res.Date,
		Emails:     res.Emails,
		Deliveries: res.Deliveries,
		Deleted:    res.Deleted,
		Size:       res.Size,
		Checksum:   res.Checksum,
		NoOp:       res.NoOp,
	})
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	date, ok := s.parseDate(w, r)
	if !ok {
		return
	}
	res, err := s.archiver.CopyToS3(r.Context(), date)
	if err != nil {
		status := archiveErrorStatus(err)
		if status == http.StatusInternalServerError || status == http.StatusBadGateway {
			logger.Error("HTTP API: copy to S3 failed", "date", helpers.FormatDate(date), "error", err)
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, CopyResponse{
		Date:     res.Date,
		Bucket:   res.Bucket,
		Key:      res.Key,
		Checksum: res.Checksum,
		NoOp:     res.NoOp,
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.EmailIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "email_ids is required")
		return
	}

	stats, err := s.reconciler.ReconcileEmails(r.Context(), req.EmailIDs)
	if err != nil {
		logger.Error("HTTP API: reconcile failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Reconcile failed")
		return
	}
	s.writeJSON(w, http.StatusOK, ReconcileResponse{Examined: stats.Examined, Updated: stats.Updated, Failed: stats.Failed})
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	email, err := s.emails.GetEmail(r.Context(), id)
	if err != nil {
		if errors.Is(err, consts.ErrEmailNotFound) {
			s.writeError(w, http.StatusNotFound, "Email not found")
			return
		}
		logger.Error("HTTP API: failed to get email", "email_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get email")
		return
	}
	deliveries, err := s.emails.ListDeliveriesByEmail(r.Context(), id)
	if err != nil {
		logger.Error("HTTP API: failed to list deliveries", "email_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	s.writeJSON(w, http.StatusOK, EmailResponse{Email: *email, Deliveries: deliveries})
}
