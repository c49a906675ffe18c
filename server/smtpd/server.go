// Package smtpd is the submission listener. It records every accepted message
// as an email with one queued delivery per recipient and relays each recipient
// to the MTA, remembering the queue ID the MTA hands back.
package smtpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/mailtrack/config"
	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/models"
	"github.com/migadu/mailtrack/pkg/metrics"
)

// Store persists submitted emails.
type Store interface {
	CreateEmail(ctx context.Context, email *models.Email, deliveries []models.Delivery) error
	MarkDeliverySent(ctx context.Context, id, queueID string, at time.Time) (bool, error)
	UpdateDeliveryStatus(ctx context.Context, id string, from models.DeliveryStatus, upd models.StatusUpdate) (bool, error)
	UpdateEmailStatus(ctx context.Context, id string, from, to models.EmailStatus, at time.Time) (bool, error)
}

// Suppression answers whether a recipient is on the deny list.
type Suppression interface {
	IsSuppressed(ctx context.Context, address string) (bool, error)
}

// ServerOptions configures the submission server.
type ServerOptions struct {
	Addr              string
	Hostname          string
	MaxMessageBytes   int64
	MaxRecipients     int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	AllowInsecureAuth bool
	// Users maps a username to its bcrypt password hash. When empty, no
	// authentication is offered or required.
	Users map[string]string
}

// OptionsFromConfig converts the [smtpd] section into ServerOptions.
func OptionsFromConfig(cfg *config.SMTPDConfig) (ServerOptions, error) {
	readTimeout, err := cfg.GetReadTimeout()
	if err != nil {
		return ServerOptions{}, fmt.Errorf("invalid smtpd read_timeout: %w", err)
	}
	writeTimeout, err := cfg.GetWriteTimeout()
	if err != nil {
		return ServerOptions{}, fmt.Errorf("invalid smtpd write_timeout: %w", err)
	}
	users := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return ServerOptions{}, fmt.Errorf("smtpd user entries need username and password_hash")
		}
		users[u.Username] = u.PasswordHash
	}
	return ServerOptions{
		Addr:              cfg.Addr,
		Hostname:          cfg.Hostname,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MaxRecipients:     cfg.MaxRecipients,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		AllowInsecureAuth: cfg.AllowInsecureAuth,
		Users:             users,
	}, nil
}

// Backend implements smtp.Backend.
type Backend struct {
	appCtx      context.Context
	store       Store
	suppression Suppression
	relay       Relay
	users       map[string]string
	now         func() time.Time
	server      *smtp.Server

	activeSessions atomic.Int64
}

// New creates the submission backend and its go-smtp server.
func New(appCtx context.Context, store Store, suppression Suppression, relay Relay, options ServerOptions) (*Backend, error) {
	if store == nil || suppression == nil || relay == nil {
		return nil, errors.New("smtpd needs a store, a deny list and a relay")
	}
	if options.Hostname == "" {
		options.Hostname = "localhost"
	}

	b := &Backend{
		appCtx:      appCtx,
		store:       store,
		suppression: suppression,
		relay:       relay,
		users:       options.Users,
		now:         time.Now,
	}

	s := smtp.NewServer(b)
	s.Addr = options.Addr
	s.Domain = options.Hostname
	s.ReadTimeout = options.ReadTimeout
	s.WriteTimeout = options.WriteTimeout
	s.MaxMessageBytes = options.MaxMessageBytes
	s.MaxRecipients = options.MaxRecipients
	s.AllowInsecureAuth = options.AllowInsecureAuth
	s.Network = "tcp"
	b.server = s

	return b, nil
}

// SetClock replaces the time source used for record timestamps.
func (b *Backend) SetClock(now func() time.Time) {
	b.now = now
}

func (b *Backend) authRequired() bool {
	return len(b.users) > 0
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	sessionCtx, cancel := context.WithCancel(b.appCtx)
	b.activeSessions.Add(1)

	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	logger.Debug("SMTPD: Session opened", "remote", remote)

	return &Session{
		backend: b,
		ctx:     sessionCtx,
		cancel:  cancel,
		remote:  remote,
	}, nil
}

// Start listens on the configured address and serves until Close. Failures
// are sent to errChan.
func (b *Backend) Start(errChan chan error) {
	listener, err := net.Listen("tcp", b.server.Addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	b.Serve(listener, errChan)
}

// Serve accepts connections on l until Close.
func (b *Backend) Serve(l net.Listener, errChan chan error) {
	logger.Info("SMTPD: Listening", "addr", l.Addr().String(), "auth", b.authRequired())
	if err := b.server.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		if b.appCtx.Err() != nil {
			logger.Info("SMTPD: Server stopped gracefully")
			return
		}
		errChan <- fmt.Errorf("SMTPD server error: %w", err)
		return
	}
	logger.Info("SMTPD: Server stopped gracefully")
}

func (b *Backend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// ActiveSessions returns the number of open submission sessions.
func (b *Backend) ActiveSessions() int64 {
	return b.activeSessions.Load()
}

func recordResult(result string) {
	metrics.SMTPMessagesTotal.WithLabelValues(result).Inc()
}
