package smtpd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/migadu/mailtrack/helpers"
	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/models"
	"github.com/migadu/mailtrack/pkg/metrics"
	"github.com/migadu/mailtrack/server/reconciler"
	"golang.org/x/crypto/bcrypt"
)

var (
	errSuppressed = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Recipient address is suppressed",
	}
	errRelayFailed = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 4, 1},
		Message:      "Relay temporarily unavailable, try again later",
	}
	errRelayRejected = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 0, 0},
		Message:      "All recipients were rejected by the relay",
	}
	errInvalidCredentials = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	errMalformedMessage = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Malformed message",
	}
)

// Session is one submission connection.
type Session struct {
	backend *Backend
	ctx     context.Context
	cancel  context.CancelFunc
	remote  string

	user       string
	from       string
	recipients []string
}

func (s *Session) AuthMechanisms() []string {
	if !s.backend.authRequired() {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain || !s.backend.authRequired() {
		return nil, smtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errInvalidCredentials
		}
		hash, ok := s.backend.users[username]
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			logger.Info("SMTPD: Authentication failed", "user", username, "remote", s.remote)
			return errInvalidCredentials
		}
		s.user = username
		logger.Debug("SMTPD: Authenticated", "user", username, "remote", s.remote)
		return nil
	}), nil
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.authRequired() && s.user == "" {
		return smtp.ErrAuthRequired
	}
	s.from = helpers.NormalizeAddress(from)
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.backend.authRequired() && s.user == "" {
		return smtp.ErrAuthRequired
	}
	rcpt := helpers.NormalizeAddress(to)
	suppressed, err := s.backend.suppression.IsSuppressed(s.ctx, rcpt)
	if err != nil {
		logger.Error("SMTPD: Deny list lookup failed", "recipient", helpers.MaskAddress(rcpt), "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary lookup failure",
		}
	}
	if suppressed {
		metrics.SMTPRecipientsRejected.Inc()
		logger.Info("SMTPD: Rejected suppressed recipient", "recipient", helpers.MaskAddress(rcpt), "remote", s.remote)
		return errSuppressed
	}
	s.recipients = append(s.recipients, rcpt)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, smtp.ErrDataTooLarge) {
			recordResult("too_large")
			return smtp.ErrDataTooLarge
		}
		recordResult("error")
		return fmt.Errorf("failed to read message: %w", err)
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		recordResult("malformed")
		logger.Info("SMTPD: Rejected malformed message", "remote", s.remote, "error", err)
		return errMalformedMessage
	}
	header := mail.Header{Header: entity.Header}
	messageID, _ := header.MessageID()
	subject, _ := header.Subject()

	now := s.backend.now().UTC()
	email := &models.Email{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Sender:    s.from,
		Subject:   subject,
		Status:    models.EmailPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	deliveries := make([]models.Delivery, 0, len(s.recipients))
	for _, rcpt := range s.recipients {
		deliveries = append(deliveries, models.Delivery{
			ID:        uuid.NewString(),
			EmailID:   email.ID,
			Recipient: rcpt,
			Status:    models.DeliveryQueued,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := s.backend.store.CreateEmail(s.ctx, email, deliveries); err != nil {
		recordResult("error")
		logger.Error("SMTPD: Failed to record email", "email_id", email.ID, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary storage failure",
		}
	}

	var tempFailed, permFailed int
	for i := range deliveries {
		d := &deliveries[i]
		queueID, err := s.backend.relay.Send(s.ctx, s.from, d.Recipient, raw)
		if err != nil {
			if errors.Is(err, ErrNoQueueID) {
				// The MTA has the message; there is just nothing to correlate on.
				logger.Warn("SMTPD: Relay accepted message without queue ID", "email_id", email.ID, "delivery_id", d.ID, "error", err)
				continue
			}
			permanent := IsPermanentError(err)
			logger.Warn("SMTPD: Relay failed", "email_id", email.ID, "delivery_id", d.ID,
				"recipient", helpers.MaskAddress(d.Recipient), "permanent", permanent, "error", err)
			if !permanent {
				tempFailed++
				continue
			}
			permFailed++
			s.markFailed(d, err)
			continue
		}
		if _, err := s.backend.store.MarkDeliverySent(s.ctx, d.ID, queueID, s.backend.now().UTC()); err != nil {
			logger.Error("SMTPD: Failed to mark delivery sent", "delivery_id", d.ID, "queue_id", queueID, "error", err)
			continue
		}
		d.Status = models.DeliverySent
		d.QueueID = queueID
		logger.Debug("SMTPD: Relayed", "email_id", email.ID, "delivery_id", d.ID, "queue_id", queueID)
	}

	if permFailed > 0 {
		summary := reconciler.Summarize(deliveries)
		if _, err := s.backend.store.UpdateEmailStatus(s.ctx, email.ID, email.Status, summary, s.backend.now().UTC()); err != nil {
			logger.Error("SMTPD: Failed to update email status", "email_id", email.ID, "status", summary, "error", err)
		}
	}

	switch {
	case tempFailed > 0:
		recordResult("relay_failed")
		return errRelayFailed
	case permFailed == len(deliveries):
		recordResult("relay_rejected")
		return errRelayRejected
	}

	recordResult("accepted")
	logger.Info("SMTPD: Message accepted", "email_id", email.ID, "message_id", messageID, "recipients", len(deliveries), "user", s.user)
	return nil
}

// markFailed records a permanent relay rejection on a queued delivery.
func (s *Session) markFailed(d *models.Delivery, relayErr error) {
	upd := models.StatusUpdate{
		Status:     models.DeliveryFailed,
		StatusText: relayErr.Error(),
		UpdatedAt:  s.backend.now().UTC(),
	}
	var smtpErr *smtp.SMTPError
	if errors.As(relayErr, &smtpErr) && smtpErr.EnhancedCode[0] == 5 {
		upd.DSN = fmt.Sprintf("%d.%d.%d", smtpErr.EnhancedCode[0], smtpErr.EnhancedCode[1], smtpErr.EnhancedCode[2])
		upd.DSNClass = 5
	}
	if _, err := s.backend.store.UpdateDeliveryStatus(s.ctx, d.ID, d.Status, upd); err != nil {
		logger.Error("SMTPD: Failed to mark delivery failed", "delivery_id", d.ID, "error", err)
		return
	}
	d.Status = models.DeliveryFailed
}

func (s *Session) Reset() {
	s.from = ""
	s.recipients = nil
}

func (s *Session) Logout() error {
	s.backend.activeSessions.Add(-1)
	if s.cancel != nil {
		s.cancel()
	}
	logger.Debug("SMTPD: Session closed", "remote", s.remote)
	return nil
}
