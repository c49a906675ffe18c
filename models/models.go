// Package models holds the records tracked by mailtrack: outbound emails, their
// per-recipient delivery attempts and deny-list entries.
package models

import "time"

// DeliveryStatus is the state of one recipient attempt.
type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryDeferred  DeliveryStatus = "deferred"
	DeliveryBounced   DeliveryStatus = "bounced"
	DeliveryFailed    DeliveryStatus = "failed"
)

// IsTerminal reports whether no further transition may leave the status.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryDelivered, DeliveryBounced, DeliveryFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryQueued, DeliverySent, DeliveryDelivered, DeliveryDeferred, DeliveryBounced, DeliveryFailed:
		return true
	}
	return false
}

// EmailStatus is the summary status of an email, derived from its deliveries.
type EmailStatus string

const (
	EmailPending   EmailStatus = "pending"
	EmailDelivered EmailStatus = "delivered"
	EmailDeferred  EmailStatus = "deferred"
	EmailBounced   EmailStatus = "bounced"
	EmailFailed    EmailStatus = "failed"
)

// Email is one outbound message.
type Email struct {
	ID        string      `json:"id"`
	MessageID string      `json:"message_id,omitempty"`
	Sender    string      `json:"sender"`
	Subject   string      `json:"subject,omitempty"`
	Status    EmailStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Delivery is one recipient attempt of an Email. QueueID is the MTA queue
// identifier that log lines are correlated on.
type Delivery struct {
	ID         string         `json:"id"`
	EmailID    string         `json:"email_id"`
	Recipient  string         `json:"recipient"`
	Status     DeliveryStatus `json:"status"`
	QueueID    string         `json:"queue_id,omitempty"`
	DSN        string         `json:"dsn,omitempty"`
	DSNClass   int            `json:"dsn_class,omitempty"`
	StatusText string         `json:"status_text,omitempty"`
	Relay      string         `json:"relay,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// StatusUpdate carries the fields written together with a status transition.
type StatusUpdate struct {
	Status     DeliveryStatus
	DSN        string
	DSNClass   int
	StatusText string
	Relay      string
	UpdatedAt  time.Time
}

// DenyListEntry is a suppressed recipient address.
type DenyListEntry struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason,omitempty"`
	DSN       string    `json:"dsn,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmailCursor marks a position in a (created_at, id) ordered scan of emails.
type EmailCursor struct {
	CreatedAt time.Time
	ID        string
}
