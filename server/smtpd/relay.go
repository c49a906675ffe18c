package smtpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/mailtrack/logger"
)

// ErrNoQueueID is returned when the MTA accepted a message without naming the
// queue it was placed in.
var ErrNoQueueID = errors.New("relay reply carries no queue ID")

var queueIDPattern = regexp.MustCompile(`queued as ([0-9A-Za-z]+)`)

// Relay hands one message for one recipient to the MTA and returns the queue
// ID the MTA assigned to it.
type Relay interface {
	Send(ctx context.Context, from, to string, msg []byte) (string, error)
}

// RelayError wraps an error with information about whether it's permanent or temporary.
type RelayError struct {
	Err       error
	Permanent bool // true for 5xx replies
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a 5xx SMTP failure. Network errors
// are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// SMTPRelay relays over plain SMTP, one transaction per recipient.
type SMTPRelay struct {
	Addr     string
	Hostname string
	Timeout  time.Duration
}

// Send implements Relay.
func (r *SMTPRelay) Send(ctx context.Context, from, to string, msg []byte) (string, error) {
	if r.Addr == "" {
		return "", &RelayError{Err: errors.New("relay address not configured")}
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.Addr)
	if err != nil {
		return "", &RelayError{Err: fmt.Errorf("failed to connect to relay: %w", err)}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if r.Hostname != "" {
		if err := c.Hello(r.Hostname); err != nil {
			return "", &RelayError{Err: fmt.Errorf("failed to greet relay: %w", err), Permanent: IsPermanentError(err)}
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return "", &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Rcpt(to, nil); err != nil {
		return "", &RelayError{Err: fmt.Errorf("failed to set recipient: %w", err), Permanent: IsPermanentError(err)}
	}

	wc, err := c.Data()
	if err != nil {
		return "", &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return "", &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	resp, err := wc.CloseWithResponse()
	if err != nil {
		return "", &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		// Already accepted.
		logger.Warn("SMTP Relay: Failed to send QUIT", "error", err)
	}

	queueID := parseQueueID(resp.StatusText)
	if queueID == "" {
		return "", &RelayError{Err: fmt.Errorf("%w: %q", ErrNoQueueID, resp.StatusText)}
	}
	return queueID, nil
}

// parseQueueID extracts the ID from a "250 2.0.0 Ok: queued as 4Xyz" reply.
func parseQueueID(text string) string {
	m := queueIDPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}
