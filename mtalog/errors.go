package mtalog

import "errors"

var (
	// ErrSkipped marks lines that are not delivery-status lines (connection noise,
	// queue manager bookkeeping). They are dropped without being counted as errors.
	ErrSkipped = errors.New("not a delivery status line")
	// ErrMalformed marks delivery-status lines with missing or invalid fields.
	ErrMalformed = errors.New("malformed delivery status line")
)

// ParseError describes why a line was rejected. It matches ErrSkipped or
// ErrMalformed with errors.Is.
type ParseError struct {
	Kind   error
	Reason string
}

func (e *ParseError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Kind
}

func skipped(reason string) error {
	return &ParseError{Kind: ErrSkipped, Reason: reason}
}

func malformed(reason string) error {
	return &ParseError{Kind: ErrMalformed, Reason: reason}
}
