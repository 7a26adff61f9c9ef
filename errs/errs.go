// Package errs provides structured error types and helpers shared across the streamcore stack.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category in the sync core taxonomy.
type Code string

const (
	// CodeTransport indicates a connection drop or handshake failure.
	// Transport errors are recovered automatically by the stream manager.
	CodeTransport Code = "transport"
	// CodeProtocol indicates an unrecognized or malformed inbound frame.
	// Protocol errors are logged and dropped, never surfaced.
	CodeProtocol Code = "protocol"
	// CodeUnauthorized indicates an expired or unapproved credential, or an
	// attempt to open an authenticated channel while unauthorized.
	CodeUnauthorized Code = "unauthorized"
	// CodeRequest indicates a request failure after the retry budget is exhausted.
	CodeRequest Code = "request"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the streamcore stack.
type E struct {
	Op          string
	Code        Code
	HTTP        int
	Message     string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation slug and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:          strings.TrimSpace(op),
		Code:        code,
		HTTP:        0,
		Message:     "",
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, walking the unwrap chain.
// It returns an empty code when err carries no envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
