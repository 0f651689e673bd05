// Package apperr defines the error kinds surfaced by the monitoring engine.
// Every kind carries a machine-readable Reason.
package apperr

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

type NotFoundError struct {
	Reason  string
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// PermissionError is a safeguard or ownership rejection. RetryAfterSeconds, Count and
// Limit are set when the caller can act on them.
type PermissionError struct {
	Reason            string
	Message           string
	RetryAfterSeconds int
	Count             int
	Limit             int
}

func (e *PermissionError) Error() string { return e.Message }

// TransientError wraps a storage or network failure; the operation may be retried.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Reason, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// DispatchError is an alert delivery failure. It never reflects on session state.
type DispatchError struct {
	Channel   string
	Recipient string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s to %s: %v", e.Channel, e.Recipient, e.Err)
}
func (e *DispatchError) Unwrap() error { return e.Err }

func Validation(reason, format string, args ...any) error {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func NotFound(reason, format string, args ...any) error {
	return &NotFoundError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Permission(reason, format string, args ...any) *PermissionError {
	return &PermissionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Transient(reason string, err error) error {
	return &TransientError{Reason: reason, Err: err}
}

// Reason returns the machine-readable reason of err, or "" when err is not an apperr kind.
func Reason(err error) string {
	var (
		v *ValidationError
		n *NotFoundError
		p *PermissionError
		t *TransientError
	)
	switch {
	case errors.As(err, &v):
		return v.Reason
	case errors.As(err, &n):
		return n.Reason
	case errors.As(err, &p):
		return p.Reason
	case errors.As(err, &t):
		return t.Reason
	}
	var d *DispatchError
	if errors.As(err, &d) {
		return "DISPATCH_FAILED"
	}
	return ""
}

func IsValidation(err error) bool { var e *ValidationError; return errors.As(err, &e) }
func IsNotFound(err error) bool   { var e *NotFoundError; return errors.As(err, &e) }
func IsPermission(err error) bool { var e *PermissionError; return errors.As(err, &e) }
func IsTransient(err error) bool  { var e *TransientError; return errors.As(err, &e) }
