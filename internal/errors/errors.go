package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for different categories
var (
	// ErrTransport - network failure, timeout or gateway error (transient, retry on next tick)
	ErrTransport = errors.New("transport error")

	// ErrRemote - remote side reported a computation failure (terminal for that attempt, surface message verbatim)
	ErrRemote = errors.New("remote error")

	// ErrStaleWrite - out-of-order status write dropped by sequence check (internal no-op, never user visible)
	ErrStaleWrite = errors.New("stale write discarded")

	// ErrInvalidInput - caller contract violation (fail fast)
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)

// StatusUnavailable is the message stored when a field's status could not be
// checked repeatedly. It must read differently from any remote computation error.
const StatusUnavailable = "status unavailable"

// CalculationCancelled is the message stored when the caller gave up on a
// field before its outcome was known.
const CalculationCancelled = "calculation cancelled"

// RemoteError carries the remote service's own description of a failed computation.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote error: %s", e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}

// Remote builds a RemoteError for a failed computation.
func Remote(statusCode int, message string) error {
	return &RemoteError{StatusCode: statusCode, Message: message}
}

// Transport wraps a network-level cause as a transport error.
func Transport(op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", op, ErrTransport)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, cause)
}

// InvalidInput wraps error as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	return IsCategory(err, ErrTransport)
}

// IsRemote reports whether err is a remote computation failure.
func IsRemote(err error) bool {
	return IsCategory(err, ErrRemote)
}

// UserMessage returns the text presentation code should show for err.
// Remote messages are returned verbatim.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) && remoteErr.Message != "" {
		return remoteErr.Message
	}
	return err.Error()
}
