package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorMapper maps external errors to the tablesync error taxonomy
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

// DefaultErrorMapper implements the tablesync error taxonomy mapping
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError maps arbitrary errors to tablesync categories. Errors that already
// carry a category are returned unchanged.
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	if hasCategory(err) {
		return err
	}

	// Propagate caller cancellation as-is
	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transport("request timeout", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transport("network error", err)
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return Transport("request timeout", err)

	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "unreachable"),
		strings.Contains(errStr, "eof"), strings.Contains(errStr, "no such host"):
		return Transport("network error", err)

	case strings.Contains(errStr, "not found"):
		return Wrap(ErrNotFound, err.Error())

	default:
		return Wrap(ErrInternal, err.Error())
	}
}

// IsRetryable determines if an error should be retried on the next attempt
func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	return errors.Is(m.MapError(err), ErrTransport)
}

// Category returns the tablesync category name for an error
func (m *DefaultErrorMapper) Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrTransport):
		return "ErrTransport"
	case errors.Is(err, ErrRemote):
		return "ErrRemote"
	case errors.Is(err, ErrStaleWrite):
		return "ErrStaleWrite"
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// IsRetryable checks if an error is a transport failure, indicating it can be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransport)
}

func hasCategory(err error) bool {
	for _, category := range []error{ErrTransport, ErrRemote, ErrStaleWrite, ErrInvalidInput, ErrNotFound, ErrInternal} {
		if errors.Is(err, category) {
			return true
		}
	}
	return false
}
