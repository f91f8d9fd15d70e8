package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoteErrorUnwrapsToCategory(t *testing.T) {
	err := fmt.Errorf("calculate f1: %w", Remote(422, "division by zero"))

	assert.True(t, IsRemote(err))
	assert.False(t, IsTransport(err))
	assert.Equal(t, "division by zero", UserMessage(err))
}

func TestTransportKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transport("GET /fields/f1/virtual-info", cause)

	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
}

func TestMapError(t *testing.T) {
	mapper := NewDefaultErrorMapper()

	tests := []struct {
		name     string
		err      error
		category string
	}{
		{name: "deadline", err: context.DeadlineExceeded, category: "ErrTransport"},
		{name: "net error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, category: "ErrTransport"},
		{name: "connection text", err: errors.New("read: connection reset by peer"), category: "ErrTransport"},
		{name: "already categorized", err: Remote(0, "bad formula"), category: "ErrRemote"},
		{name: "not found text", err: errors.New("field does not exist: not found"), category: "ErrNotFound"},
		{name: "unknown", err: errors.New("boom"), category: "ErrInternal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.category, mapper.Category(mapper.MapError(tt.err)))
		})
	}
}

func TestMapErrorKeepsCancellation(t *testing.T) {
	mapper := NewDefaultErrorMapper()

	err := mapper.MapError(context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, mapper.IsRetryable(err))
}

func TestUserMessageFallsBackToErrorText(t *testing.T) {
	assert.Equal(t, "", UserMessage(nil))
	assert.Equal(t, "boom: internal error", UserMessage(Internal("boom")))
}
