package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Message(t *testing.T) {
	err := NewValidationError("invalid target", io.EOF).
		WithContext("target", "bogus").
		WithContext("field", "target")

	assert.Equal(t, "validation: invalid target [field=target, target=bogus]: EOF", err.Error())
	assert.ErrorIs(t, err, io.EOF)
}

func TestDomainError_TypePredicates(t *testing.T) {
	inner := NewNetworkError("dial failed", nil)
	outer := NewConfigError("cannot reach pm2", inner)
	wrapped := fmt.Errorf("startup: %w", outer)

	assert.True(t, IsConfigError(wrapped))
	assert.True(t, IsNetworkError(wrapped))
	assert.False(t, IsTimeoutError(wrapped))
	assert.False(t, IsValidationError(io.EOF))
}

func TestDomainError_IsTemplate(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewTimeoutError("rpc call", nil))

	assert.True(t, Is(err, &DomainError{Type: ErrorTypeTimeout}))
	assert.False(t, Is(err, &DomainError{Type: ErrorTypeIO}))
}
