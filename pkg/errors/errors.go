package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType categorizes domain errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeProcess    ErrorType = "process"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeCancelled  ErrorType = "cancelled"
	ErrorTypeInternal   ErrorType = "internal"
)

var (
	// ErrTransportClosed is returned by sends issued after the transport was closed
	ErrTransportClosed = stderrors.New("transport closed")

	// ErrSubscriptionLost is returned when the event subscription could not be re-established
	ErrSubscriptionLost = stderrors.New("event subscription lost")
)

// DomainError is an error with a category, optional cause and diagnostic context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Type))
	sb.WriteString(": ")
	sb.WriteString(e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteString("]")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches another DomainError by type so errors.Is can be used with typed templates
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Message == "" && t.Cause == nil
}

// WithContext attaches a key/value pair for diagnostics
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func newError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return newError(ErrorTypeValidation, message, cause)
}

func NewConfigError(message string, cause error) *DomainError {
	return newError(ErrorTypeConfig, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return newError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return newError(ErrorTypeNetwork, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return newError(ErrorTypeProcess, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return newError(ErrorTypeTimeout, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return newError(ErrorTypeCancelled, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return newError(ErrorTypeInternal, message, cause)
}

// IsType reports whether any error in the chain is a DomainError of the given type
func IsType(err error, errorType ErrorType) bool {
	var de *DomainError
	for err != nil {
		if stderrors.As(err, &de) {
			if de.Type == errorType {
				return true
			}
			err = de.Cause
			continue
		}
		return false
	}
	return false
}

func IsValidationError(err error) bool { return IsType(err, ErrorTypeValidation) }
func IsConfigError(err error) bool     { return IsType(err, ErrorTypeConfig) }
func IsNetworkError(err error) bool    { return IsType(err, ErrorTypeNetwork) }
func IsTimeoutError(err error) bool    { return IsType(err, ErrorTypeTimeout) }
func IsCancelledError(err error) bool  { return IsType(err, ErrorTypeCancelled) }

// Is and As re-export the standard helpers so callers only import this package
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func New(message string) error { return stderrors.New(message) }
