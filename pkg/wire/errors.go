package wire

import (
	"fmt"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
)

// Error represents a substrate protocol error carried in an allocation response
type Error struct {
	Code       uint16  `cbor:"code"`                  // Error code
	Reason     string  `cbor:"reason"`                // Human-readable error message
	RetryAfter *uint32 `cbor:"retry_after,omitempty"` // Optional retry delay in seconds
}

// NewError creates a new protocol error
func NewError(code uint16, reason string) *Error {
	return &Error{
		Code:   code,
		Reason: reason,
	}
}

// NewErrorWithRetry creates a new protocol error with retry-after
func NewErrorWithRetry(code uint16, reason string, retryAfter uint32) *Error {
	return &Error{
		Code:       code,
		Reason:     reason,
		RetryAfter: &retryAfter,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("ouroboros error %s: %s (retry after %ds)", ErrorCodeName(e.Code), e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("ouroboros error %s: %s", ErrorCodeName(e.Code), e.Reason)
}

// IsRetryable returns true if the error suggests retrying
func (e *Error) IsRetryable() bool {
	return e.RetryAfter != nil || e.Code == constants.ErrorCapacity
}

// ErrorCodeName returns the human-readable name for an error code
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorNameNotFound:
		return "NAME_NOT_FOUND"
	case constants.ErrorCapacity:
		return "CAPACITY"
	case constants.ErrorInvalidQoS:
		return "INVALID_QOS"
	case constants.ErrorRefused:
		return "REFUSED"
	case constants.ErrorTimeout:
		return "TIMEOUT"
	case constants.ErrorVersionMismatch:
		return "VERSION_MISMATCH"
	case constants.ErrorProtocol:
		return "PROTOCOL"
	case constants.ErrorInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// Common error constructors

// ErrNameNotFound creates a name-not-found error
func ErrNameNotFound(name string) *Error {
	return NewError(constants.ErrorNameNotFound, fmt.Sprintf("name not found: %s", name))
}

// ErrCapacity creates a flow-table-full error
func ErrCapacity(retryAfter uint32) *Error {
	return NewErrorWithRetry(constants.ErrorCapacity, "flow table full", retryAfter)
}

// ErrInvalidQoS creates an invalid-qos error
func ErrInvalidQoS(reason string) *Error {
	return NewError(constants.ErrorInvalidQoS, reason)
}

// ErrRefused creates an allocation-refused error
func ErrRefused(reason string) *Error {
	return NewError(constants.ErrorRefused, reason)
}

// ErrTimeout creates an allocation-timeout error
func ErrTimeout(name string) *Error {
	return NewError(constants.ErrorTimeout, fmt.Sprintf("allocation to %s timed out", name))
}

// ErrVersionMismatch creates a version mismatch error
func ErrVersionMismatch(expected, actual uint16) *Error {
	return NewError(constants.ErrorVersionMismatch,
		fmt.Sprintf("version mismatch: expected %d, got %d", expected, actual))
}

// ErrProtocol creates a protocol violation error
func ErrProtocol(reason string) *Error {
	return NewError(constants.ErrorProtocol, reason)
}
