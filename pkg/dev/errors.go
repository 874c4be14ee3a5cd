package dev

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/naming"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
)

// Code classifies flow errors
type Code int

const (
	// CodeFlow is the generic flow failure
	CodeFlow Code = iota
	CodeAlreadyAllocated
	CodeNotAllocated
	CodePermissionDenied
	// CodeDeallocWarning reports a release failure; the flow is invalid anyway
	CodeDeallocWarning
	CodeTimeout
	CodeInvalidArgument
	CodeResourceExhausted
	CodeEvent
	// CodeQueueEmpty is an event error reported when an event queue is drained
	CodeQueueEmpty
	CodeFlowDown
)

func (c Code) String() string {
	switch c {
	case CodeAlreadyAllocated:
		return "already allocated"
	case CodeNotAllocated:
		return "not allocated"
	case CodePermissionDenied:
		return "permission denied"
	case CodeDeallocWarning:
		return "dealloc warning"
	case CodeTimeout:
		return "timeout"
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeResourceExhausted:
		return "resource exhausted"
	case CodeEvent:
		return "event error"
	case CodeQueueEmpty:
		return "event queue empty"
	case CodeFlowDown:
		return "flow down"
	default:
		return "flow error"
	}
}

// Internal status values. Negative values are failures; statusGeneric is
// never produced by the substrate and stands for the generic flow error.
const (
	statusAlreadyAllocated = -17   // EEXIST
	statusNotAllocated     = -9    // EBADF
	statusPermission       = -1    // EPERM
	statusIO               = -5    // EIO
	statusNoMem            = -12   // ENOMEM
	statusInvalid          = -22   // EINVAL
	statusNoData           = -61   // ENODATA
	statusTimeout          = -110  // ETIMEDOUT
	statusGeneric          = -1000 // not an errno
	statusFlowDown         = -1001
	statusDeallocWarning   = -1002
)

// Error is the error type returned by every flow operation
type Error struct {
	Code Code
	Op   string // Operation that failed, e.g. "alloc", "read"
	FD   int    // Flow descriptor, -1 when there is none
	Msg  string
	Err  error // Underlying cause, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("flow")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.FD >= 0 {
		fmt.Fprintf(&b, " fd=%d", e.FD)
	}
	b.WriteString(": ")
	b.WriteString(e.Code.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by code. Every flow error is a CodeFlow error and an empty
// queue is also an event error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	switch {
	case t.Code == e.Code:
		return true
	case t.Code == CodeFlow:
		return true
	case t.Code == CodeEvent && e.Code == CodeQueueEmpty:
		return true
	}
	return false
}

// Status returns the negative internal status for the error
func (e *Error) Status() int {
	switch e.Code {
	case CodeAlreadyAllocated:
		return statusAlreadyAllocated
	case CodeNotAllocated:
		return statusNotAllocated
	case CodePermissionDenied:
		return statusPermission
	case CodeDeallocWarning:
		return statusDeallocWarning
	case CodeTimeout:
		return statusTimeout
	case CodeInvalidArgument:
		return statusInvalid
	case CodeResourceExhausted:
		return statusNoMem
	case CodeEvent:
		return statusIO
	case CodeQueueEmpty:
		return statusNoData
	case CodeFlowDown:
		return statusFlowDown
	default:
		return statusGeneric
	}
}

// Sentinels for errors.Is
var (
	ErrFlow              = &Error{Code: CodeFlow, FD: -1}
	ErrAlreadyAllocated  = &Error{Code: CodeAlreadyAllocated, FD: -1}
	ErrNotAllocated      = &Error{Code: CodeNotAllocated, FD: -1}
	ErrPermissionDenied  = &Error{Code: CodePermissionDenied, FD: -1}
	ErrDeallocWarning    = &Error{Code: CodeDeallocWarning, FD: -1}
	ErrTimeout           = &Error{Code: CodeTimeout, FD: -1}
	ErrInvalidArgument   = &Error{Code: CodeInvalidArgument, FD: -1}
	ErrResourceExhausted = &Error{Code: CodeResourceExhausted, FD: -1}
	ErrEvent             = &Error{Code: CodeEvent, FD: -1}
	ErrQueueEmpty        = &Error{Code: CodeQueueEmpty, FD: -1}
	ErrFlowDown          = &Error{Code: CodeFlowDown, FD: -1}
)

// Status returns the internal status for err: 0 for nil, the negative
// status for flow errors, and the generic status for anything else
func Status(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return statusGeneric
}

// FromStatus maps an internal status onto the error taxonomy. Non-negative
// statuses are success.
func FromStatus(status int) error {
	if status >= 0 {
		return nil
	}
	var code Code
	switch status {
	case statusAlreadyAllocated:
		code = CodeAlreadyAllocated
	case statusNotAllocated:
		code = CodeNotAllocated
	case statusPermission:
		code = CodePermissionDenied
	case statusDeallocWarning:
		code = CodeDeallocWarning
	case statusTimeout:
		code = CodeTimeout
	case statusInvalid:
		code = CodeInvalidArgument
	case statusNoMem:
		code = CodeResourceExhausted
	case statusIO:
		code = CodeEvent
	case statusNoData:
		code = CodeQueueEmpty
	case statusFlowDown:
		code = CodeFlowDown
	default:
		return &Error{Code: CodeFlow, FD: -1, Msg: fmt.Sprintf("status %d", status)}
	}
	return &Error{Code: code, FD: -1}
}

// IsWarning reports whether err only warns; the operation took effect
func IsWarning(err error) bool {
	return errors.Is(err, ErrDeallocWarning)
}

func newError(code Code, op string, fd int, msg string) *Error {
	return &Error{Code: code, Op: op, FD: fd, Msg: msg}
}

// translate maps a substrate failure onto the taxonomy. parent is the
// caller's context: its own cancellation is returned as is.
func translate(parent context.Context, op string, fd int, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if perr := parent.Err(); perr != nil {
		return perr
	}

	code := CodeFlow
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case errors.Is(err, fabric.ErrCapacity):
		code = CodeResourceExhausted
	case errors.Is(err, fabric.ErrInvalidQoS),
		errors.Is(err, qos.ErrInvalid),
		errors.Is(err, naming.ErrInvalidName),
		errors.Is(err, fabric.ErrTooLarge):
		code = CodeInvalidArgument
	case errors.Is(err, fabric.ErrRefused),
		errors.Is(err, fabric.ErrNotSupported):
		code = CodePermissionDenied
	case errors.Is(err, fabric.ErrNameTaken):
		code = CodeAlreadyAllocated
	case errors.Is(err, fabric.ErrPeerGone):
		code = CodeFlowDown
	}
	return &Error{Code: code, Op: op, FD: fd, Err: err}
}
