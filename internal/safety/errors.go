package safety

import (
	"errors"
	"fmt"
)

// Kind classifies errors crossing the safety-layer boundary. The HTTP surface
// maps kinds to status codes; internal detail never leaks past it.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindPermissionDenied   Kind = "permission_denied"
	KindGatewayTimeout     Kind = "gateway_timeout"
	KindGatewayUnavailable Kind = "gateway_unavailable"
	KindAuditWriteFailure  Kind = "audit_write_failure"
	KindProcessing         Kind = "processing_error"
)

// Error is the boundary error type for the safety layer.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a boundary error with an optional cause.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func InvalidInput(message string) *Error {
	return &Error{Kind: KindInvalidInput, Message: message}
}

func PermissionDenied(message string) *Error {
	return &Error{Kind: KindPermissionDenied, Message: message}
}

func GatewayTimeout(cause error) *Error {
	return &Error{Kind: KindGatewayTimeout, Message: "external gateway exceeded its budget", Cause: cause}
}

func GatewayUnavailable(cause error) *Error {
	return &Error{Kind: KindGatewayUnavailable, Message: "external gateway unavailable", Cause: cause}
}

func AuditWriteFailure(cause error) *Error {
	return &Error{Kind: KindAuditWriteFailure, Message: "audit record could not be appended", Cause: cause}
}

func ProcessingError(cause error) *Error {
	return &Error{Kind: KindProcessing, Message: "internal processing failure", Cause: cause}
}

// KindOf extracts the Kind from err, or KindProcessing for untyped errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindProcessing
}
