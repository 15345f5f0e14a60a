package mcp

import (
	"errors"
	"fmt"
	"time"
)

// ProtocolError is returned when the peer answered a request with a JSON-RPC error. Handlers may also
// return a ProtocolError to choose the error code of the response sent to the peer.
type ProtocolError struct {
	Code    int
	Message string
	Data    any
}

// TimeoutError is returned when no response arrived within the configured request timeout.
type TimeoutError struct {
	Method string
	ID     RequestID
	After  time.Duration
}

// CapabilityError is returned when an operation requires a capability that was not declared or
// negotiated, or a session state that was not reached yet.
type CapabilityError struct {
	Message string
}

// ValidationError is returned for duplicate registrations, lookups of missing entities and
// undeclared arguments.
type ValidationError struct {
	Message string
}

// TransportError is returned when the underlying connection failed to send, receive or close.
type TransportError struct {
	Op  string
	Err error
}

var (
	// ErrSessionClosed is wrapped by a TransportError when a session closes while a request is pending.
	ErrSessionClosed = errors.New("session closed")

	// ErrClientNotInitialized is returned by client calls issued before the handshake completed.
	ErrClientNotInitialized = &CapabilityError{Message: "client must be initialized first"}

	errSessionNotInitialized = &CapabilityError{Message: "session must be initialized first"}
)

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s (%s) timed out after %s", e.ID, e.Method, e.After)
}

// Timeout reports true, matching the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

func (e *CapabilityError) Error() string { return e.Message }

func (e *ValidationError) Error() string { return e.Message }

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func newProtocolError(rpcErr *JSONRPCError) *ProtocolError {
	return &ProtocolError{
		Code:    rpcErr.Code,
		Message: rpcErr.Message,
		Data:    rpcErr.Data,
	}
}

func invalidParamsError(err error) *ProtocolError {
	return &ProtocolError{
		Code:    ErrorCodeInvalidParams,
		Message: fmt.Sprintf("invalid params: %s", err),
	}
}

func capabilityErrorf(format string, args ...any) *CapabilityError {
	return &CapabilityError{Message: fmt.Sprintf(format, args...)}
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
