package mcp

import (
	"fmt"
	"time"
)

// LaunchError reports that a helper process could not be spawned.
type LaunchError struct {
	Server string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Server, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// HandshakeTimeoutError reports that the server did not answer initialize
// within the handshake timeout.
type HandshakeTimeoutError struct {
	Server  string
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("%s: no initialize response within %s", e.Server, e.Timeout)
}

// HandshakeRejectedError reports that the server answered initialize with a
// JSON-RPC error.
type HandshakeRejectedError struct {
	Server  string
	Code    int
	Message string
}

func (e *HandshakeRejectedError) Error() string {
	return fmt.Sprintf("%s: initialize rejected (%d): %s", e.Server, e.Code, e.Message)
}

// ProtocolViolationError records a frame that broke protocol expectations,
// such as a response carrying an unknown request id. Violations are logged
// and the frame is dropped; they never fail the session.
type ProtocolViolationError struct {
	Server string
	Detail string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("%s: protocol violation: %s", e.Server, e.Detail)
}

// NotReadyError reports an operation attempted while the connection was not
// Ready.
type NotReadyError struct {
	Server string
	State  State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s is not ready (state %s)", e.Server, e.State)
}

// RequestTimeoutError reports a request whose response did not arrive within
// the per-call deadline. The request id stays burned; a late response is
// dropped.
type RequestTimeoutError struct {
	Server  string
	Method  string
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s: %s timed out after %s", e.Server, e.Method, e.Timeout)
}

// TransportClosedError reports that the connection's transport went away,
// either because the helper exited or because the connection was closed.
type TransportClosedError struct {
	Server string
	Err    error
}

func (e *TransportClosedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: transport closed: %v", e.Server, e.Err)
	}
	return fmt.Sprintf("%s: transport closed", e.Server)
}

func (e *TransportClosedError) Unwrap() error { return e.Err }
