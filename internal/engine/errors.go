package engine

import (
	"errors"
	"fmt"
)

// SyncError is an error surfaced by an engine operation.
//
// Nothing inside dispatch raises: facet failures are logged and skipped.
// SyncError only reaches callers of the public operations (Send, Ping, ...)
// when the crypto core or the loop itself could not serve the request.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// Op names the crypto-core operation, when there is one.
	Op string

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeDecodeFailed indicates a payload could not be decoded.
	ErrCodeDecodeFailed SyncErrorCode = "DECODE_FAILED"

	// ErrCodeTransportFailed indicates a publish or subscribe failed.
	ErrCodeTransportFailed SyncErrorCode = "TRANSPORT_FAILED"

	// ErrCodeCoreFailed indicates the crypto core rejected or failed a call.
	ErrCodeCoreFailed SyncErrorCode = "CORE_FAILED"

	// ErrCodeStopped indicates the engine loop is no longer running.
	ErrCodeStopped SyncErrorCode = "STOPPED"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, msg, e.Op)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsDecodeError returns true if the error is a decode failure.
// Uses errors.As to handle wrapped errors.
func IsDecodeError(err error) bool { return hasCode(err, ErrCodeDecodeFailed) }

// IsTransportError returns true if the error is a transport failure.
func IsTransportError(err error) bool { return hasCode(err, ErrCodeTransportFailed) }

// IsCoreError returns true if the crypto core failed the call.
func IsCoreError(err error) bool { return hasCode(err, ErrCodeCoreFailed) }

// IsStopped returns true if the engine was stopped before serving the call.
func IsStopped(err error) bool { return hasCode(err, ErrCodeStopped) }

// NewCoreError wraps a crypto-core failure for op.
func NewCoreError(op string, err error) *SyncError {
	return &SyncError{
		Code:    ErrCodeCoreFailed,
		Message: "crypto core call failed",
		Op:      op,
		Err:     err,
	}
}

// NewTransportError wraps a transport failure.
func NewTransportError(message string, err error) *SyncError {
	return &SyncError{Code: ErrCodeTransportFailed, Message: message, Err: err}
}

// NewDecodeError wraps a decode failure.
func NewDecodeError(message string, err error) *SyncError {
	return &SyncError{Code: ErrCodeDecodeFailed, Message: message, Err: err}
}

// errStopped is returned when the loop no longer accepts events.
var errStopped = &SyncError{Code: ErrCodeStopped, Message: "engine stopped"}
