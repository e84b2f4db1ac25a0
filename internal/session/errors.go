package session

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Manager operations.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionPaused      = errors.New("session is paused")
	ErrSessionClosed      = errors.New("session is closed")
	ErrInvalidInteraction = errors.New("invalid interaction")
)

// PersistenceErrorCode categorizes durable-write failures.
type PersistenceErrorCode string

const (
	// ErrCodeWriteFailed indicates the local store rejected or failed the append.
	ErrCodeWriteFailed PersistenceErrorCode = "WRITE_FAILED"

	// ErrCodeSeqConflict indicates the stored sequence moved underneath the manager.
	ErrCodeSeqConflict PersistenceErrorCode = "SEQ_CONFLICT"
)

// PersistenceError reports that an event could not be made durable.
//
// The session stays usable and no sequence number was consumed; the caller
// retries the single operation.
type PersistenceError struct {
	Code      PersistenceErrorCode
	SessionID string
	Op        string
	Err       error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s: %s failed (session=%s): %v", e.Code, e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %s failed: %v", e.Code, e.Op, e.Err)
}

// Unwrap returns the underlying store error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError returns true if err is or wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
