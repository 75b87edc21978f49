package models

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrValidation         = errors.New("validation failed")
	ErrSessionClosed      = errors.New("session closed")
	ErrAlreadyDecided     = errors.New("flag already decided")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrConfiguration      = errors.New("invalid configuration")
	ErrNotFound           = errors.New("not found")
	ErrBatchTooLarge      = errors.New("batch too large")
)

// ValidationError rejects a malformed or out-of-range input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// SessionClosedError is returned for operations on a non-active session.
type SessionClosedError struct {
	SessionID string
	Status    SessionStatus
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %s is %s", e.SessionID, e.Status)
}

func (e *SessionClosedError) Is(target error) bool { return target == ErrSessionClosed }

// AlreadyDecidedError is returned when a decided flag is decided again.
type AlreadyDecidedError struct {
	FlagID   string
	Decision Decision
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("flag %s already decided as %s", e.FlagID, e.Decision)
}

func (e *AlreadyDecidedError) Is(target error) bool { return target == ErrAlreadyDecided }

// StorageUnavailableError wraps a storage collaborator failure.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

func (e *StorageUnavailableError) Is(target error) bool { return target == ErrStorageUnavailable }

// ConfigurationError rejects an invalid monitoring configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// NotFoundError reports a missing session or flag.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// BatchSizeError rejects an oversized batch as a whole.
type BatchSizeError struct {
	Size  int
	Limit int
}

func (e *BatchSizeError) Error() string {
	return fmt.Sprintf("batch of %d events exceeds limit %d", e.Size, e.Limit)
}

func (e *BatchSizeError) Is(target error) bool { return target == ErrBatchTooLarge }
