package core

import (
	"errors"
	"fmt"
)

// Sentinel validation causes. All of them satisfy errors.As with
// *ValidationError when returned through the engine or service layer.
var (
	ErrInvalidYear         = errors.New("invalid year")
	ErrInvalidKind         = errors.New("invalid entry kind")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrEmptyParticular     = errors.New("empty particular id")
	ErrEmptyParticularName = errors.New("empty particular name")
	ErrMissingReference    = errors.New("serial number or check number required")
	ErrNotesTooLong        = errors.New("notes too long (max 500 characters)")
	ErrInsufficientBalance = errors.New("insufficient remaining allocation")

	ErrEntryNotFound      = errors.New("ledger entry not found")
	ErrParticularNotFound = errors.New("particular not found")
	ErrPeriodNotFound     = errors.New("budget period not found")
)

// ValidationError rejects an operation before any store is written.
type ValidationError struct {
	Cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// NewValidationError wraps cause; nil cause yields a generic error.
func NewValidationError(cause error) *ValidationError {
	if cause == nil {
		cause = errors.New("invalid input")
	}
	return &ValidationError{Cause: cause}
}

// ConflictError rejects an operation because the entry is not in the
// expected lifecycle state (e.g. restoring an already-active entry).
type ConflictError struct {
	EntryID int64
	State   string // current state
	Op      string // requested operation
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("entry %d is %s, cannot %s", e.EntryID, e.State, e.Op)
}

// StaleSnapshotError reports that the snapshot used to compute a delta no
// longer matches the store. The caller must re-read and retry the whole
// reconciliation.
type StaleSnapshotError struct {
	Resource string
	Key      string
}

func (e *StaleSnapshotError) Error() string {
	return fmt.Sprintf("stale snapshot for %s %s", e.Resource, e.Key)
}

// StoreFailure is a write failure mid-reconciliation. Compensated indicates
// whether inverse deltas were applied for writes that had already landed.
type StoreFailure struct {
	Store       string
	Op          string
	Compensated bool
	Cause       error
}

func (e *StoreFailure) Error() string {
	return fmt.Sprintf("reconciliation did not complete: %s %s: %v (compensated=%t)",
		e.Store, e.Op, e.Cause, e.Compensated)
}

func (e *StoreFailure) Unwrap() error { return e.Cause }
