package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrLockTimeout: the resource's advisory lock could not be acquired
	// within the configured wait. Transient.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrConcurrency: a version-guarded write matched zero rows because
	// another writer got there first. Transient.
	ErrConcurrency = errors.New("version mismatch")

	// ErrSerialization: the storage engine reported a serialization or
	// deadlock failure. Transient.
	ErrSerialization = errors.New("storage serialization failure")

	// ErrOperationInProgress: the idempotency key is claimed by an
	// operation that has not finished. Never retried.
	ErrOperationInProgress = errors.New("operation with this idempotency key is in progress")

	// ErrIdempotencyMismatch: the idempotency key was completed by a
	// request with a different body.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different request")
)

// ConflictError is the business outcome of a booking attempt that would
// overlap existing active appointments. It is terminal: retrying cannot
// succeed until the calendar changes.
type ConflictError struct {
	ConflictingIDs []uuid.UUID

	// Constraint marks a conflict caught by the storage-level exclusion
	// constraint rather than the locked conflict read. Callers treat it the
	// same; the service logs it at elevated severity because it means an
	// earlier layer missed a real conflict.
	Constraint bool
}

func (e *ConflictError) Error() string {
	if len(e.ConflictingIDs) == 0 {
		if e.Constraint {
			return "booking conflict (storage constraint)"
		}
		return "booking conflict"
	}
	ids := make([]string, len(e.ConflictingIDs))
	for i, id := range e.ConflictingIDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("booking conflict with %s", strings.Join(ids, ", "))
}

// IsRetryable reports whether err is a transient failure worth another
// attempt. Conflicts, validation failures and idempotency rejections are
// terminal and must propagate to the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrConcurrency) ||
		errors.Is(err, ErrSerialization)
}
