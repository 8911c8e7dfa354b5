package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"slotsmith/backend/internal/domain"
)

type BookingRepository interface {
	// InResourceTx runs fn inside a transaction that holds the resource's
	// advisory lock for its whole duration. Acquisition blocks up to the
	// store's configured lock timeout and then fails with ErrLockTimeout.
	// The lock is released on every exit path when the transaction ends.
	InResourceTx(ctx context.Context, resourceID string, fn func(ctx context.Context, tx BookingTx) error) error

	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	List(ctx context.Context, resourceID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
}

// BookingTx is the critical section's view of storage. Implementations
// guarantee that ListActive takes row-level locks, so the conflict check and
// the following write observe the same snapshot.
type BookingTx interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)

	// ListActive returns the resource's active appointments whose
	// buffer-expanded span overlaps the given span, locked for update.
	ListActive(ctx context.Context, resourceID string, span domain.Interval) ([]domain.Appointment, error)

	Insert(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)

	// UpdateVersioned writes appt conditioned on its current version being
	// expectedVersion, incrementing the version by one in the same
	// statement. Zero affected rows is ErrConcurrency when the row exists
	// and ErrNotFound when it does not.
	UpdateVersioned(ctx context.Context, appt domain.Appointment, expectedVersion int64) (domain.Appointment, error)
}

// RequestLedger persists idempotency claims. Uniqueness of the key is
// enforced by the store, which makes the ledger safe under concurrent
// claims of the same key.
type RequestLedger interface {
	// Claim records a pending entry for rec's key. If the key is already
	// present (and not expired), the existing record is returned with
	// claimed=false. An expired entry is replaced and counts as a fresh
	// claim.
	Claim(ctx context.Context, rec domain.BookingRequestRecord) (domain.BookingRequestRecord, bool, error)

	MarkSucceeded(ctx context.Context, key string, appointmentID uuid.UUID) error
	MarkFailed(ctx context.Context, key, errorKind string) error

	// Release removes a pending claim so the key can be retried. Used when
	// an attempt ends in a transient failure that cached no outcome.
	Release(ctx context.Context, key string) error

	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
