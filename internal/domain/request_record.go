package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type BookingRequestState string

const (
	BookingRequestStatePending   BookingRequestState = "pending"
	BookingRequestStateSucceeded BookingRequestState = "succeeded"
	BookingRequestStateFailed    BookingRequestState = "failed"
)

// DefaultBookingRequestTTL bounds how long an idempotency key stays claimed.
const DefaultBookingRequestTTL = 24 * time.Hour

// BookingRequestRecord is one entry in the idempotency ledger. The key is
// client-supplied; the fingerprint is a hash of the normalized request body
// so a reused key with a different body can be rejected instead of replayed.
type BookingRequestRecord struct {
	bun.BaseModel `bun:"table:booking_requests"`

	IdempotencyKey string              `bun:"idempotency_key,pk"`
	Fingerprint    string              `bun:"fingerprint,notnull"`
	State          BookingRequestState `bun:"state,notnull"`
	AppointmentID  *uuid.UUID          `bun:"appointment_id,type:uuid"`
	ErrorKind      string              `bun:"error_kind"`
	CreatedAt      time.Time           `bun:"created_at,notnull"`
	ExpiresAt      time.Time           `bun:"expires_at,notnull"`
}

func (r BookingRequestRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *BookingRequestRecord) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); ok {
		now := time.Now().UTC()
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.ExpiresAt.IsZero() {
			r.ExpiresAt = r.CreatedAt.Add(DefaultBookingRequestTTL)
		}
		if r.State == "" {
			r.State = BookingRequestStatePending
		}
	}
	return nil
}
