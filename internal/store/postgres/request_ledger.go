package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"slotsmith/backend/internal/domain"
	"slotsmith/backend/internal/store"
)

// RequestLedgerRepo persists idempotency claims in booking_requests. The
// primary key on idempotency_key is what makes concurrent claims of the same
// key safe: exactly one insert wins.
type RequestLedgerRepo struct {
	db *bun.DB
}

func NewRequestLedgerRepo(db *bun.DB) *RequestLedgerRepo {
	return &RequestLedgerRepo{db: db}
}

func (r *RequestLedgerRepo) Claim(ctx context.Context, rec domain.BookingRequestRecord) (domain.BookingRequestRecord, bool, error) {
	m := rec
	res, err := r.db.NewInsert().
		Model(&m).
		On("CONFLICT (idempotency_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return domain.BookingRequestRecord{}, false, mapPgError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.BookingRequestRecord{}, false, err
	}
	if affected == 1 {
		return m, true, nil
	}

	existing, err := r.get(ctx, rec.IdempotencyKey)
	if err != nil {
		return domain.BookingRequestRecord{}, false, err
	}

	now := time.Now().UTC()
	if !existing.Expired(now) {
		return existing, false, nil
	}

	// The previous claim expired without completing; take the key over. The
	// expires_at condition lets at most one taker win.
	takeover, err := r.db.NewUpdate().
		Model((*domain.BookingRequestRecord)(nil)).
		Set("fingerprint = ?", rec.Fingerprint).
		Set("state = ?", domain.BookingRequestStatePending).
		Set("appointment_id = NULL").
		Set("error_kind = ''").
		Set("created_at = ?", now).
		Set("expires_at = ?", now.Add(domain.DefaultBookingRequestTTL)).
		Where("idempotency_key = ?", rec.IdempotencyKey).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return domain.BookingRequestRecord{}, false, mapPgError(err)
	}
	taken, err := takeover.RowsAffected()
	if err != nil {
		return domain.BookingRequestRecord{}, false, err
	}
	if taken == 1 {
		claimed := rec
		claimed.State = domain.BookingRequestStatePending
		claimed.CreatedAt = now
		claimed.ExpiresAt = now.Add(domain.DefaultBookingRequestTTL)
		return claimed, true, nil
	}

	existing, err = r.get(ctx, rec.IdempotencyKey)
	if err != nil {
		return domain.BookingRequestRecord{}, false, err
	}
	return existing, false, nil
}

func (r *RequestLedgerRepo) get(ctx context.Context, key string) (domain.BookingRequestRecord, error) {
	var rec domain.BookingRequestRecord
	err := r.db.NewSelect().
		Model(&rec).
		Where("idempotency_key = ?", key).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BookingRequestRecord{}, store.ErrNotFound
		}
		return domain.BookingRequestRecord{}, mapPgError(err)
	}
	return rec, nil
}

func (r *RequestLedgerRepo) MarkSucceeded(ctx context.Context, key string, appointmentID uuid.UUID) error {
	_, err := r.db.NewUpdate().
		Model((*domain.BookingRequestRecord)(nil)).
		Set("state = ?", domain.BookingRequestStateSucceeded).
		Set("appointment_id = ?", appointmentID).
		Where("idempotency_key = ?", key).
		Exec(ctx)
	return mapPgError(err)
}

func (r *RequestLedgerRepo) MarkFailed(ctx context.Context, key, errorKind string) error {
	_, err := r.db.NewUpdate().
		Model((*domain.BookingRequestRecord)(nil)).
		Set("state = ?", domain.BookingRequestStateFailed).
		Set("error_kind = ?", errorKind).
		Where("idempotency_key = ?", key).
		Exec(ctx)
	return mapPgError(err)
}

func (r *RequestLedgerRepo) Release(ctx context.Context, key string) error {
	_, err := r.db.NewDelete().
		Model((*domain.BookingRequestRecord)(nil)).
		Where("idempotency_key = ?", key).
		Where("state = ?", domain.BookingRequestStatePending).
		Exec(ctx)
	return mapPgError(err)
}

func (r *RequestLedgerRepo) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.NewDelete().
		Model((*domain.BookingRequestRecord)(nil)).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return 0, mapPgError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
