package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"slotsmith/backend/internal/domain"
	"slotsmith/backend/internal/store"
)

// noOverlapConstraint is the exclusion constraint enforcing the no-overlap
// invariant at the storage level. It is the authoritative backstop: a
// violation here means the locked conflict read was bypassed or buggy.
const noOverlapConstraint = "appointments_no_overlap"

type BookingRepo struct {
	db          *bun.DB
	lockTimeout time.Duration
}

func NewBookingRepo(db *bun.DB, lockTimeout time.Duration) *BookingRepo {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &BookingRepo{db: db, lockTimeout: lockTimeout}
}

type bookingTx struct {
	tx bun.Tx
}

// InResourceTx runs fn in a transaction holding the resource's advisory
// lock. pg_advisory_xact_lock is transaction-scoped, so the lock is released
// on commit and rollback alike; it cannot leak past the critical section.
func (r *BookingRepo) InResourceTx(ctx context.Context, resourceID string, fn func(ctx context.Context, tx store.BookingTx) error) error {
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockResource(ctx, tx, resourceID, r.lockTimeout); err != nil {
			return err
		}
		return fn(ctx, bookingTx{tx: tx})
	})
	return mapPgError(err)
}

func lockResource(ctx context.Context, tx bun.Tx, resourceID string, timeout time.Duration) error {
	// lock_timeout bounds the advisory lock wait; set_config with is_local
	// keeps the setting transaction-scoped.
	ms := strconv.FormatInt(timeout.Milliseconds(), 10)
	if _, err := tx.NewRaw("SELECT set_config('lock_timeout', ?, true)", ms).Exec(ctx); err != nil {
		return err
	}
	if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", resourceID).Exec(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

func (r *BookingRepo) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var appt domain.Appointment
	err := r.db.NewSelect().
		Model(&appt).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return appt, nil
}

func (r *BookingRepo) List(ctx context.Context, resourceID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := r.db.NewSelect().
		Model(&rows).
		Where("resource_id = ?", resourceID).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t bookingTx) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var appt domain.Appointment
	err := t.tx.NewSelect().
		Model(&appt).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, mapPgError(err)
	}
	return appt, nil
}

// ListActive performs the locked conflict read: active appointments of the
// resource whose buffer-expanded span overlaps span, with row locks taken so
// no concurrent writer can mutate them before this transaction ends.
func (t bookingTx) ListActive(ctx context.Context, resourceID string, span domain.Interval) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := t.tx.NewSelect().
		Model(&rows).
		Where("resource_id = ?", resourceID).
		Where("status NOT IN (?)", bun.In([]domain.AppointmentStatus{
			domain.AppointmentStatusCancelled,
			domain.AppointmentStatusNoShow,
		})).
		Where("start_time - make_interval(secs => buffer_before_secs) < ?", span.End).
		Where("end_time + make_interval(secs => buffer_after_secs) > ?", span.Start).
		OrderExpr("start_time ASC").
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		return nil, mapPgError(err)
	}
	return rows, nil
}

func (t bookingTx) Insert(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	if _, err := t.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		return domain.Appointment{}, mapPgError(err)
	}
	return m, nil
}

func (t bookingTx) UpdateVersioned(ctx context.Context, appt domain.Appointment, expectedVersion int64) (domain.Appointment, error) {
	m := appt
	m.UpdatedAt = time.Now().UTC()

	res, err := t.tx.NewUpdate().
		Model(&m).
		Column("start_time", "end_time", "buffer_before_secs", "buffer_after_secs", "status", "notes", "updated_at").
		Set("version = version + 1").
		Where("id = ?", appt.ID).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return domain.Appointment{}, mapPgError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 0 {
		exists, err := t.tx.NewSelect().
			Model((*domain.Appointment)(nil)).
			Where("id = ?", appt.ID).
			Exists(ctx)
		if err != nil {
			return domain.Appointment{}, mapPgError(err)
		}
		if !exists {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, store.ErrConcurrency
	}

	m.Version = expectedVersion + 1
	return m, nil
}

// mapPgError translates driver-level failures into the store taxonomy.
// Anything it does not recognize passes through unchanged.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03": // lock_not_available: lock_timeout expired
		return store.ErrLockTimeout
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return store.ErrSerialization
	case "23P01": // exclusion_violation
		if pgErr.ConstraintName == noOverlapConstraint {
			return &store.ConflictError{Constraint: true}
		}
	}
	return err
}
