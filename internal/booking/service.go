package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"slotsmith/backend/internal/domain"
	"slotsmith/backend/internal/retry"
	"slotsmith/backend/internal/store"
)

const (
	maxAppointmentDuration = 24 * time.Hour
	maxBuffer              = 4 * time.Hour
)

type Service struct {
	repo     store.BookingRepository
	guard    *idempotencyGuard
	policy   retry.Policy
	notifier Notifier
	clock    Clock
	log      *slog.Logger
	validate *validator.Validate

	notifications errgroup.Group
}

type Options struct {
	RetryPolicy retry.Policy
	Notifier    Notifier
	Clock       Clock
	RequestTTL  time.Duration
}

// NewService builds the booking core. ledger may be nil, in which case
// idempotency keys are rejected as unsupported.
func NewService(repo store.BookingRepository, ledger store.RequestLedger, log *slog.Logger, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.RetryPolicy.MaxAttempts == 0 {
		opts.RetryPolicy = retry.DefaultPolicy()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = domain.DefaultBookingRequestTTL
	}

	s := &Service{
		repo:     repo,
		policy:   opts.RetryPolicy,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		log:      log.With(slog.String("component", "booking")),
		validate: validator.New(),
	}
	if ledger != nil {
		s.guard = &idempotencyGuard{ledger: ledger, ttl: opts.RequestTTL, clock: opts.Clock}
	}
	return s
}

// Close waits for in-flight post-commit notifications to drain.
func (s *Service) Close() error {
	return s.notifications.Wait()
}

type CreateInput struct {
	ResourceID     string `validate:"required,max=128"`
	StartTime      time.Time
	Duration       time.Duration
	BufferBefore   time.Duration
	BufferAfter    time.Duration
	Notes          string `validate:"max=2000"`
	IdempotencyKey string `validate:"omitempty,max=256"`
}

func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Appointment, error) {
	in.ResourceID = strings.TrimSpace(in.ResourceID)
	if err := s.validate.Struct(in); err != nil {
		return domain.Appointment{}, asValidationError(err)
	}
	if in.StartTime.IsZero() {
		return domain.Appointment{}, validationError("start_time is required")
	}
	if in.Duration <= 0 {
		return domain.Appointment{}, validationError("duration must be positive")
	}
	if in.Duration > maxAppointmentDuration {
		return domain.Appointment{}, validationError("duration too long")
	}
	if in.BufferBefore < 0 || in.BufferAfter < 0 {
		return domain.Appointment{}, validationError("buffers must not be negative")
	}
	if in.BufferBefore > maxBuffer || in.BufferAfter > maxBuffer {
		return domain.Appointment{}, validationError("buffer too long")
	}

	start := in.StartTime.UTC().Truncate(time.Second)
	end := start.Add(in.Duration)
	bufBefore := int(in.BufferBefore / time.Second)
	bufAfter := int(in.BufferAfter / time.Second)

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if s.guard == nil {
			return domain.Appointment{}, validationError("idempotency keys are not supported by this deployment")
		}
		fp := Fingerprint(
			in.ResourceID,
			start.Format(time.RFC3339Nano),
			in.Duration.String(),
			strconv.Itoa(bufBefore),
			strconv.Itoa(bufAfter),
			in.Notes,
		)
		rec, proceed, err := s.guard.begin(ctx, key, fp)
		if err != nil {
			return domain.Appointment{}, err
		}
		if !proceed {
			return s.replay(ctx, rec)
		}
	}

	var created domain.Appointment
	attempt := func(ctx context.Context) error {
		return s.repo.InResourceTx(ctx, in.ResourceID, func(ctx context.Context, tx store.BookingTx) error {
			candidate := domain.Interval{Start: start, End: end}.Expand(in.BufferBefore, in.BufferAfter)
			existing, err := tx.ListActive(ctx, in.ResourceID, candidate)
			if err != nil {
				return err
			}
			if ids := domain.FindConflicts(candidate, existing, uuid.Nil); len(ids) > 0 {
				return &store.ConflictError{ConflictingIDs: ids}
			}

			appt, err := tx.Insert(ctx, domain.Appointment{
				ResourceID:      in.ResourceID,
				StartTime:       start,
				EndTime:         end,
				BufferBeforeSec: bufBefore,
				BufferAfterSec:  bufAfter,
				Status:          domain.AppointmentStatusConfirmed,
				Notes:           in.Notes,
			})
			if err != nil {
				return err
			}
			created = appt
			return nil
		})
	}

	if err := s.policy.Do(ctx, store.IsRetryable, attempt); err != nil {
		return domain.Appointment{}, s.finishFailed(ctx, key, err, slog.String("resource_id", in.ResourceID))
	}

	if key != "" {
		if err := s.guard.succeeded(ctx, key, created.ID); err != nil {
			s.log.Warn("idempotency completion failed", slog.Any("err", err), slog.String("idempotency_key", key))
		}
	}

	s.log.Info(
		"appointment booked",
		slog.String("appointment_id", created.ID.String()),
		slog.String("resource_id", created.ResourceID),
		slog.Time("start_time", created.StartTime),
		slog.Time("end_time", created.EndTime),
	)
	s.dispatch(ctx, NotificationBooked, created)
	return created, nil
}

type UpdateChanges struct {
	StartTime    *time.Time
	Duration     *time.Duration
	BufferBefore *time.Duration
	BufferAfter  *time.Duration
	Notes        *string
}

func (c UpdateChanges) empty() bool {
	return c.StartTime == nil && c.Duration == nil && c.BufferBefore == nil &&
		c.BufferAfter == nil && c.Notes == nil
}

type UpdateInput struct {
	AppointmentID   uuid.UUID
	ExpectedVersion int64
	Changes         UpdateChanges
}

func (s *Service) Update(ctx context.Context, in UpdateInput) (domain.Appointment, error) {
	if in.AppointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	if in.ExpectedVersion < 1 {
		return domain.Appointment{}, validationError("expected_version must be at least 1")
	}
	if in.Changes.empty() {
		return domain.Appointment{}, validationError("no changes supplied")
	}
	if in.Changes.Duration != nil && (*in.Changes.Duration <= 0 || *in.Changes.Duration > maxAppointmentDuration) {
		return domain.Appointment{}, validationError("duration out of range")
	}
	if in.Changes.BufferBefore != nil && (*in.Changes.BufferBefore < 0 || *in.Changes.BufferBefore > maxBuffer) {
		return domain.Appointment{}, validationError("buffer_before out of range")
	}
	if in.Changes.BufferAfter != nil && (*in.Changes.BufferAfter < 0 || *in.Changes.BufferAfter > maxBuffer) {
		return domain.Appointment{}, validationError("buffer_after out of range")
	}

	// Resolve the resource outside the critical section; the lock key must
	// be known before the transaction opens.
	current, err := s.repo.Get(ctx, in.AppointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}

	var updated domain.Appointment
	attempt := func(ctx context.Context) error {
		return s.repo.InResourceTx(ctx, current.ResourceID, func(ctx context.Context, tx store.BookingTx) error {
			fresh, err := tx.Get(ctx, in.AppointmentID)
			if err != nil {
				return err
			}
			if !fresh.Status.Active() {
				return validationError("appointment is no longer active")
			}

			next := applyChanges(fresh, in.Changes)
			span := next.Span()
			existing, err := tx.ListActive(ctx, fresh.ResourceID, span)
			if err != nil {
				return err
			}
			if ids := domain.FindConflicts(span, existing, fresh.ID); len(ids) > 0 {
				return &store.ConflictError{ConflictingIDs: ids}
			}

			updated, err = tx.UpdateVersioned(ctx, next, in.ExpectedVersion)
			return err
		})
	}

	if err := s.policy.Do(ctx, store.IsRetryable, attempt); err != nil {
		return domain.Appointment{}, s.finishFailed(ctx, "", err, slog.String("appointment_id", in.AppointmentID.String()))
	}

	s.log.Info(
		"appointment rescheduled",
		slog.String("appointment_id", updated.ID.String()),
		slog.String("resource_id", updated.ResourceID),
		slog.Int64("version", updated.Version),
	)
	s.dispatch(ctx, NotificationRescheduled, updated)
	return updated, nil
}

// Cancel transitions the appointment to cancelled through the version guard.
// The row is never deleted; history stays intact for auditing.
func (s *Service) Cancel(ctx context.Context, appointmentID uuid.UUID, expectedVersion int64) (domain.Appointment, error) {
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	if expectedVersion < 1 {
		return domain.Appointment{}, validationError("expected_version must be at least 1")
	}

	current, err := s.repo.Get(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}

	var cancelled domain.Appointment
	attempt := func(ctx context.Context) error {
		return s.repo.InResourceTx(ctx, current.ResourceID, func(ctx context.Context, tx store.BookingTx) error {
			fresh, err := tx.Get(ctx, appointmentID)
			if err != nil {
				return err
			}
			if fresh.Status == domain.AppointmentStatusCancelled {
				cancelled = fresh
				return nil
			}
			next := fresh
			next.Status = domain.AppointmentStatusCancelled
			cancelled, err = tx.UpdateVersioned(ctx, next, expectedVersion)
			return err
		})
	}

	if err := s.policy.Do(ctx, store.IsRetryable, attempt); err != nil {
		return domain.Appointment{}, s.finishFailed(ctx, "", err, slog.String("appointment_id", appointmentID.String()))
	}

	s.log.Info(
		"appointment cancelled",
		slog.String("appointment_id", cancelled.ID.String()),
		slog.String("resource_id", cancelled.ResourceID),
	)
	s.dispatch(ctx, NotificationCancelled, cancelled)
	return cancelled, nil
}

func (s *Service) Get(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	return s.repo.Get(ctx, appointmentID)
}

func (s *Service) List(ctx context.Context, resourceID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, validationError("resource_id is required")
	}
	start := windowStart.UTC()
	end := windowEnd.UTC()
	if end.Equal(start) || end.Before(start) {
		return nil, validationError("window_end must be after window_start")
	}
	return s.repo.List(ctx, resourceID, start, end)
}

// PurgeExpiredRequests removes idempotency ledger entries past their TTL.
// Called by the background sweep.
func (s *Service) PurgeExpiredRequests(ctx context.Context) (int, error) {
	if s.guard == nil {
		return 0, nil
	}
	return s.guard.ledger.PurgeExpired(ctx, s.clock.Now())
}

// replay serves a cached outcome for a completed idempotency key.
func (s *Service) replay(ctx context.Context, rec domain.BookingRequestRecord) (domain.Appointment, error) {
	switch rec.State {
	case domain.BookingRequestStateSucceeded:
		if rec.AppointmentID == nil {
			return domain.Appointment{}, fmt.Errorf("ledger entry %q succeeded without appointment id", rec.IdempotencyKey)
		}
		appt, err := s.repo.Get(ctx, *rec.AppointmentID)
		if err != nil {
			return domain.Appointment{}, err
		}
		s.log.Info(
			"replayed idempotent booking",
			slog.String("appointment_id", appt.ID.String()),
			slog.String("idempotency_key", rec.IdempotencyKey),
		)
		return appt, nil
	case domain.BookingRequestStateFailed:
		if rec.ErrorKind == errorKindConflict {
			return domain.Appointment{}, &store.ConflictError{}
		}
		return domain.Appointment{}, fmt.Errorf("ledger entry %q failed with kind %q", rec.IdempotencyKey, rec.ErrorKind)
	default:
		return domain.Appointment{}, store.ErrOperationInProgress
	}
}

// finishFailed settles the ledger for a failed attempt and normalizes the
// error for the caller: terminal conflicts are cached and propagated,
// transient exhaustion releases the key and becomes ErrOperationTimeout.
func (s *Service) finishFailed(ctx context.Context, key string, err error, attrs ...any) error {
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		if conflict.Constraint {
			args := append([]any{slog.Any("err", err)}, attrs...)
			s.log.Error("storage constraint caught an overlap the conflict read missed", args...)
		}
		if key != "" && s.guard != nil {
			if ferr := s.guard.failed(ctx, key, errorKindConflict); ferr != nil {
				s.log.Warn("idempotency completion failed", slog.Any("err", ferr), slog.String("idempotency_key", key))
			}
		}
		return err
	}

	if key != "" && s.guard != nil {
		if rerr := s.guard.release(ctx, key); rerr != nil {
			s.log.Warn("idempotency release failed", slog.Any("err", rerr), slog.String("idempotency_key", key))
		}
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		args := append([]any{slog.Any("err", exhausted.Last), slog.Int("attempts", exhausted.Attempts)}, attrs...)
		s.log.Warn("retry budget exhausted", args...)
		return fmt.Errorf("%w: %v", ErrOperationTimeout, exhausted.Last)
	}
	return err
}

func (s *Service) dispatch(ctx context.Context, kind NotificationKind, appt domain.Appointment) {
	// Outside the transaction and off the request path: the booking is
	// committed whether or not delivery works.
	notifyCtx := context.WithoutCancel(ctx)
	s.notifications.Go(func() error {
		s.notifier.Notify(notifyCtx, kind, appt)
		return nil
	})
}

func applyChanges(appt domain.Appointment, c UpdateChanges) domain.Appointment {
	next := appt
	duration := appt.EndTime.Sub(appt.StartTime)
	if c.Duration != nil {
		duration = *c.Duration
	}
	if c.StartTime != nil {
		next.StartTime = c.StartTime.UTC().Truncate(time.Second)
	}
	next.EndTime = next.StartTime.Add(duration)
	if c.BufferBefore != nil {
		next.BufferBeforeSec = int(*c.BufferBefore / time.Second)
	}
	if c.BufferAfter != nil {
		next.BufferAfterSec = int(*c.BufferAfter / time.Second)
	}
	if c.Notes != nil {
		next.Notes = *c.Notes
	}
	return next
}

func asValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		switch fe.Tag() {
		case "required":
			return validationError(snakeCase(fe.Field()) + " is required")
		case "max":
			return validationError(snakeCase(fe.Field()) + " is too long")
		default:
			return validationError(snakeCase(fe.Field()) + " is invalid")
		}
	}
	return validationError(err.Error())
}

func snakeCase(field string) string {
	var b strings.Builder
	var prev rune
	for _, r := range field {
		if r >= 'A' && r <= 'Z' {
			if prev >= 'a' && prev <= 'z' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}
