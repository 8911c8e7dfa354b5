// Package memory implements the booking store contract in process, for
// single-node deployments and tests. Mutual exclusion per resource comes
// from a keyed mutex instead of a Postgres advisory lock; the contract is
// identical, including the pre-commit overlap backstop.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotsmith/backend/internal/domain"
	"slotsmith/backend/internal/lock"
	"slotsmith/backend/internal/store"
)

type Store struct {
	mu           sync.RWMutex
	appointments map[uuid.UUID]domain.Appointment
	requests     map[string]domain.BookingRequestRecord

	locks       *lock.KeyedMutex
	lockTimeout time.Duration
}

func NewStore(lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Store{
		appointments: make(map[uuid.UUID]domain.Appointment),
		requests:     make(map[string]domain.BookingRequestRecord),
		locks:        lock.NewKeyedMutex(),
		lockTimeout:  lockTimeout,
	}
}

type memTx struct {
	s          *Store
	resourceID string
	staged     map[uuid.UUID]domain.Appointment
}

// InResourceTx serializes the critical section per resource via the keyed
// mutex. Writes are staged and only applied after fn returns nil and the
// staged set passes the overlap re-validation, the in-process stand-in for
// the storage exclusion constraint.
func (s *Store) InResourceTx(ctx context.Context, resourceID string, fn func(ctx context.Context, tx store.BookingTx) error) error {
	release, err := s.locks.Acquire(ctx, resourceID, s.lockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return store.ErrLockTimeout
		}
		return err
	}
	defer release()

	tx := &memTx{
		s:          s,
		resourceID: resourceID,
		staged:     make(map[uuid.UUID]domain.Appointment),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, appt := range tx.staged {
		if !appt.Status.Active() {
			continue
		}
		span := appt.Span()
		for otherID, other := range s.appointments {
			if otherID == id || other.ResourceID != appt.ResourceID {
				continue
			}
			if staged, ok := tx.staged[otherID]; ok {
				other = staged
			}
			if other.Status.Active() && span.Overlaps(other.Span()) {
				return &store.ConflictError{Constraint: true}
			}
		}
		for otherID, other := range tx.staged {
			if otherID == id {
				continue
			}
			if _, committed := s.appointments[otherID]; committed {
				continue
			}
			if other.ResourceID == appt.ResourceID && other.Status.Active() && span.Overlaps(other.Span()) {
				return &store.ConflictError{Constraint: true}
			}
		}
	}

	for id, appt := range tx.staged {
		s.appointments[id] = appt
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appt, ok := s.appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return appt, nil
}

func (s *Store) List(ctx context.Context, resourceID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []domain.Appointment
	for _, appt := range s.appointments {
		if appt.ResourceID != resourceID {
			continue
		}
		if appt.StartTime.Before(windowEnd) && appt.EndTime.After(windowStart) {
			rows = append(rows, appt)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StartTime.Before(rows[j].StartTime) })
	return rows, nil
}

func (tx *memTx) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if appt, ok := tx.staged[id]; ok {
		return appt, nil
	}
	return tx.s.Get(ctx, id)
}

func (tx *memTx) ListActive(ctx context.Context, resourceID string, span domain.Interval) ([]domain.Appointment, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	var rows []domain.Appointment
	for id, appt := range tx.s.appointments {
		if staged, ok := tx.staged[id]; ok {
			appt = staged
		}
		if appt.ResourceID != resourceID || !appt.Status.Active() {
			continue
		}
		if span.Overlaps(appt.Span()) {
			rows = append(rows, appt)
		}
	}
	for id, appt := range tx.staged {
		if _, committed := tx.s.appointments[id]; committed {
			continue
		}
		if appt.ResourceID != resourceID || !appt.Status.Active() {
			continue
		}
		if span.Overlaps(appt.Span()) {
			rows = append(rows, appt)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StartTime.Before(rows[j].StartTime) })
	return rows, nil
}

func (tx *memTx) Insert(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	now := time.Now().UTC()
	if appt.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Appointment{}, err
		}
		appt.ID = id
	}
	if appt.Status == "" {
		appt.Status = domain.AppointmentStatusConfirmed
	}
	if appt.Version == 0 {
		appt.Version = 1
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	if appt.UpdatedAt.IsZero() {
		appt.UpdatedAt = now
	}
	tx.staged[appt.ID] = appt
	return appt, nil
}

func (tx *memTx) UpdateVersioned(ctx context.Context, appt domain.Appointment, expectedVersion int64) (domain.Appointment, error) {
	current, err := tx.Get(ctx, appt.ID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if current.Version != expectedVersion {
		return domain.Appointment{}, store.ErrConcurrency
	}

	updated := current
	updated.StartTime = appt.StartTime
	updated.EndTime = appt.EndTime
	updated.BufferBeforeSec = appt.BufferBeforeSec
	updated.BufferAfterSec = appt.BufferAfterSec
	updated.Status = appt.Status
	updated.Notes = appt.Notes
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = time.Now().UTC()

	tx.staged[updated.ID] = updated
	return updated, nil
}
