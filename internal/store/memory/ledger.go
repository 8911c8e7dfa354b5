package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"slotsmith/backend/internal/domain"
	"slotsmith/backend/internal/store"
)

func (s *Store) Claim(ctx context.Context, rec domain.BookingRequestRecord) (domain.BookingRequestRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(domain.DefaultBookingRequestTTL)
	}
	if rec.State == "" {
		rec.State = domain.BookingRequestStatePending
	}

	existing, ok := s.requests[rec.IdempotencyKey]
	if ok && !existing.Expired(now) {
		return existing, false, nil
	}

	s.requests[rec.IdempotencyKey] = rec
	return rec, true, nil
}

func (s *Store) MarkSucceeded(ctx context.Context, key string, appointmentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requests[key]
	if !ok {
		return nil
	}
	id := appointmentID
	rec.State = domain.BookingRequestStateSucceeded
	rec.AppointmentID = &id
	rec.ErrorKind = ""
	s.requests[key] = rec
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, key, errorKind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requests[key]
	if !ok {
		return nil
	}
	rec.State = domain.BookingRequestStateFailed
	rec.AppointmentID = nil
	rec.ErrorKind = errorKind
	s.requests[key] = rec
	return nil
}

func (s *Store) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.requests[key]; ok && rec.State == domain.BookingRequestStatePending {
		delete(s.requests, key)
	}
	return nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, rec := range s.requests {
		if rec.Expired(now) {
			delete(s.requests, key)
			purged++
		}
	}
	return purged, nil
}

var _ store.BookingRepository = (*Store)(nil)
var _ store.RequestLedger = (*Store)(nil)
