package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"slotsmith/backend/internal/domain"
	"slotsmith/backend/internal/store"
)

func mustInsert(t *testing.T, s *Store, appt domain.Appointment) domain.Appointment {
	t.Helper()
	var out domain.Appointment
	err := s.InResourceTx(context.Background(), appt.ResourceID, func(ctx context.Context, tx store.BookingTx) error {
		created, err := tx.Insert(ctx, appt)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		t.Fatalf("insert error: %v", err)
	}
	return out
}

func TestStoreInsertAndGet(t *testing.T) {
	s := NewStore(time.Second)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	created := mustInsert(t, s, domain.Appointment{
		ResourceID: "r1",
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
	})
	if created.ID == uuid.Nil {
		t.Fatalf("expected assigned id")
	}
	if created.Version != 1 {
		t.Fatalf("version = %d, want 1", created.Version)
	}
	if created.Status != domain.AppointmentStatusConfirmed {
		t.Fatalf("status = %q, want confirmed", created.Status)
	}

	got, err := s.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("got id %s, want %s", got.ID, created.ID)
	}

	_, err = s.Get(context.Background(), uuid.MustParse("00000000-0000-0000-0000-0000000000aa"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, store.ErrNotFound)
	}
}

func TestStoreCommitBackstopRejectsOverlap(t *testing.T) {
	s := NewStore(time.Second)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	mustInsert(t, s, domain.Appointment{
		ResourceID: "r1",
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
	})

	// Insert without running a conflict read first: the commit-time
	// re-validation must catch it, like the storage exclusion constraint.
	err := s.InResourceTx(context.Background(), "r1", func(ctx context.Context, tx store.BookingTx) error {
		_, err := tx.Insert(ctx, domain.Appointment{
			ResourceID: "r1",
			StartTime:  start.Add(15 * time.Minute),
			EndTime:    start.Add(45 * time.Minute),
		})
		return err
	})

	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %T %v, want *store.ConflictError", err, err)
	}
	if !conflict.Constraint {
		t.Fatalf("Constraint = false, want true")
	}

	rows, err := s.List(context.Background(), "r1", start.Add(-time.Hour), start.Add(time.Hour))
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1 (failed tx must not commit)", len(rows))
	}
}

func TestStoreBackstopAllowsAdjacentAndCancelled(t *testing.T) {
	s := NewStore(time.Second)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	first := mustInsert(t, s, domain.Appointment{
		ResourceID: "r1",
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
	})

	// Zero buffers: ending exactly when the next starts is allowed.
	mustInsert(t, s, domain.Appointment{
		ResourceID: "r1",
		StartTime:  start.Add(30 * time.Minute),
		EndTime:    start.Add(time.Hour),
	})

	// Cancel the first, then rebook its slot.
	err := s.InResourceTx(context.Background(), "r1", func(ctx context.Context, tx store.BookingTx) error {
		next := first
		next.Status = domain.AppointmentStatusCancelled
		_, err := tx.UpdateVersioned(ctx, next, first.Version)
		return err
	})
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}

	mustInsert(t, s, domain.Appointment{
		ResourceID: "r1",
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
	})
}

func TestStoreVersionGuard(t *testing.T) {
	s := NewStore(time.Second)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	created := mustInsert(t, s, domain.Appointment{
		ResourceID: "r1",
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
	})

	t.Run("stale version fails without mutating", func(t *testing.T) {
		err := s.InResourceTx(context.Background(), "r1", func(ctx context.Context, tx store.BookingTx) error {
			next := created
			next.Notes = "sneaky"
			_, err := tx.UpdateVersioned(ctx, next, created.Version+5)
			return err
		})
		if !errors.Is(err, store.ErrConcurrency) {
			t.Fatalf("err = %v, want %v", err, store.ErrConcurrency)
		}
		got, err := s.Get(context.Background(), created.ID)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if got.Notes != "" || got.Version != 1 {
			t.Fatalf("record mutated by failed update: %+v", got)
		}
	})

	t.Run("matching version increments by one", func(t *testing.T) {
		var updated domain.Appointment
		err := s.InResourceTx(context.Background(), "r1", func(ctx context.Context, tx store.BookingTx) error {
			next := created
			next.Notes = "updated"
			var err error
			updated, err = tx.UpdateVersioned(ctx, next, created.Version)
			return err
		})
		if err != nil {
			t.Fatalf("update error: %v", err)
		}
		if updated.Version != created.Version+1 {
			t.Fatalf("version = %d, want %d", updated.Version, created.Version+1)
		}
	})

	t.Run("missing row is not found", func(t *testing.T) {
		err := s.InResourceTx(context.Background(), "r1", func(ctx context.Context, tx store.BookingTx) error {
			_, err := tx.UpdateVersioned(ctx, domain.Appointment{ID: uuid.MustParse("00000000-0000-0000-0000-0000000000bb")}, 1)
			return err
		})
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want %v", err, store.ErrNotFound)
		}
	})
}

func TestStoreLockTimeoutMapsToStoreError(t *testing.T) {
	s := NewStore(50 * time.Millisecond)

	blocked := make(chan struct{})
	proceed := make(chan struct{})
	go func() {
		_ = s.InResourceTx(context.Background(), "r1", func(ctx context.Context, tx store.BookingTx) error {
			close(blocked)
			<-proceed
			return nil
		})
	}()
	<-blocked
	defer close(proceed)

	err := s.InResourceTx(context.Background(), "r1", func(ctx context.Context, tx store.BookingTx) error {
		return nil
	})
	if !errors.Is(err, store.ErrLockTimeout) {
		t.Fatalf("err = %v, want %v", err, store.ErrLockTimeout)
	}
}

func TestLedgerClaimLifecycle(t *testing.T) {
	s := NewStore(time.Second)
	ctx := context.Background()

	now := time.Now().UTC()
	rec := domain.BookingRequestRecord{
		IdempotencyKey: "abc",
		Fingerprint:    "fp1",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}

	first, claimed, err := s.Claim(ctx, rec)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if !claimed {
		t.Fatalf("first claim not granted")
	}
	if first.State != domain.BookingRequestStatePending {
		t.Fatalf("state = %q, want pending", first.State)
	}

	second, claimed, err := s.Claim(ctx, rec)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if claimed {
		t.Fatalf("duplicate claim granted")
	}
	if second.Fingerprint != "fp1" {
		t.Fatalf("fingerprint = %q, want fp1", second.Fingerprint)
	}

	apptID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	if err := s.MarkSucceeded(ctx, "abc", apptID); err != nil {
		t.Fatalf("MarkSucceeded error: %v", err)
	}
	replayed, claimed, err := s.Claim(ctx, rec)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if claimed {
		t.Fatalf("completed claim re-granted")
	}
	if replayed.State != domain.BookingRequestStateSucceeded || replayed.AppointmentID == nil || *replayed.AppointmentID != apptID {
		t.Fatalf("replayed = %+v", replayed)
	}
}

func TestLedgerExpiredClaimIsReusable(t *testing.T) {
	s := NewStore(time.Second)
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	_, claimed, err := s.Claim(ctx, domain.BookingRequestRecord{
		IdempotencyKey: "abc",
		Fingerprint:    "fp1",
		CreatedAt:      past,
		ExpiresAt:      past.Add(time.Hour),
	})
	if err != nil || !claimed {
		t.Fatalf("seed claim: claimed=%v err=%v", claimed, err)
	}

	now := time.Now().UTC()
	rec, claimed, err := s.Claim(ctx, domain.BookingRequestRecord{
		IdempotencyKey: "abc",
		Fingerprint:    "fp2",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if !claimed {
		t.Fatalf("expired key not reclaimed")
	}
	if rec.Fingerprint != "fp2" {
		t.Fatalf("fingerprint = %q, want fp2", rec.Fingerprint)
	}
}

func TestLedgerReleaseAndPurge(t *testing.T) {
	s := NewStore(time.Second)
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := s.Claim(ctx, domain.BookingRequestRecord{
		IdempotencyKey: "pending",
		Fingerprint:    "fp",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}

	if err := s.Release(ctx, "pending"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	_, claimed, err := s.Claim(ctx, domain.BookingRequestRecord{
		IdempotencyKey: "pending",
		Fingerprint:    "fp",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	})
	if err != nil || !claimed {
		t.Fatalf("released key not reclaimable: claimed=%v err=%v", claimed, err)
	}

	_, _, err = s.Claim(ctx, domain.BookingRequestRecord{
		IdempotencyKey: "old",
		Fingerprint:    "fp",
		CreatedAt:      now.Add(-48 * time.Hour),
		ExpiresAt:      now.Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}

	purged, err := s.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired error: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
}
