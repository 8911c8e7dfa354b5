package booking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"slotsmith/backend/internal/domain"
	"slotsmith/backend/internal/store"
)

// errorKindConflict is the terminal outcome kind cached in the ledger so a
// replayed request that legitimately conflicted gets the same answer without
// re-running the critical section.
const errorKindConflict = "conflict"

// Fingerprint hashes the normalized request parts. A key replayed with a
// different fingerprint is a client bug, not a retry, and is rejected.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strings.TrimSpace(p)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// idempotencyGuard wraps the ledger with the begin/complete protocol. It
// holds no state of its own; the uniqueness constraint on the key is what
// makes concurrent begins safe.
type idempotencyGuard struct {
	ledger store.RequestLedger
	ttl    time.Duration
	clock  Clock
}

// begin claims the key. proceed=true means this caller owns the side
// effects. proceed=false with a nil error means the record carries a cached
// terminal outcome to replay.
func (g idempotencyGuard) begin(ctx context.Context, key, fingerprint string) (domain.BookingRequestRecord, bool, error) {
	now := g.clock.Now()
	rec := domain.BookingRequestRecord{
		IdempotencyKey: key,
		Fingerprint:    fingerprint,
		State:          domain.BookingRequestStatePending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.ttl),
	}

	existing, claimed, err := g.ledger.Claim(ctx, rec)
	if err != nil {
		return domain.BookingRequestRecord{}, false, err
	}
	if claimed {
		return existing, true, nil
	}

	if existing.Fingerprint != fingerprint {
		return domain.BookingRequestRecord{}, false, store.ErrIdempotencyMismatch
	}
	if existing.State == domain.BookingRequestStatePending {
		return domain.BookingRequestRecord{}, false, store.ErrOperationInProgress
	}
	return existing, false, nil
}

func (g idempotencyGuard) succeeded(ctx context.Context, key string, appointmentID uuid.UUID) error {
	return g.ledger.MarkSucceeded(ctx, key, appointmentID)
}

func (g idempotencyGuard) failed(ctx context.Context, key, kind string) error {
	return g.ledger.MarkFailed(ctx, key, kind)
}

// release frees the key after a transient failure so the client's retry can
// claim it again. Terminal outcomes are cached instead.
func (g idempotencyGuard) release(ctx context.Context, key string) error {
	return g.ledger.Release(ctx, key)
}
