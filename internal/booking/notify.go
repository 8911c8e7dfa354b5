package booking

import (
	"context"

	"slotsmith/backend/internal/domain"
)

type NotificationKind string

const (
	NotificationBooked      NotificationKind = "booked"
	NotificationRescheduled NotificationKind = "rescheduled"
	NotificationCancelled   NotificationKind = "cancelled"
)

// Notifier is invoked after a commit succeeds, never inside the transaction.
// Delivery is fire-and-forget: a failed notification never rolls back a
// booking.
type Notifier interface {
	Notify(ctx context.Context, kind NotificationKind, appt domain.Appointment)
}

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, kind NotificationKind, appt domain.Appointment) {}
