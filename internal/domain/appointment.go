package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
	AppointmentStatusNoShow    AppointmentStatus = "no_show"
)

// ActiveStatuses are the statuses that participate in overlap checks.
// Cancelled and no-show appointments keep their rows for auditing but
// release their slot.
var ActiveStatuses = []AppointmentStatus{
	AppointmentStatusPending,
	AppointmentStatusConfirmed,
	AppointmentStatusCompleted,
}

func (s AppointmentStatus) Active() bool {
	switch s {
	case AppointmentStatusCancelled, AppointmentStatusNoShow:
		return false
	default:
		return true
	}
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID              uuid.UUID         `bun:"id,pk,type:uuid"`
	ResourceID      string            `bun:"resource_id,notnull"`
	StartTime       time.Time         `bun:"start_time,notnull"`
	EndTime         time.Time         `bun:"end_time,notnull"`
	BufferBeforeSec int               `bun:"buffer_before_secs,notnull"`
	BufferAfterSec  int               `bun:"buffer_after_secs,notnull"`
	Status          AppointmentStatus `bun:"status,notnull"`
	Version         int64             `bun:"version,notnull"`
	Notes           string            `bun:"notes"`
	CreatedAt       time.Time         `bun:"created_at,notnull"`
	UpdatedAt       time.Time         `bun:"updated_at,notnull"`
}

// Span is the appointment's buffer-expanded occupancy interval. Two active
// appointments for the same resource may never have overlapping spans.
func (a Appointment) Span() Interval {
	return Interval{
		Start: a.StartTime.Add(-time.Duration(a.BufferBeforeSec) * time.Second),
		End:   a.EndTime.Add(time.Duration(a.BufferAfterSec) * time.Second),
	}
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.Status == "" {
			a.Status = AppointmentStatusConfirmed
		}
		if a.Version == 0 {
			a.Version = 1
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}
