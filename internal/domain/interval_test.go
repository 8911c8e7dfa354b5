package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIntervalOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	iv := func(startMin, endMin int) Interval {
		return Interval{
			Start: base.Add(time.Duration(startMin) * time.Minute),
			End:   base.Add(time.Duration(endMin) * time.Minute),
		}
	}

	t.Run("partial overlap conflicts", func(t *testing.T) {
		if !iv(0, 30).Overlaps(iv(15, 45)) {
			t.Fatalf("expected overlap")
		}
	})

	t.Run("containment conflicts", func(t *testing.T) {
		if !iv(0, 60).Overlaps(iv(15, 30)) {
			t.Fatalf("expected overlap")
		}
	})

	t.Run("back to back does not conflict", func(t *testing.T) {
		if iv(0, 30).Overlaps(iv(30, 60)) {
			t.Fatalf("half-open intervals sharing an endpoint must not overlap")
		}
		if iv(30, 60).Overlaps(iv(0, 30)) {
			t.Fatalf("half-open intervals sharing an endpoint must not overlap")
		}
	})

	t.Run("disjoint does not conflict", func(t *testing.T) {
		if iv(0, 30).Overlaps(iv(45, 60)) {
			t.Fatalf("expected no overlap")
		}
	})
}

func TestAppointmentSpanExpandsBuffers(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	appt := Appointment{
		StartTime:       start,
		EndTime:         start.Add(30 * time.Minute),
		BufferBeforeSec: 300,
		BufferAfterSec:  600,
	}

	span := appt.Span()
	if !span.Start.Equal(start.Add(-5 * time.Minute)) {
		t.Fatalf("span start = %v, want %v", span.Start, start.Add(-5*time.Minute))
	}
	if !span.End.Equal(start.Add(40 * time.Minute)) {
		t.Fatalf("span end = %v, want %v", span.End, start.Add(40*time.Minute))
	}
}

func TestFindConflicts(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	a := Appointment{
		ID:         uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		ResourceID: "r1",
		StartTime:  base,
		EndTime:    base.Add(30 * time.Minute),
		Status:     AppointmentStatusConfirmed,
	}
	cancelled := Appointment{
		ID:         uuid.MustParse("00000000-0000-0000-0000-000000000002"),
		ResourceID: "r1",
		StartTime:  base,
		EndTime:    base.Add(30 * time.Minute),
		Status:     AppointmentStatusCancelled,
	}

	t.Run("overlapping active appointment reported", func(t *testing.T) {
		candidate := Interval{Start: base.Add(15 * time.Minute), End: base.Add(45 * time.Minute)}
		ids := FindConflicts(candidate, []Appointment{a, cancelled}, uuid.Nil)
		if len(ids) != 1 || ids[0] != a.ID {
			t.Fatalf("ids = %v, want [%s]", ids, a.ID)
		}
	})

	t.Run("cancelled appointments ignored", func(t *testing.T) {
		candidate := Interval{Start: base, End: base.Add(30 * time.Minute)}
		ids := FindConflicts(candidate, []Appointment{cancelled}, uuid.Nil)
		if len(ids) != 0 {
			t.Fatalf("ids = %v, want none", ids)
		}
	})

	t.Run("excluded id skipped", func(t *testing.T) {
		candidate := Interval{Start: base, End: base.Add(30 * time.Minute)}
		ids := FindConflicts(candidate, []Appointment{a}, a.ID)
		if len(ids) != 0 {
			t.Fatalf("ids = %v, want none", ids)
		}
	})

	t.Run("adjacent appointment with zero buffers allowed", func(t *testing.T) {
		candidate := Interval{Start: base.Add(30 * time.Minute), End: base.Add(time.Hour)}
		ids := FindConflicts(candidate, []Appointment{a}, uuid.Nil)
		if len(ids) != 0 {
			t.Fatalf("ids = %v, want none", ids)
		}
	})

	t.Run("buffer after makes adjacency conflict", func(t *testing.T) {
		buffered := a
		buffered.BufferAfterSec = 600
		candidate := Interval{Start: base.Add(30 * time.Minute), End: base.Add(time.Hour)}
		ids := FindConflicts(candidate, []Appointment{buffered}, uuid.Nil)
		if len(ids) != 1 || ids[0] != buffered.ID {
			t.Fatalf("ids = %v, want [%s]", ids, buffered.ID)
		}
	})
}
