package domain

import (
	"time"

	"github.com/google/uuid"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals intersect. Because both
// ends are half-open, an interval ending exactly when another starts does
// not overlap it.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Expand widens the interval by the given buffers on each side.
func (iv Interval) Expand(before, after time.Duration) Interval {
	return Interval{Start: iv.Start.Add(-before), End: iv.End.Add(after)}
}

// FindConflicts returns the ids of active appointments whose buffer-expanded
// span overlaps candidate, skipping the appointment identified by exclude
// (uuid.Nil excludes nothing). The returned order follows the input order.
func FindConflicts(candidate Interval, existing []Appointment, exclude uuid.UUID) []uuid.UUID {
	var ids []uuid.UUID
	for _, a := range existing {
		if a.ID == exclude {
			continue
		}
		if !a.Status.Active() {
			continue
		}
		if candidate.Overlaps(a.Span()) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}
