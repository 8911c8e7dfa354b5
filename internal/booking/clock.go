package booking

import (
	"context"
	"time"
)

// Clock resolves current time and a resource's local timezone. The booking
// core stores and compares UTC instants; the location is what the API layer
// needs to render buffer arithmetic in resource-local terms.
type Clock interface {
	Now() time.Time
	ResourceLocation(ctx context.Context, resourceID string) (*time.Location, error)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) ResourceLocation(ctx context.Context, resourceID string) (*time.Location, error) {
	return time.UTC, nil
}
