package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// DefaultRating is given to drivers first seen through a location update.
const DefaultRating = 5.0

// LocationUpdate is one driver position report as carried on the
// driver-locations topic.
type LocationUpdate struct {
	DriverID     string              `json:"driver_id" validate:"required"`
	Location     models.Coord        `json:"location"`
	Availability models.Availability `json:"availability,omitempty"`
	RecordedAt   time.Time           `json:"recorded_at"`
}

func (u LocationUpdate) Validate() error {
	if strings.TrimSpace(u.DriverID) == "" {
		return apperr.Validationf("driver_id is required")
	}
	if u.Location.Lat < -90 || u.Location.Lat > 90 || u.Location.Lng < -180 || u.Location.Lng > 180 {
		return apperr.Validationf("location out of range")
	}
	if u.Availability != "" && !u.Availability.Valid() {
		return apperr.Validationf("unknown availability %q", u.Availability)
	}
	return nil
}

func Decode(raw []byte) (LocationUpdate, error) {
	var u LocationUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, apperr.Validationf("malformed location update: %v", err)
	}
	return u, u.Validate()
}

// Index is the part of the geospatial index that location updates touch.
type Index interface {
	Upsert(ctx context.Context, d models.Driver) (*models.Driver, error)
	UpdateLocation(ctx context.Context, id string, c models.Coord) (*models.Driver, error)
	SetAvailability(ctx context.Context, id string, a models.Availability) (*models.Driver, error)
}

// Apply moves a driver in the index. Unknown drivers are created active and
// available. Availability in the update never overrides busy, which only the
// matcher and ride lifecycle may clear.
func Apply(ctx context.Context, idx Index, u LocationUpdate) (*models.Driver, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	d, err := idx.UpdateLocation(ctx, u.DriverID, u.Location)
	if errors.Is(err, apperr.ErrDriverNotFound) {
		avail := u.Availability
		if avail == "" || avail == models.Busy {
			avail = models.Available
		}
		loc := u.Location
		return idx.Upsert(ctx, models.Driver{ID: u.DriverID, Location: &loc, Availability: avail, Rating: DefaultRating, Active: true})
	}
	if err != nil {
		return nil, err
	}
	if u.Availability == "" || u.Availability == d.Availability || d.Availability == models.Busy || u.Availability == models.Busy {
		return d, nil
	}
	return idx.SetAvailability(ctx, u.DriverID, u.Availability)
}
