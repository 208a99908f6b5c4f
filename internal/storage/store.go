package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrStateConflict is returned by UpdateRideIf when the stored ride no longer
// has the expected state and version.
var ErrStateConflict = errors.New("storage: ride changed concurrently")

// RideStore defines persistence operations for rides.
type RideStore interface {
	// CreateRide inserts r unless its rider already has a non-terminal ride,
	// in which case it returns apperr.ErrDuplicateActiveRide.
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateRideIf writes r only if the stored ride is still in expected
	// state at expectedVersion. On success r.Version is advanced.
	UpdateRideIf(ctx context.Context, r *models.Ride, expected models.RideState, expectedVersion int64) error
	ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error)
	ListRidesByRider(ctx context.Context, riderID string) ([]*models.Ride, error)
	ListRidesInState(ctx context.Context, state models.RideState, requestedBefore time.Time) ([]*models.Ride, error)
}

// DriverStore holds the authoritative driver records.
type DriverStore interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	PutDriver(ctx context.Context, d *models.Driver) error
	// UpdateDriver atomically applies fn to the stored record. An error from
	// fn aborts the update and is returned unchanged. A missing record is
	// passed to fn as nil so callers can decide whether to create it.
	UpdateDriver(ctx context.Context, id string, fn func(d *models.Driver) (*models.Driver, error)) (*models.Driver, error)
}
