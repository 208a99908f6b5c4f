package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const activeRideIndex = "rides_one_active_per_rider"

const rideColumns = `id, rider_id, driver_id, state, class, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	estimated_distance_km, estimated_fare, actual_fare, cancellation_reason, requested_at, matched_at,
	en_route_at, arrived_at, started_at, completed_at, cancelled_at, updated_at, version`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in lexical order and returns the
// names of the files applied.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := migrations.ReadFile("migrations/" + n)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", n, err)
		}
	}
	return names, nil
}

// CreateRide relies on the partial unique index over non-terminal rides to
// reject a second active ride for the same rider.
func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		r.ID, r.RiderID, nullString(r.DriverID), string(r.State), string(r.Class),
		r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng,
		r.EstimatedDistanceKm, r.EstimatedFare, r.ActualFare, r.CancellationReason,
		r.RequestedAt, r.MatchedAt, r.EnRouteAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		r.UpdatedAt, r.Version)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == activeRideIndex {
		return apperr.Wrap(apperr.ErrDuplicateActiveRide, "rider %s", r.RiderID)
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Wrap(apperr.ErrRideNotFound, "ride %s", id)
	}
	return r, err
}

// UpdateRideIf is the conditional write behind every transition: the row is
// only touched while it still carries the state and version the caller read.
func (p *PostgresStore) UpdateRideIf(ctx context.Context, r *models.Ride, expected models.RideState, expectedVersion int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_id=$1, state=$2, actual_fare=$3, cancellation_reason=$4,
		matched_at=$5, en_route_at=$6, arrived_at=$7, started_at=$8, completed_at=$9, cancelled_at=$10,
		updated_at=$11, version=version+1
		WHERE id=$12 AND state=$13 AND version=$14`,
		nullString(r.DriverID), string(r.State), r.ActualFare, r.CancellationReason,
		r.MatchedAt, r.EnRouteAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		r.UpdatedAt, r.ID, string(expected), expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetRide(ctx, r.ID); err != nil {
			return err
		}
		return ErrStateConflict
	}
	r.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE rider_id=$1 AND state NOT IN ('completed','cancelled') LIMIT 1`, riderID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Wrap(apperr.ErrRideNotFound, "no active ride for rider %s", riderID)
	}
	return r, err
}

func (p *PostgresStore) ListRidesByRider(ctx context.Context, riderID string) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE rider_id=$1 ORDER BY requested_at DESC`, riderID)
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

func (p *PostgresStore) ListRidesInState(ctx context.Context, state models.RideState, requestedBefore time.Time) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE state=$1 AND requested_at < $2`, string(state), requestedBefore)
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r          models.Ride
		driverID   sql.NullString
		state      string
		class      string
		actualFare sql.NullFloat64

		matchedAt, enRouteAt, arrivedAt, startedAt, completedAt, cancelledAt sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID, &driverID, &state, &class,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Lat, &r.Dropoff.Lng,
		&r.EstimatedDistanceKm, &r.EstimatedFare, &actualFare, &r.CancellationReason,
		&r.RequestedAt, &matchedAt, &enRouteAt, &arrivedAt, &startedAt, &completedAt, &cancelledAt,
		&r.UpdatedAt, &r.Version)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.State = models.RideState(state)
	r.Class = models.RideClass(class)
	if actualFare.Valid {
		v := actualFare.Float64
		r.ActualFare = &v
	}
	r.MatchedAt = timePtr(matchedAt)
	r.EnRouteAt = timePtr(enRouteAt)
	r.ArrivedAt = timePtr(arrivedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

func collectRides(rows *sql.Rows) ([]*models.Ride, error) {
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
