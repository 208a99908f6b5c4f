package ride

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

// maxAttempts bounds re-reads after losing a conditional update to a
// concurrent writer on the same ride.
const maxAttempts = 5

// EventSink consumes ride events. Failures are logged by the machine and
// never fail the transition that produced the event.
type EventSink interface {
	Publish(ctx context.Context, ev models.RideEvent) error
}

// DriverReleaser returns a driver to the available pool once a ride no
// longer needs them.
type DriverReleaser interface {
	Release(ctx context.Context, driverID string, completedRide bool) error
}

var transitions = map[models.RideState][]models.RideState{
	models.StateRequested:  {models.StateMatched, models.StateCancelled},
	models.StateMatched:    {models.StateEnRoute, models.StateCancelled},
	models.StateEnRoute:    {models.StateArrived, models.StateCancelled},
	models.StateArrived:    {models.StateInProgress, models.StateCancelled},
	models.StateInProgress: {models.StateCompleted, models.StateCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.RideState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Machine struct {
	store   storage.RideStore
	drivers DriverReleaser
	sinks   []EventSink
	logger  *zap.SugaredLogger
	now     func() time.Time
	newID   func() string
}

func NewMachine(store storage.RideStore, drivers DriverReleaser, logger *zap.SugaredLogger, sinks ...EventSink) *Machine {
	return &Machine{
		store:   store,
		drivers: drivers,
		sinks:   sinks,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// AddSink registers another consumer of ride events. It must be called
// before the machine starts serving requests.
func (m *Machine) AddSink(s EventSink) { m.sinks = append(m.sinks, s) }

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Create opens a ride in the requested state with its fare estimate.
func (m *Machine) Create(ctx context.Context, riderID string, pickup, dropoff models.Coord, class models.RideClass) (*models.Ride, error) {
	riderID = strings.TrimSpace(riderID)
	if riderID == "" {
		return nil, apperr.Validationf("rider id is required")
	}
	if class == "" {
		class = models.ClassStandard
	}
	if !class.Valid() {
		return nil, apperr.Validationf("unknown ride class %q", class)
	}
	if !validCoord(pickup) || !validCoord(dropoff) {
		return nil, apperr.Validationf("coordinates out of range")
	}
	est := pricing.EstimateFare(pickup, dropoff, class)
	now := m.now()
	r := &models.Ride{
		ID:                  m.newID(),
		RiderID:             riderID,
		State:               models.StateRequested,
		Class:               class,
		Pickup:              pickup,
		Dropoff:             dropoff,
		EstimatedDistanceKm: est.DistanceKm,
		EstimatedFare:       est.Fare,
		RequestedAt:         now,
		UpdatedAt:           now,
	}
	if err := m.store.CreateRide(ctx, r); err != nil {
		return nil, apperr.Dependency("create ride", err)
	}
	m.emit(ctx, models.RideEvent{
		RideID:     r.ID,
		To:         models.StateRequested,
		RiderID:    r.RiderID,
		ActorID:    riderID,
		Payload:    map[string]any{"estimated_fare": r.EstimatedFare, "estimated_distance_km": r.EstimatedDistanceKm, "class": r.Class},
		OccurredAt: now,
	})
	return r, nil
}

func (m *Machine) Get(ctx context.Context, id string) (*models.Ride, error) {
	r, err := m.store.GetRide(ctx, id)
	if err != nil {
		return nil, apperr.Dependency("get ride", err)
	}
	return r, nil
}

func (m *Machine) ListByRider(ctx context.Context, riderID string) ([]*models.Ride, error) {
	rides, err := m.store.ListRidesByRider(ctx, riderID)
	if err != nil {
		return nil, apperr.Dependency("list rides", err)
	}
	return rides, nil
}

type TransitionRequest struct {
	RideID   string
	Target   models.RideState
	ActorID  string
	DriverID string // required when Target is matched
	Location *models.Coord
	// SettledFare overrides the estimate as the actual fare on completion.
	SettledFare *float64
	Reason      string
}

// Transition moves a ride along one legal edge. The write is conditional on
// the state and version that were validated, so at most one of several
// concurrent callers wins; in particular only one driver can match a ride.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (*models.Ride, error) {
	if !req.Target.Valid() {
		return nil, apperr.Validationf("unknown state %q", req.Target)
	}
	if req.Target == models.StateMatched && req.DriverID == "" {
		return nil, apperr.Validationf("driver id is required to match a ride")
	}
	if req.Location != nil && !validCoord(*req.Location) {
		return nil, apperr.Validationf("location out of range")
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := m.store.GetRide(ctx, req.RideID)
		if err != nil {
			return nil, apperr.Dependency("get ride", err)
		}
		if err := authorize(cur, req); err != nil {
			return nil, err
		}
		next := m.apply(cur, req)
		err = m.store.UpdateRideIf(ctx, next, cur.State, cur.Version)
		if errors.Is(err, storage.ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, apperr.Dependency("update ride", err)
		}
		observability.RideTransitions.WithLabelValues(string(cur.State), string(next.State)).Inc()
		m.afterTransition(ctx, cur, next, req)
		return next, nil
	}
	return nil, apperr.Dependency("update ride", fmt.Errorf("ride %s: too many concurrent updates", req.RideID))
}

func authorize(cur *models.Ride, req TransitionRequest) error {
	if cur.State.Terminal() {
		return apperr.Wrap(apperr.ErrInvalidTransition, "ride %s is %s", cur.ID, cur.State)
	}
	if req.Target == models.StateMatched {
		if cur.State != models.StateRequested {
			return apperr.Wrap(apperr.ErrAlreadyMatched, "ride %s is %s", cur.ID, cur.State)
		}
		if req.ActorID != req.DriverID {
			return apperr.Wrap(apperr.ErrUnauthorized, "only the accepting driver can match ride %s", cur.ID)
		}
		return nil
	}
	if !CanTransition(cur.State, req.Target) {
		return apperr.Wrap(apperr.ErrInvalidTransition, "ride %s: %s -> %s", cur.ID, cur.State, req.Target)
	}
	if cur.IsParty(req.ActorID) {
		return nil
	}
	if req.Target == models.StateCancelled && req.ActorID == models.SystemActor {
		return nil
	}
	return apperr.Wrap(apperr.ErrUnauthorized, "%s is not a party to ride %s", req.ActorID, cur.ID)
}

func (m *Machine) apply(cur *models.Ride, req TransitionRequest) *models.Ride {
	next := cur.Clone()
	now := m.now()
	next.State = req.Target
	next.UpdatedAt = now
	switch req.Target {
	case models.StateMatched:
		next.DriverID = req.DriverID
		next.MatchedAt = &now
	case models.StateEnRoute:
		next.EnRouteAt = &now
	case models.StateArrived:
		next.ArrivedAt = &now
	case models.StateInProgress:
		next.StartedAt = &now
	case models.StateCompleted:
		next.CompletedAt = &now
		fare := next.EstimatedFare
		if req.SettledFare != nil {
			fare = *req.SettledFare
		}
		next.ActualFare = &fare
	case models.StateCancelled:
		next.DriverID = ""
		next.CancelledAt = &now
		next.CancellationReason = req.Reason
	}
	return next
}

func (m *Machine) afterTransition(ctx context.Context, prev, next *models.Ride, req TransitionRequest) {
	payload := map[string]any{}
	driverID := next.DriverID
	switch next.State {
	case models.StateMatched:
		payload["estimated_fare"] = next.EstimatedFare
		observability.MatchesTotal.Inc()
		observability.MatchLatency.Observe(next.MatchedAt.Sub(next.RequestedAt).Seconds())
	case models.StateCompleted:
		payload["actual_fare"] = *next.ActualFare
		m.release(ctx, next, true)
	case models.StateCancelled:
		if next.CancellationReason != "" {
			payload["reason"] = next.CancellationReason
		}
		// The cancelled ride no longer names its driver; the event still
		// does so the driver hears about it.
		if prev.DriverID != "" {
			driverID = prev.DriverID
			payload["driver_id"] = prev.DriverID
		}
		m.release(ctx, prev, false)
	}
	if req.Location != nil {
		payload["location"] = *req.Location
	}
	m.emit(ctx, models.RideEvent{
		RideID:     next.ID,
		From:       prev.State,
		To:         next.State,
		RiderID:    next.RiderID,
		DriverID:   driverID,
		ActorID:    req.ActorID,
		Payload:    payload,
		OccurredAt: next.UpdatedAt,
	})
}

func (m *Machine) release(ctx context.Context, r *models.Ride, completed bool) {
	if r.DriverID == "" || m.drivers == nil {
		return
	}
	if err := m.drivers.Release(ctx, r.DriverID, completed); err != nil {
		m.logger.Errorw("driver release failed", "ride_id", r.ID, "driver_id", r.DriverID, "error", err)
	}
}

func (m *Machine) emit(ctx context.Context, ev models.RideEvent) {
	for _, s := range m.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			m.logger.Warnw("ride event sink failed", "ride_id", ev.RideID, "to_state", ev.To, "error", err)
		}
	}
}

// ExpireStale cancels rides that stayed requested longer than maxAge. Rides
// matched in the meantime are skipped. It returns the number cancelled.
func (m *Machine) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := m.store.ListRidesInState(ctx, models.StateRequested, m.now().Add(-maxAge))
	if err != nil {
		return 0, apperr.Dependency("list stale rides", err)
	}
	n := 0
	for _, r := range stale {
		_, err := m.Transition(ctx, TransitionRequest{
			RideID:  r.ID,
			Target:  models.StateCancelled,
			ActorID: models.SystemActor,
			Reason:  "timeout",
		})
		switch {
		case err == nil:
			n++
		case apperr.ClientError(err):
			m.logger.Debugw("stale ride skipped", "ride_id", r.ID, "reason", apperr.CodeOf(err))
		default:
			return n, err
		}
	}
	return n, nil
}
