package matcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

const (
	DefaultRadiusKm      = 5.0
	DefaultWidenRadiusKm = 10.0
	DefaultTopN          = 10
)

// Geo is the slice of the geospatial index the matcher depends on.
type Geo interface {
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.Candidate, error)
	Driver(ctx context.Context, id string) (*models.Driver, error)
	Reserve(ctx context.Context, id string) error
	Release(ctx context.Context, id string, completedRide bool) error
}

type Rides interface {
	Transition(ctx context.Context, req ride.TransitionRequest) (*models.Ride, error)
}

// Notifier delivers a message to every live connection of a user.
type Notifier interface {
	Send(ctx context.Context, userID string, msg dispatch.Message) int
}

type Service struct {
	Geo           Geo
	Rides         Rides
	Notify        Notifier
	ETA           *eta.Estimator
	RadiusKm      float64
	WidenRadiusKm float64
	TopN          int
	Logger        *zap.SugaredLogger
}

func (s *Service) defaults() (radius, widen float64, topN int) {
	radius, widen, topN = s.RadiusKm, s.WidenRadiusKm, s.TopN
	if radius <= 0 {
		radius = DefaultRadiusKm
	}
	// A negative widen radius disables the second search.
	if widen == 0 {
		widen = DefaultWidenRadiusKm
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	return radius, widen, topN
}

// Dispatch finds candidates around the pickup of a requested ride and offers
// it to each of them. The ride itself is not changed; drivers claim it
// through Accept.
func (s *Service) Dispatch(ctx context.Context, r *models.Ride) ([]models.Candidate, error) {
	if r.State != models.StateRequested {
		return nil, apperr.Wrap(apperr.ErrAlreadyMatched, "ride %s is %s", r.ID, r.State)
	}
	radius, widen, topN := s.defaults()
	cands, err := s.Geo.Nearby(ctx, r.Pickup, radius, topN)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 && widen > radius {
		s.Logger.Debugw("no candidates, widening search", "ride_id", r.ID, "radius_km", radius, "widen_km", widen)
		if cands, err = s.Geo.Nearby(ctx, r.Pickup, widen, topN); err != nil {
			return nil, err
		}
	}
	if len(cands) == 0 {
		observability.NoDrivers.Inc()
		return nil, apperr.Wrap(apperr.ErrNoDriversAvailable, "ride %s", r.ID)
	}

	for _, c := range cands {
		offer := models.MatchOffer{
			RideID:        r.ID,
			DriverID:      c.DriverID,
			Pickup:        r.Pickup,
			Dropoff:       r.Dropoff,
			Class:         r.Class,
			DistanceKm:    c.DistanceKm,
			ETA:           s.pickupETA(ctx, c, r.Pickup),
			EstimatedFare: r.EstimatedFare,
		}
		n := s.Notify.Send(ctx, c.DriverID, dispatch.Message{Type: dispatch.TypeRideOffer, RideID: r.ID, Payload: offer})
		observability.OffersSent.Inc()
		if n == 0 {
			s.Logger.Debugw("offer not delivered", "ride_id", r.ID, "driver_id", c.DriverID)
		}
	}
	s.Logger.Infow("ride offered", "ride_id", r.ID, "candidates", len(cands))
	return cands, nil
}

func (s *Service) pickupETA(ctx context.Context, c models.Candidate, pickup models.Coord) float64 {
	if s.ETA == nil {
		return 0
	}
	d, err := s.Geo.Driver(ctx, c.DriverID)
	if err != nil || d.Location == nil {
		return c.DistanceKm * 1000 / eta.DefaultSpeedMps
	}
	return s.ETA.Seconds(*d.Location, pickup)
}

// Accept lets driverID claim a requested ride. The driver is reserved first;
// if the ride guard then rejects the match the reservation is undone, so a
// driver that loses the race ends up available again.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, apperr.Validationf("ride id and driver id are required")
	}
	if err := s.Geo.Reserve(ctx, driverID); err != nil {
		s.logConflict(rideID, driverID, err)
		return nil, err
	}
	r, err := s.Rides.Transition(ctx, ride.TransitionRequest{
		RideID:   rideID,
		Target:   models.StateMatched,
		ActorID:  driverID,
		DriverID: driverID,
	})
	if err != nil {
		if rerr := s.Geo.Release(ctx, driverID, false); rerr != nil {
			s.Logger.Errorw("release after lost match failed", "ride_id", rideID, "driver_id", driverID, "error", rerr)
		}
		s.logConflict(rideID, driverID, err)
		return nil, err
	}
	s.Logger.Infow("ride matched", "ride_id", r.ID, "driver_id", driverID)
	return r, nil
}

func (s *Service) logConflict(rideID, driverID string, err error) {
	if apperr.KindOf(err) == apperr.KindConflict {
		observability.MatchConflicts.WithLabelValues(apperr.CodeOf(err)).Inc()
	}
	switch {
	case apperr.KindOf(err) == apperr.KindConflict:
		s.Logger.Debugw("accept lost", "ride_id", rideID, "driver_id", driverID, "reason", apperr.CodeOf(err))
		return
	case apperr.ClientError(err):
		s.Logger.Warnw("accept rejected", "ride_id", rideID, "driver_id", driverID, "reason", apperr.CodeOf(err))
		return
	}
	s.Logger.Errorw("accept failed", "ride_id", rideID, "driver_id", driverID, "error", err)
}
