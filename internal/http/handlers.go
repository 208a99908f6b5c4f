package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

type requestRideBody struct {
	Pickup  *models.Coord    `json:"pickup" validate:"required"`
	Dropoff *models.Coord    `json:"dropoff" validate:"required"`
	Class   models.RideClass `json:"class" validate:"omitempty,oneof=standard premium pool"`
}

type requestRideResponse struct {
	RideID              string             `json:"ride_id"`
	State               models.RideState   `json:"state"`
	EstimatedFare       float64            `json:"estimated_fare"`
	EstimatedDistanceKm float64            `json:"estimated_distance_km"`
	Candidates          []models.Candidate `json:"candidates"`
	DispatchError       string             `json:"dispatch_error,omitempty"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireRole(w, r, models.RoleRider)
	if !ok {
		return
	}
	var body requestRideBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rd, err := s.rides.Create(r.Context(), id.Subject, *body.Pickup, *body.Dropoff, body.Class)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := requestRideResponse{
		RideID:              rd.ID,
		State:               rd.State,
		EstimatedFare:       rd.EstimatedFare,
		EstimatedDistanceKm: rd.EstimatedDistanceKm,
		Candidates:          []models.Candidate{},
	}
	// The ride exists from here on; dispatch failures leave it requested.
	cands, err := s.matcher.Dispatch(r.Context(), rd)
	switch {
	case err == nil:
		resp.Candidates = cands
	case apperr.ClientError(err):
		resp.DispatchError = apperr.CodeOf(err)
	default:
		s.logger.Errorw("dispatch failed", "ride_id", rd.ID, "error", err)
		resp.DispatchError = apperr.CodeOf(err)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	rides, err := s.rides.ListByRider(r.Context(), id.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	rd, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !rd.IsParty(id.Subject) {
		s.writeError(w, r, apperr.Wrap(apperr.ErrUnauthorized, "%s is not a party to ride %s", id.Subject, rd.ID))
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	rd, err := s.matcher.Accept(r.Context(), mux.Vars(r)["id"], id.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

type updateStatusBody struct {
	Status   models.RideState `json:"status" validate:"required,oneof=en_route arrived in_progress completed cancelled"`
	Location *models.Coord    `json:"location"`
	Reason   string           `json:"reason" validate:"max=256"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var body updateStatusBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rd, err := s.rides.Transition(r.Context(), ride.TransitionRequest{
		RideID:   mux.Vars(r)["id"],
		Target:   body.Status,
		ActorID:  id.Subject,
		Location: body.Location,
		Reason:   body.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Location != nil && id.Role == models.RoleDriver {
		if _, err := s.geo.UpdateLocation(r.Context(), id.Subject, *body.Location); err != nil && !errors.Is(err, apperr.ErrDriverNotFound) {
			s.logger.Warnw("driver location update failed", "driver_id", id.Subject, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, rd)
}

type nearbyQuery struct {
	Lat      float64 `validate:"gte=-90,lte=90"`
	Lng      float64 `validate:"gte=-180,lte=180"`
	RadiusKm float64 `validate:"gt=0,lte=50"`
	Limit    int     `validate:"gte=1,lte=100"`
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := nearbyQuery{RadiusKm: 5, Limit: 10}
	var perr error
	parse := func(name string, dst *float64, required bool) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			if required && perr == nil {
				perr = apperr.Validationf("%s is required", name)
			}
			return
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil && perr == nil {
			perr = apperr.Validationf("invalid %s: %v", name, err)
		}
		*dst = v
	}
	parse("lat", &q.Lat, true)
	parse("lng", &q.Lng, true)
	parse("radius_km", &q.RadiusKm, false)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil && perr == nil {
			perr = apperr.Validationf("invalid limit: %v", err)
		}
		q.Limit = n
	}
	if perr == nil {
		perr = s.check(q)
	}
	if perr != nil {
		s.writeError(w, r, perr)
		return
	}
	cands, err := s.geo.Nearby(r.Context(), models.Coord{Lat: q.Lat, Lng: q.Lng}, q.RadiusKm, q.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": cands})
}

type updateDriverBody struct {
	Availability models.Availability `json:"availability" validate:"omitempty,oneof=offline available"`
	Location     *models.Coord       `json:"location"`
}

func (s *Server) handleUpdateDriver(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var body updateDriverBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	var (
		d   *models.Driver
		err error
	)
	switch {
	case body.Location != nil:
		d, err = ingest.Apply(r.Context(), s.geo, ingest.LocationUpdate{DriverID: id.Subject, Location: *body.Location, Availability: body.Availability})
	case body.Availability != "":
		d, err = s.geo.SetAvailability(r.Context(), id.Subject, body.Availability)
	default:
		err = apperr.Validationf("availability or location is required")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDriverLocation accepts location reports from device gateways. With a
// publisher configured the report goes through Kafka and the consumer applies
// it; otherwise it is applied here.
// handleDriverLocation accepts location pings from a driver's device. A driver
// may only report for itself.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var u ingest.LocationUpdate
	if err := s.decode(r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := u.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if u.DriverID != id.Subject {
		s.writeError(w, r, apperr.Wrap(apperr.ErrUnauthorized, "cannot report location for driver %s", u.DriverID))
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), u); err != nil {
			observability.LocationUpdates.WithLabelValues("http", "failed").Inc()
			s.writeError(w, r, apperr.Dependency("publish location", err))
			return
		}
		observability.LocationUpdates.WithLabelValues("http", "published").Inc()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if _, err := ingest.Apply(r.Context(), s.geo, u); err != nil {
		observability.LocationUpdates.WithLabelValues("http", "failed").Inc()
		s.writeError(w, r, err)
		return
	}
	observability.LocationUpdates.WithLabelValues("http", "applied").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, role models.Role) (auth.Identity, bool) {
	id, _ := auth.FromContext(r.Context())
	if id.Role != role {
		s.writeError(w, r, apperr.Wrap(apperr.ErrUnauthorized, "requires %s role", role))
		return id, false
	}
	return id, true
}
