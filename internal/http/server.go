package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/ride"
)

// Deps are the components the HTTP surface drives. Locations is optional;
// without it location reports are applied to the index directly.
type Deps struct {
	Rides        *ride.Machine
	Matcher      *matcher.Service
	Geo          *geo.Index
	Registry     *dispatch.Registry
	Transport    *dispatch.WSTransport
	Verifier     auth.Verifier
	Locations    ingest.Publisher
	Logger       *zap.SugaredLogger
	Checks       map[string]func(context.Context) error
	PingInterval time.Duration
}

type Server struct {
	rides        *ride.Machine
	matcher      *matcher.Service
	geo          *geo.Index
	registry     *dispatch.Registry
	transport    *dispatch.WSTransport
	verifier     auth.Verifier
	locations    ingest.Publisher
	logger       *zap.SugaredLogger
	checks       map[string]func(context.Context) error
	pingInterval time.Duration

	validate *validator.Validate
	upgrader websocket.Upgrader
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	if d.PingInterval <= 0 {
		d.PingInterval = 30 * time.Second
	}
	s := &Server{
		rides:        d.Rides,
		matcher:      d.Matcher,
		geo:          d.Geo,
		registry:     d.Registry,
		transport:    d.Transport,
		verifier:     d.Verifier,
		locations:    d.Locations,
		logger:       d.Logger,
		checks:       d.Checks,
		pingInterval: d.PingInterval,
		validate:     newValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.mux.Handle("/internal/driver/locations", s.authMiddleware(http.HandlerFunc(s.handleDriverLocation))).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAcceptRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/status", s.handleUpdateStatus).Methods(http.MethodPost)
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/me", s.handleUpdateDriver).Methods(http.MethodPut)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
