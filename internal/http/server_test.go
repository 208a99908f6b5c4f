package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	sfPickup  = models.Coord{Lat: 37.7749, Lng: -122.4194}
	sfDropoff = models.Coord{Lat: 37.7849, Lng: -122.4094}
)

type testEnv struct {
	srv      *Server
	verifier *auth.JWTVerifier
	index    *geo.Index
	machine  *ride.Machine
	registry *dispatch.Registry
}

func newTestEnv(t *testing.T, deps ...func(*Deps)) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()
	index := geo.NewIndex(storage.NewMemoryDriverStore(), geo.NewMemoryBuckets(), geo.DefaultPrecision)
	machine := ride.NewMachine(storage.NewMemoryStore(), index, logger)
	transport := dispatch.NewWSTransport(time.Second)
	registry := dispatch.NewRegistry(transport, logger,
		dispatch.WithRideLookup(machine),
		dispatch.WithLocationSink(index),
		dispatch.WithStatusUpdater(machine),
		dispatch.WithOnDeregister(transport.Close),
	)
	machine.AddSink(registry)
	verifier := auth.NewJWTVerifier("test-secret")
	d := Deps{
		Rides: machine,
		Matcher: &matcher.Service{
			Geo: index, Rides: machine, Notify: registry,
			ETA:      &eta.Estimator{SpeedMps: eta.DefaultSpeedMps},
			RadiusKm: 5, WidenRadiusKm: 10, TopN: 10, Logger: logger,
		},
		Geo:       index,
		Registry:  registry,
		Transport: transport,
		Verifier:  verifier,
		Logger:    logger,
	}
	for _, fn := range deps {
		fn(&d)
	}
	return &testEnv{srv: NewServer(d), verifier: verifier, index: index, machine: machine, registry: registry}
}

func (e *testEnv) token(t *testing.T, sub string, role models.Role) string {
	t.Helper()
	tok, err := e.verifier.Issue(sub, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) addDriver(t *testing.T, id string, at models.Coord) {
	t.Helper()
	_, err := e.index.Upsert(context.Background(), models.Driver{ID: id, Location: &at, Rating: 4.8, Active: true, Availability: models.Available})
	require.NoError(t, err)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func requestBody() map[string]any {
	return map[string]any{"pickup": sfPickup, "dropoff": sfDropoff, "class": "standard"}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/metrics", "", nil).Code)
}

func TestHealthReportsFailedChecks(t *testing.T) {
	e := newTestEnv(t, func(d *Deps) {
		d.Checks = map[string]func(context.Context) error{"redis": func(context.Context) error { return errors.New("down") }}
	})
	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}

func TestAPIRequiresToken(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/api/v1/rides", "", requestBody()).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/api/v1/rides", "not-a-jwt", requestBody()).Code)
}

func TestRequestRideReturnsEstimateAndCandidates(t *testing.T) {
	e := newTestEnv(t)
	e.addDriver(t, "driver-1", models.Coord{Lat: 37.7760, Lng: -122.4194})

	rec := e.do(t, http.MethodPost, "/api/v1/rides", e.token(t, "rider-1", models.RoleRider), requestBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[requestRideResponse](t, rec)
	assert.NotEmpty(t, resp.RideID)
	assert.Equal(t, models.StateRequested, resp.State)
	est := pricing.EstimateFare(sfPickup, sfDropoff, models.ClassStandard)
	assert.Equal(t, est.Fare, resp.EstimatedFare)
	assert.Equal(t, est.DistanceKm, resp.EstimatedDistanceKm)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "driver-1", resp.Candidates[0].DriverID)
}

func TestRequestRideWithoutDrivers(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/rides", e.token(t, "rider-1", models.RoleRider), requestBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeBody[requestRideResponse](t, rec)
	assert.Empty(t, resp.Candidates)
	assert.Equal(t, "no_drivers_available", resp.DispatchError)
}

func TestRequestRideRejectsDuplicateAndBadInput(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "rider-1", models.RoleRider)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/rides", tok, requestBody()).Code)

	rec := e.do(t, http.MethodPost, "/api/v1/rides", tok, requestBody())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_active_ride", decodeBody[errorBody](t, rec).Error)

	bad := e.do(t, http.MethodPost, "/api/v1/rides", e.token(t, "rider-2", models.RoleRider),
		map[string]any{"pickup": map[string]float64{"lat": 95, "lng": 0}, "class": "limo"})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	fields := decodeBody[errorBody](t, bad).Fields
	assert.Contains(t, fields, "pickup.lat")
	assert.Contains(t, fields, "dropoff")
	assert.Contains(t, fields, "class")

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/api/v1/rides", e.token(t, "driver-1", models.RoleDriver), requestBody()).Code)
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.addDriver(t, "driver-1", sfPickup)
	e.addDriver(t, "driver-2", sfPickup)
	rider := e.token(t, "rider-1", models.RoleRider)
	d1 := e.token(t, "driver-1", models.RoleDriver)
	d2 := e.token(t, "driver-2", models.RoleDriver)

	created := decodeBody[requestRideResponse](t, e.do(t, http.MethodPost, "/api/v1/rides", rider, requestBody()))
	base := "/api/v1/rides/" + created.RideID

	rec := e.do(t, http.MethodPost, base+"/accept", d1, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "driver-1", decodeBody[models.Ride](t, rec).DriverID)

	rec = e.do(t, http.MethodPost, base+"/accept", d2, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_matched", decodeBody[errorBody](t, rec).Error)
	d, err := e.index.Driver(context.Background(), "driver-2")
	require.NoError(t, err)
	assert.Equal(t, models.Available, d.Availability)

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, base, d2, nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, base, rider, nil).Code)

	for _, st := range []string{"en_route", "arrived", "in_progress", "completed"} {
		rec := e.do(t, http.MethodPost, base+"/status", d1, map[string]any{"status": st, "location": sfPickup})
		require.Equal(t, http.StatusOK, rec.Code, st+": "+rec.Body.String())
	}
	done := decodeBody[models.Ride](t, e.do(t, http.MethodGet, base, rider, nil))
	assert.Equal(t, models.StateCompleted, done.State)
	require.NotNil(t, done.ActualFare)
	assert.Equal(t, done.EstimatedFare, *done.ActualFare)

	rec = e.do(t, http.MethodPost, base+"/status", rider, map[string]any{"status": "cancelled"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeBody[errorBody](t, rec).Error)

	list := decodeBody[map[string][]models.Ride](t, e.do(t, http.MethodGet, "/api/v1/rides", rider, nil))
	assert.Len(t, list["rides"], 1)
}

func TestStatusCannotMatch(t *testing.T) {
	e := newTestEnv(t)
	created := decodeBody[requestRideResponse](t, e.do(t, http.MethodPost, "/api/v1/rides", e.token(t, "rider-1", models.RoleRider), requestBody()))
	rec := e.do(t, http.MethodPost, "/api/v1/rides/"+created.RideID+"/status", e.token(t, "driver-1", models.RoleDriver), map[string]any{"status": "matched"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNearbyDrivers(t *testing.T) {
	e := newTestEnv(t)
	e.addDriver(t, "driver-1", sfPickup)
	tok := e.token(t, "rider-1", models.RoleRider)

	rec := e.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=37.7749&lng=-122.4194&radius_km=2", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[map[string][]models.Candidate](t, rec)
	require.Len(t, got["drivers"], 1)
	assert.Equal(t, "driver-1", got["drivers"][0].DriverID)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/drivers/nearby?lng=1", tok, nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=1&lng=1&radius_km=-1", tok, nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=abc&lng=1", tok, nil).Code)
}

func TestDriverUpdatesSelf(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "driver-9", models.RoleDriver)

	rec := e.do(t, http.MethodPut, "/api/v1/drivers/me", tok, map[string]any{"availability": "available", "location": sfPickup})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.Available, decodeBody[models.Driver](t, rec).Availability)

	rec = e.do(t, http.MethodPut, "/api/v1/drivers/me", tok, map[string]any{"availability": "offline"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.Offline, decodeBody[models.Driver](t, rec).Availability)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPut, "/api/v1/drivers/me", tok, map[string]any{"availability": "busy"}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPut, "/api/v1/drivers/me", tok, map[string]any{}).Code)
}

type recordingPublisher struct{ got []ingest.LocationUpdate }

func (p *recordingPublisher) PublishLocation(_ context.Context, u ingest.LocationUpdate) error {
	p.got = append(p.got, u)
	return nil
}

func TestInternalLocationIngest(t *testing.T) {
	e := newTestEnv(t)
	const path = "/internal/driver/locations"
	body := map[string]any{"driver_id": "driver-7", "location": sfPickup, "availability": models.Available}

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, path, "", body).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, path, e.token(t, "rider-1", models.RoleRider), body).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, path, e.token(t, "driver-8", models.RoleDriver), body).Code)
	_, err := e.index.Driver(context.Background(), "driver-7")
	require.ErrorIs(t, err, apperr.ErrDriverNotFound)

	own := e.token(t, "driver-7", models.RoleDriver)
	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodPost, path, own, body).Code)
	d, err := e.index.Driver(context.Background(), "driver-7")
	require.NoError(t, err)
	assert.Equal(t, sfPickup, *d.Location)

	pub := &recordingPublisher{}
	e = newTestEnv(t, func(d *Deps) { d.Locations = pub })
	own = e.token(t, "driver-7", models.RoleDriver)
	assert.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, path, own, body).Code)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "driver-7", pub.got[0].DriverID)

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, path, e.token(t, "driver-8", models.RoleDriver), body).Code)
	assert.Len(t, pub.got, 1)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, path, own, map[string]any{"location": sfPickup}).Code)
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	// A ping round trip proves the connection is registered.
	require.NoError(t, conn.WriteJSON(dispatch.Message{Type: dispatch.TypePing}))
	require.Equal(t, dispatch.TypePong, readWS(t, conn).Type)
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) dispatch.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m dispatch.Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestWebsocketFanout(t *testing.T) {
	e := newTestEnv(t)
	e.addDriver(t, "driver-1", sfPickup)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	riderWS := dialWS(t, ts, e.token(t, "rider-1", models.RoleRider))
	driverWS := dialWS(t, ts, e.token(t, "driver-1", models.RoleDriver))

	created := decodeBody[requestRideResponse](t, e.do(t, http.MethodPost, "/api/v1/rides", e.token(t, "rider-1", models.RoleRider), requestBody()))
	offer := readWS(t, driverWS)
	assert.Equal(t, dispatch.TypeRideOffer, offer.Type)
	assert.Equal(t, created.RideID, offer.RideID)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/rides/"+created.RideID+"/accept", e.token(t, "driver-1", models.RoleDriver), nil).Code)
	matched := readWS(t, riderWS)
	assert.Equal(t, dispatch.TypeRideStatusUpdate, matched.Type)
	assert.Equal(t, models.StateMatched, matched.Status)

	loc := models.Coord{Lat: 37.7755, Lng: -122.4190}
	require.NoError(t, driverWS.WriteJSON(dispatch.Message{Type: dispatch.TypeLocationUpdate, RideID: created.RideID, Location: &loc}))
	got := readWS(t, riderWS)
	assert.Equal(t, dispatch.TypeLocationUpdate, got.Type)
	assert.Equal(t, loc, *got.Location)

	require.NoError(t, driverWS.WriteJSON(dispatch.Message{Type: dispatch.TypeRideStatusUpdate, RideID: created.RideID, Status: models.StateEnRoute}))
	got = readWS(t, riderWS)
	assert.Equal(t, models.StateEnRoute, got.Status)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?access_token=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequestIDIsEchoedOnlyWhenValid(t *testing.T) {
	e := newTestEnv(t)
	id := "7d7f1c0a-3a2b-4f4e-9a55-2b1f7a1e9c10"

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", id)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "<script>")
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	got := rec.Header().Get("X-Request-ID")
	assert.NotEqual(t, "<script>", got)
	assert.Len(t, got, 36)
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	assert.Equal(t, "10.0.0.7", clientIP(req))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "10.0.0.7", clientIP(req))
}
