package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

// RideLookup resolves the parties of a ride.
type RideLookup interface {
	Get(ctx context.Context, id string) (*models.Ride, error)
}

// LocationSink receives driver positions reported over realtime connections.
type LocationSink interface {
	UpdateLocation(ctx context.Context, driverID string, c models.Coord) (*models.Driver, error)
}

// StatusUpdater applies status changes requested over realtime connections.
type StatusUpdater interface {
	Transition(ctx context.Context, req ride.TransitionRequest) (*models.Ride, error)
}

type entry struct {
	mu   sync.Mutex
	conn models.Connection
}

func (e *entry) snapshot() models.Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

type userConns struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// Registry tracks live connections per user and fans events out to them.
// Locks guard only the in-memory tables; pushes happen after they are released.
type Registry struct {
	transport Transport
	rides     RideLookup
	locations LocationSink
	status    StatusUpdater
	onClose   func(connID string)
	retention time.Duration
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu    sync.RWMutex
	conns map[string]*entry
	users map[string]*userConns
}

type Option func(*Registry)

// WithRetention lets ReapIdle drop closed connection records older than d
// from memory. Without it closed records are kept for the registry's
// lifetime; the "connection closed" log line carries the audit fields either way.
func WithRetention(d time.Duration) Option { return func(r *Registry) { r.retention = d } }

func WithRideLookup(l RideLookup) Option       { return func(r *Registry) { r.rides = l } }
func WithLocationSink(s LocationSink) Option   { return func(r *Registry) { r.locations = s } }
func WithStatusUpdater(u StatusUpdater) Option { return func(r *Registry) { r.status = u } }

// WithOnDeregister installs a hook run after a connection leaves the
// registry, typically closing the underlying socket.
func WithOnDeregister(fn func(connID string)) Option { return func(r *Registry) { r.onClose = fn } }

func NewRegistry(transport Transport, logger *zap.SugaredLogger, opts ...Option) *Registry {
	r := &Registry{
		transport: transport,
		logger:    logger,
		now:       time.Now,
		conns:     make(map[string]*entry),
		users:     make(map[string]*userConns),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register records a new live connection for userID.
func (r *Registry) Register(connID, userID string, role models.Role) (models.Connection, error) {
	connID, userID = strings.TrimSpace(connID), strings.TrimSpace(userID)
	if connID == "" || userID == "" {
		return models.Connection{}, apperr.Validationf("connection id and user id are required")
	}
	if !role.Valid() {
		return models.Connection{}, apperr.Validationf("unknown role %q", role)
	}
	now := r.now()
	e := &entry{conn: models.Connection{ID: connID, UserID: userID, Role: role, ConnectedAt: now, LastActivity: now}}

	r.mu.Lock()
	if _, dup := r.conns[connID]; dup {
		r.mu.Unlock()
		return models.Connection{}, apperr.Validationf("connection %s already registered", connID)
	}
	r.conns[connID] = e
	u, ok := r.users[userID]
	if !ok {
		u = &userConns{ids: make(map[string]struct{})}
		r.users[userID] = u
	}
	u.mu.Lock()
	u.ids[connID] = struct{}{}
	u.mu.Unlock()
	r.mu.Unlock()

	observability.LiveConnections.Inc()
	r.logger.Debugw("connection registered", "conn_id", connID, "user_id", userID, "role", role)
	return e.snapshot(), nil
}

// Deregister marks a connection disconnected. The record stays readable
// through Connection. Unknown or already disconnected ids are ignored.
func (r *Registry) Deregister(connID string) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.mu.Lock()
	if e.conn.DisconnectedAt != nil {
		e.mu.Unlock()
		r.mu.Unlock()
		return
	}
	now := r.now()
	e.conn.DisconnectedAt = &now
	conn := e.conn
	e.mu.Unlock()
	if u, ok := r.users[conn.UserID]; ok {
		u.mu.Lock()
		delete(u.ids, connID)
		empty := len(u.ids) == 0
		u.mu.Unlock()
		if empty {
			delete(r.users, conn.UserID)
		}
	}
	r.mu.Unlock()

	observability.LiveConnections.Dec()
	r.logger.Infow("connection closed", "conn_id", connID, "user_id", conn.UserID, "role", conn.Role,
		"connected_at", conn.ConnectedAt, "last_activity", conn.LastActivity)
	if r.onClose != nil {
		r.onClose(connID)
	}
}

// Touch refreshes the last activity time of a live connection.
func (r *Registry) Touch(connID string) error {
	r.mu.RLock()
	e, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return apperr.Wrap(apperr.ErrConnectionNotFound, "connection %s", connID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn.DisconnectedAt != nil {
		return apperr.Wrap(apperr.ErrConnectionNotFound, "connection %s is closed", connID)
	}
	e.conn.LastActivity = r.now()
	return nil
}

// Connection returns the record for connID, including closed connections.
func (r *Registry) Connection(connID string) (models.Connection, error) {
	r.mu.RLock()
	e, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return models.Connection{}, apperr.Wrap(apperr.ErrConnectionNotFound, "connection %s", connID)
	}
	return e.snapshot(), nil
}

// LiveConnections returns the ids of userID's live connections.
func (r *Registry) LiveConnections(userID string) []string {
	r.mu.RLock()
	u, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	ids := make([]string, 0, len(u.ids))
	for id := range u.ids {
		ids = append(ids, id)
	}
	return ids
}

// Send pushes msg to every live connection of userID and returns how many
// accepted it. Connections reported gone are deregistered; transient
// failures are logged and otherwise ignored.
func (r *Registry) Send(ctx context.Context, userID string, msg Message) int {
	ids := r.LiveConnections(userID)
	if len(ids) == 0 {
		return 0
	}
	payload, err := r.encode(msg)
	if err != nil {
		r.logger.Errorw("encode message failed", "type", msg.Type, "error", err)
		return 0
	}
	delivered := 0
	for _, id := range ids {
		if r.push(ctx, id, payload) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) reply(ctx context.Context, connID string, msg Message) {
	payload, err := r.encode(msg)
	if err != nil {
		r.logger.Errorw("encode message failed", "type", msg.Type, "error", err)
		return
	}
	r.push(ctx, connID, payload)
}

func (r *Registry) encode(msg Message) ([]byte, error) {
	if msg.SentAt.IsZero() {
		msg.SentAt = r.now().UTC()
	}
	return json.Marshal(msg)
}

func (r *Registry) push(ctx context.Context, connID string, payload []byte) bool {
	res, err := r.transport.Push(ctx, connID, payload)
	observability.FanoutPushes.WithLabelValues(res.String()).Inc()
	switch res {
	case PushOK:
		return true
	case PushGone:
		r.logger.Debugw("connection gone", "conn_id", connID, "error", err)
		r.Deregister(connID)
	default:
		r.logger.Warnw("push failed", "conn_id", connID, "error", err)
	}
	return false
}

// ReapIdle deregisters live connections idle for longer than timeout. With a
// retention configured it also drops closed records older than it. It returns
// the number of connections deregistered.
func (r *Registry) ReapIdle(now time.Time, timeout time.Duration) int {
	idleCutoff := now.Add(-timeout)
	var idle []string
	r.mu.Lock()
	for id, e := range r.conns {
		c := e.snapshot()
		switch {
		case c.DisconnectedAt == nil && c.LastActivity.Before(idleCutoff):
			idle = append(idle, id)
		case c.DisconnectedAt != nil && r.retention > 0 && c.DisconnectedAt.Before(now.Add(-r.retention)):
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()
	for _, id := range idle {
		r.Deregister(id)
	}
	if len(idle) > 0 {
		r.logger.Infow("reaped idle connections", "count", len(idle))
	}
	return len(idle)
}

// HandleMessage processes one inbound frame from connID. Failures are
// reported back to the sender as an error frame and returned.
func (r *Registry) HandleMessage(ctx context.Context, connID string, raw []byte) error {
	if err := r.Touch(connID); err != nil {
		return err
	}
	conn, err := r.Connection(connID)
	if err != nil {
		return err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		err = apperr.Validationf("malformed message: %v", err)
		r.reply(ctx, connID, Message{Type: TypeError, Error: err.Error()})
		return err
	}
	switch msg.Type {
	case TypePing:
		r.reply(ctx, connID, Message{Type: TypePong})
		return nil
	case TypeLocationUpdate:
		err = r.handleLocation(ctx, conn, msg)
	case TypeRideStatusUpdate:
		err = r.handleStatus(ctx, conn, msg)
	default:
		err = apperr.Validationf("unknown message type %q", msg.Type)
	}
	if err != nil {
		r.reply(ctx, connID, Message{Type: TypeError, RideID: msg.RideID, Error: err.Error()})
	}
	return err
}

func (r *Registry) handleLocation(ctx context.Context, conn models.Connection, msg Message) error {
	if msg.Location == nil || msg.Location.Lat < -90 || msg.Location.Lat > 90 || msg.Location.Lng < -180 || msg.Location.Lng > 180 {
		return apperr.Validationf("location_update requires a valid location")
	}
	if conn.Role == models.RoleDriver && r.locations != nil {
		if _, err := r.locations.UpdateLocation(ctx, conn.UserID, *msg.Location); err != nil {
			return err
		}
	}
	if msg.RideID == "" {
		return nil
	}
	rd, err := r.party(ctx, conn.UserID, msg.RideID)
	if err != nil {
		return err
	}
	target := rd.DriverID
	if conn.UserID == rd.DriverID {
		target = rd.RiderID
	}
	if target == "" {
		return nil
	}
	r.Send(ctx, target, Message{Type: TypeLocationUpdate, RideID: rd.ID, From: conn.UserID, Location: msg.Location})
	return nil
}

func (r *Registry) handleStatus(ctx context.Context, conn models.Connection, msg Message) error {
	if msg.RideID == "" {
		return apperr.Validationf("ride_status_update requires ride_id")
	}
	if msg.Status != "" {
		if r.status == nil {
			return apperr.Validationf("status changes are not accepted on this connection")
		}
		// The resulting ride event reaches the other party through Publish.
		_, err := r.status.Transition(ctx, ride.TransitionRequest{
			RideID:   msg.RideID,
			Target:   msg.Status,
			ActorID:  conn.UserID,
			Location: msg.Location,
		})
		return err
	}
	rd, err := r.party(ctx, conn.UserID, msg.RideID)
	if err != nil {
		return err
	}
	out := Message{Type: TypeRideStatusUpdate, RideID: rd.ID, From: conn.UserID, Status: rd.State, Location: msg.Location, Payload: msg.Payload}
	for _, uid := range recipients(rd.RiderID, rd.DriverID, conn.UserID) {
		r.Send(ctx, uid, out)
	}
	return nil
}

func (r *Registry) party(ctx context.Context, userID, rideID string) (*models.Ride, error) {
	if r.rides == nil {
		return nil, apperr.Wrap(apperr.ErrRideNotFound, "ride %s", rideID)
	}
	rd, err := r.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !rd.IsParty(userID) {
		return nil, apperr.Wrap(apperr.ErrUnauthorized, "%s is not a party to ride %s", userID, rideID)
	}
	return rd, nil
}

// Publish pushes a ride event to the rider and driver, skipping whoever
// caused it.
func (r *Registry) Publish(ctx context.Context, ev models.RideEvent) error {
	payload := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	if ev.From != "" {
		payload["from_state"] = ev.From
	}
	msg := Message{Type: TypeRideStatusUpdate, RideID: ev.RideID, From: ev.ActorID, Status: ev.To, Payload: payload, SentAt: ev.OccurredAt}
	for _, uid := range recipients(ev.RiderID, ev.DriverID, ev.ActorID) {
		r.Send(ctx, uid, msg)
	}
	return nil
}

func recipients(riderID, driverID, exclude string) []string {
	var out []string
	for _, id := range []string{riderID, driverID} {
		if id == "" || id == exclude {
			continue
		}
		if len(out) == 1 && out[0] == id {
			continue
		}
		out = append(out, id)
	}
	return out
}
