package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

type RideState string

const (
	StateRequested  RideState = "requested"
	StateMatched    RideState = "matched"
	StateEnRoute    RideState = "en_route"
	StateArrived    RideState = "arrived"
	StateInProgress RideState = "in_progress"
	StateCompleted  RideState = "completed"
	StateCancelled  RideState = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s RideState) Terminal() bool { return s == StateCompleted || s == StateCancelled }

// HasDriver reports whether a ride in state s must carry a driver id.
func (s RideState) HasDriver() bool {
	switch s {
	case StateMatched, StateEnRoute, StateArrived, StateInProgress, StateCompleted:
		return true
	}
	return false
}

func (s RideState) Valid() bool {
	switch s {
	case StateRequested, StateMatched, StateEnRoute, StateArrived, StateInProgress, StateCompleted, StateCancelled:
		return true
	}
	return false
}

type RideClass string

const (
	ClassStandard RideClass = "standard"
	ClassPremium  RideClass = "premium"
	ClassPool     RideClass = "pool"
)

func (c RideClass) Valid() bool {
	return c == ClassStandard || c == ClassPremium || c == ClassPool
}

// SystemActor is the actor id used for transitions the platform initiates
// itself, such as expiring rides nobody accepted.
const SystemActor = "system"

type Ride struct {
	ID                  string     `json:"id"`
	RiderID             string     `json:"rider_id"`
	DriverID            string     `json:"driver_id,omitempty"`
	State               RideState  `json:"state"`
	Class               RideClass  `json:"class"`
	Pickup              Coord      `json:"pickup"`
	Dropoff             Coord      `json:"dropoff"`
	EstimatedDistanceKm float64    `json:"estimated_distance_km"`
	EstimatedFare       float64    `json:"estimated_fare"`
	ActualFare          *float64   `json:"actual_fare,omitempty"`
	CancellationReason  string     `json:"cancellation_reason,omitempty"`
	RequestedAt         time.Time  `json:"requested_at"`
	MatchedAt           *time.Time `json:"matched_at,omitempty"`
	EnRouteAt           *time.Time `json:"en_route_at,omitempty"`
	ArrivedAt           *time.Time `json:"arrived_at,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
	Version             int64      `json:"version"`
}

// IsParty reports whether userID is the rider or the assigned driver.
func (r *Ride) IsParty(userID string) bool {
	if userID == "" {
		return false
	}
	return r.RiderID == userID || (r.DriverID != "" && r.DriverID == userID)
}

type Availability string

const (
	Offline   Availability = "offline"
	Available Availability = "available"
	Busy      Availability = "busy"
)

func (a Availability) Valid() bool {
	return a == Offline || a == Available || a == Busy
}

// BucketKey identifies one quantized grid cell of the geospatial index.
type BucketKey struct {
	Lat int `json:"lat"`
	Lng int `json:"lng"`
}

type Driver struct {
	ID           string       `json:"id"`
	Availability Availability `json:"availability"`
	Location     *Coord       `json:"location,omitempty"`
	Bucket       *BucketKey   `json:"bucket,omitempty"`
	Rating       float64      `json:"rating"` // 0..5
	RideCount    int64        `json:"ride_count"`
	Active       bool         `json:"active"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Indexable reports whether the driver belongs in a proximity bucket.
func (d *Driver) Indexable() bool {
	return d.Active && d.Availability == Available && d.Location != nil
}

// Candidate is a ranked match candidate returned by proximity queries.
type Candidate struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	Rating     float64 `json:"rating"`
	Score      float64 `json:"score"`
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

func (r Role) Valid() bool { return r == RoleRider || r == RoleDriver }

type Connection struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Role           Role       `json:"role"`
	ConnectedAt    time.Time  `json:"connected_at"`
	LastActivity   time.Time  `json:"last_activity"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

func (c *Connection) Live() bool { return c.DisconnectedAt == nil }

// RideEvent is emitted on every successful ride transition.
type RideEvent struct {
	RideID     string         `json:"ride_id"`
	From       RideState      `json:"from_state"`
	To         RideState      `json:"to_state"`
	RiderID    string         `json:"rider_id"`
	DriverID   string         `json:"driver_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// MatchOffer is pushed to candidate drivers for a requested ride.
type MatchOffer struct {
	RideID        string    `json:"ride_id"`
	DriverID      string    `json:"driver_id"`
	Pickup        Coord     `json:"pickup"`
	Dropoff       Coord     `json:"dropoff"`
	Class         RideClass `json:"class"`
	DistanceKm    float64   `json:"distance_to_pickup_km"`
	ETA           float64   `json:"eta_seconds"`
	EstimatedFare float64   `json:"estimated_fare"`
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	if r.ActualFare != nil {
		v := *r.ActualFare
		c.ActualFare = &v
	}
	return &c
}

func (d *Driver) Clone() *Driver {
	if d == nil {
		return nil
	}
	c := *d
	if d.Location != nil {
		l := *d.Location
		c.Location = &l
	}
	if d.Bucket != nil {
		b := *d.Bucket
		c.Bucket = &b
	}
	return &c
}
