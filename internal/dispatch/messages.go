package dispatch

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Message types carried over realtime connections.
const (
	TypePing             = "ping"
	TypePong             = "pong"
	TypeLocationUpdate   = "location_update"
	TypeRideStatusUpdate = "ride_status_update"
	TypeRideOffer        = "ride_offer"
	TypeError            = "error"
)

// Message is the envelope for every inbound and outbound realtime frame.
type Message struct {
	Type     string           `json:"type"`
	RideID   string           `json:"ride_id,omitempty"`
	From     string           `json:"from,omitempty"`
	Location *models.Coord    `json:"location,omitempty"`
	Status   models.RideState `json:"status,omitempty"`
	Payload  any              `json:"payload,omitempty"`
	Error    string           `json:"error,omitempty"`
	SentAt   time.Time        `json:"sent_at"`
}
