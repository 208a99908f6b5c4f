package pricing

import (
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Rate is the base fare and per-kilometre price of one ride class.
type Rate struct {
	BaseFare float64
	PerKm    float64
}

var rates = map[models.RideClass]Rate{
	models.ClassStandard: {BaseFare: 2.50, PerKm: 1.20},
	models.ClassPremium:  {BaseFare: 5.00, PerKm: 2.00},
	models.ClassPool:     {BaseFare: 2.00, PerKm: 0.90},
}

const (
	PlatformFeeRate = 0.10
	peakMultiplier  = 1.25
)

// Estimate is the fare quoted when a ride is requested.
type Estimate struct {
	DistanceKm float64
	Fare       float64
}

// EstimateFare computes baseFare + distanceKm * perKm for the class using the
// straight-line distance between pickup and dropoff. Unknown classes price as
// standard.
func EstimateFare(pickup, dropoff models.Coord, class models.RideClass) Estimate {
	r, ok := rates[class]
	if !ok {
		r = rates[models.ClassStandard]
	}
	d := geo.DistanceKm(pickup, dropoff)
	return Estimate{DistanceKm: roundTo(d, 3), Fare: roundCents(r.BaseFare + d*r.PerKm)}
}

// Settlement is the amount charged when a ride completes.
type Settlement struct {
	Subtotal    float64
	Multiplier  float64
	PlatformFee float64
	Total       float64
}

// Settle applies the time-of-day multiplier and the platform fee on top of a
// fare estimate. Peak hours are 07-09 and 17-19 in the timezone of at.
func Settle(fare float64, at time.Time) Settlement {
	m := 1.0
	if h := at.Hour(); (h >= 7 && h < 9) || (h >= 17 && h < 19) {
		m = peakMultiplier
	}
	sub := roundCents(fare * m)
	fee := roundCents(sub * PlatformFeeRate)
	return Settlement{Subtotal: sub, Multiplier: m, PlatformFee: fee, Total: roundCents(sub + fee)}
}

// MaxTotal is the most Settle can charge for fare, used to size payment
// authorizations before the completion time is known.
func MaxTotal(fare float64) float64 {
	sub := roundCents(fare * peakMultiplier)
	return roundCents(sub + roundCents(sub*PlatformFeeRate))
}

// ToMinorUnits converts an amount to cents for payment providers.
func ToMinorUnits(amount float64) int64 { return int64(math.Round(amount * 100)) }

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
