package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	kmPerDegreeLat   = earthRadiusM / 1000 * math.Pi / 180
	DefaultPrecision = 100 // buckets per degree, roughly 1.1 km of latitude
	DefaultLimit     = 10
)

// Index answers proximity queries over available drivers. Driver records in
// the DriverStore hold the raw coordinates; the BucketStore holds the
// bucket-to-driver mapping used as a pre-filter.
type Index struct {
	drivers   storage.DriverStore
	buckets   BucketStore
	precision int
	now       func() time.Time
}

func NewIndex(drivers storage.DriverStore, buckets BucketStore, precision int) *Index {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	return &Index{drivers: drivers, buckets: buckets, precision: precision, now: time.Now}
}

// KeyFor quantizes a coordinate into its bucket.
func (g *Index) KeyFor(c models.Coord) models.BucketKey {
	k := float64(g.precision)
	return models.BucketKey{
		Lat: int(math.Floor(c.Lat * k)),
		Lng: g.wrapLng(int(math.Floor(c.Lng * k))),
	}
}

func (g *Index) wrapLng(i int) int {
	n := 360 * g.precision
	half := n / 2
	return ((i+half)%n+n)%n - half
}

func (g *Index) Driver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := g.drivers.GetDriver(ctx, id)
	if err != nil {
		return nil, apperr.Dependency("get driver", err)
	}
	return d, nil
}

// Upsert replaces the mutable attributes of a driver record, keeping its ride
// count, and moves the driver between buckets.
func (g *Index) Upsert(ctx context.Context, d models.Driver) (*models.Driver, error) {
	if d.ID == "" {
		return nil, apperr.Validationf("driver id is required")
	}
	if d.Availability == "" {
		d.Availability = models.Available
	}
	if !d.Availability.Valid() {
		return nil, apperr.Validationf("unknown availability %q", d.Availability)
	}
	return g.update(ctx, d.ID, func(cur *models.Driver) (*models.Driver, error) {
		next := d.Clone()
		if cur != nil {
			next.RideCount = cur.RideCount
			if next.Location == nil {
				next.Location = cur.Location
			}
		}
		return next, nil
	})
}

func (g *Index) UpdateLocation(ctx context.Context, id string, c models.Coord) (*models.Driver, error) {
	return g.update(ctx, id, func(cur *models.Driver) (*models.Driver, error) {
		if cur == nil {
			return nil, apperr.Wrap(apperr.ErrDriverNotFound, "driver %s", id)
		}
		cur.Location = &c
		return cur, nil
	})
}

// SetAvailability switches a driver between offline and available. Busy is
// entered and left only through Reserve and Release.
func (g *Index) SetAvailability(ctx context.Context, id string, a models.Availability) (*models.Driver, error) {
	if !a.Valid() {
		return nil, apperr.Validationf("unknown availability %q", a)
	}
	if a == models.Busy {
		return nil, apperr.Validationf("busy is set by accepting a ride")
	}
	return g.update(ctx, id, func(cur *models.Driver) (*models.Driver, error) {
		if cur == nil {
			return nil, apperr.Wrap(apperr.ErrDriverNotFound, "driver %s", id)
		}
		if cur.Availability == models.Busy {
			return nil, apperr.Wrap(apperr.ErrDriverUnavailable, "driver %s is on a ride", id)
		}
		cur.Availability = a
		return cur, nil
	})
}

// Reserve flips an available driver to busy in one conditional update.
func (g *Index) Reserve(ctx context.Context, id string) error {
	_, err := g.update(ctx, id, func(cur *models.Driver) (*models.Driver, error) {
		if cur == nil {
			return nil, apperr.Wrap(apperr.ErrDriverNotFound, "driver %s", id)
		}
		if !cur.Active || cur.Availability != models.Available {
			return nil, apperr.Wrap(apperr.ErrDriverUnavailable, "driver %s is %s", id, cur.Availability)
		}
		cur.Availability = models.Busy
		return cur, nil
	})
	return err
}

// Release returns a busy driver to available. completedRide also bumps the
// driver's lifetime ride count.
func (g *Index) Release(ctx context.Context, id string, completedRide bool) error {
	_, err := g.update(ctx, id, func(cur *models.Driver) (*models.Driver, error) {
		if cur == nil {
			return nil, apperr.Wrap(apperr.ErrDriverNotFound, "driver %s", id)
		}
		if cur.Availability == models.Busy {
			cur.Availability = models.Available
		}
		if completedRide {
			cur.RideCount++
		}
		return cur, nil
	})
	return err
}

// update writes the driver record first and then moves bucket membership.
// The bucket step happens outside the record update so no lock spans both.
func (g *Index) update(ctx context.Context, id string, fn func(cur *models.Driver) (*models.Driver, error)) (*models.Driver, error) {
	var prev *models.BucketKey
	var wasIndexed bool
	next, err := g.drivers.UpdateDriver(ctx, id, func(cur *models.Driver) (*models.Driver, error) {
		prev, wasIndexed = nil, false
		if cur != nil {
			if cur.Bucket != nil {
				b := *cur.Bucket
				prev = &b
			}
			wasIndexed = cur.Indexable()
		}
		n, err := fn(cur)
		if err != nil {
			return nil, err
		}
		n.UpdatedAt = g.now()
		n.Bucket = nil
		if n.Indexable() {
			k := g.KeyFor(*n.Location)
			n.Bucket = &k
		}
		return n, nil
	})
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.Dependency("update driver", err)
	}
	if prev != nil && (next.Bucket == nil || *next.Bucket != *prev) {
		if err := g.buckets.Remove(ctx, *prev, id); err != nil {
			return nil, apperr.Dependency("bucket remove", err)
		}
	}
	if next.Bucket != nil && (prev == nil || *next.Bucket != *prev) {
		if err := g.buckets.Add(ctx, *next.Bucket, id); err != nil {
			return nil, apperr.Dependency("bucket add", err)
		}
	}
	// A concurrent move may have removed us from the bucket the record now
	// names; re-add so the authoritative bucket always holds the driver.
	if cur, err := g.drivers.GetDriver(ctx, id); err == nil && cur.Bucket != nil &&
		(next.Bucket == nil || *cur.Bucket != *next.Bucket) {
		_ = g.buckets.Add(ctx, *cur.Bucket, id)
	}
	switch isIndexed := next.Indexable(); {
	case isIndexed && !wasIndexed:
		observability.DriversOnline.Inc()
	case !isIndexed && wasIndexed:
		observability.DriversOnline.Dec()
	}
	return next, nil
}

// ringKeys returns every bucket that could hold a point within radiusKm of
// center. The ring is padded by one bucket on each side and the longitude span
// is sized for the highest latitude the circle reaches.
func (g *Index) ringKeys(center models.Coord, radiusKm float64) []models.BucketKey {
	k := float64(g.precision)
	dLat := radiusKm / kmPerDegreeLat
	latCells := int(math.Ceil(dLat*k)) + 1

	maxLat := math.Min(90, math.Abs(center.Lat)+dLat)
	cos := math.Cos(maxLat * math.Pi / 180)
	full := 180 * g.precision
	lngCells := full
	if cos > 1e-9 {
		if c := int(math.Ceil(dLat/cos*k)) + 1; c < full {
			lngCells = c
		}
	}

	c := g.KeyFor(center)
	minLat := int(math.Floor(-90 * k))
	maxLatKey := int(math.Floor(90 * k))
	keys := make([]models.BucketKey, 0, (2*latCells+1)*(2*lngCells+1))
	seen := make(map[models.BucketKey]struct{})
	for i := c.Lat - latCells; i <= c.Lat+latCells; i++ {
		if i < minLat || i > maxLatKey {
			continue
		}
		for j := c.Lng - lngCells; j <= c.Lng+lngCells; j++ {
			key := models.BucketKey{Lat: i, Lng: g.wrapLng(j)}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys
}

// Nearby returns available, active drivers whose haversine distance to center
// is at most radiusKm, best score first, capped at limit. The bucket ring is
// only a pre-filter; the exact distance check decides membership.
func (g *Index) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.Candidate, error) {
	if radiusKm <= 0 {
		return nil, apperr.Validationf("radius must be positive")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	members, err := g.buckets.Members(ctx, g.ringKeys(center, radiusKm))
	if err != nil {
		return nil, apperr.Dependency("bucket members", err)
	}
	out := make([]models.Candidate, 0)
	seen := make(map[string]struct{})
	for key, ids := range members {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			d, err := g.drivers.GetDriver(ctx, id)
			if err != nil {
				if errors.Is(err, apperr.ErrDriverNotFound) {
					_ = g.buckets.Remove(ctx, key, id)
					continue
				}
				return nil, apperr.Dependency("get driver", err)
			}
			if d.Bucket == nil || *d.Bucket != key {
				// left over from a racing move; the record is authoritative
				_ = g.buckets.Remove(ctx, key, id)
				continue
			}
			seen[id] = struct{}{}
			if !d.Indexable() {
				continue
			}
			dist := DistanceKm(center, *d.Location)
			if dist > radiusKm {
				continue
			}
			out = append(out, models.Candidate{
				DriverID:   d.ID,
				DistanceKm: dist,
				Rating:     d.Rating,
				Score:      Score(d.Rating, dist),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DriverID < out[j].DriverID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Score ranks candidates; higher is better.
func Score(rating, distanceKm float64) float64 {
	return 0.3*rating - 0.7*distanceKm
}
