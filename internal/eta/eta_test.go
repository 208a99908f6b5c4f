package eta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/example/ride-dispatch/internal/models"
)

func TestEstimateSeconds(t *testing.T) {
	a := models.Coord{Lat: 0, Lng: 0}
	b := models.Coord{Lat: 0, Lng: 0.01}
	// 0.01 degree of longitude at the equator is about 1112 m.
	assert.InDelta(t, 111.2, EstimateSeconds(a, b, 10), 0.5)
	assert.InDelta(t, EstimateSeconds(a, b, DefaultSpeedMps), EstimateSeconds(a, b, 0), 1e-9)
	assert.Zero(t, EstimateSeconds(a, a, 10))
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	a, b := models.Coord{Lat: 1, Lng: 1}, models.Coord{Lat: 1.01, Lng: 1}

	_, ok := c.Get(a, b)
	assert.False(t, ok)
	c.Set(a, b, 42)
	v, ok := c.Get(a, b)
	assert.True(t, ok)
	assert.Equal(t, 42.0, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(a, b)
	assert.False(t, ok)
}

func TestCacheSetEvictsExpired(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		c.Set(models.Coord{Lat: float64(i)}, models.Coord{Lng: 1}, float64(i))
	}
	assert.Equal(t, 10, c.Len())

	now = now.Add(2 * time.Minute)
	c.Set(models.Coord{Lat: 50}, models.Coord{Lng: 1}, 50)
	assert.Equal(t, 1, c.Len())
	v, ok := c.Get(models.Coord{Lat: 50}, models.Coord{Lng: 1})
	assert.True(t, ok)
	assert.Equal(t, 50.0, v)
}

func TestEstimatorUsesCache(t *testing.T) {
	e := &Estimator{SpeedMps: 10, Cache: NewCache(time.Minute)}
	a, b := models.Coord{Lat: 1, Lng: 1}, models.Coord{Lat: 1.01, Lng: 1}
	e.Cache.Set(a, b, 7)
	assert.Equal(t, 7.0, e.Seconds(a, b))

	c := models.Coord{Lat: 2, Lng: 2}
	first := e.Seconds(a, c)
	v, ok := e.Cache.Get(a, c)
	assert.True(t, ok)
	assert.Equal(t, first, v)
}
