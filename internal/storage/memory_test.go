package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func newRide(id, rider string) *models.Ride {
	return &models.Ride{ID: id, RiderID: rider, State: models.StateRequested, Class: models.ClassStandard, RequestedAt: time.Now()}
}

func TestMemoryStoreRejectsSecondActiveRide(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRide(ctx, newRide("r1", "rider")))
	err := s.CreateRide(ctx, newRide("r2", "rider"))
	assert.ErrorIs(t, err, apperr.ErrDuplicateActiveRide)

	r, err := s.GetRide(ctx, "r1")
	require.NoError(t, err)
	r.State = models.StateCancelled
	require.NoError(t, s.UpdateRideIf(ctx, r, models.StateRequested, 0))
	assert.Equal(t, int64(1), r.Version)

	require.NoError(t, s.CreateRide(ctx, newRide("r3", "rider")))
	active, err := s.ActiveRideForRider(ctx, "rider")
	require.NoError(t, err)
	assert.Equal(t, "r3", active.ID)
}

func TestMemoryStoreConditionalUpdateHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRide(ctx, newRide("r1", "rider")))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.GetRide(ctx, "r1")
			if err != nil {
				return
			}
			r.State = models.StateMatched
			r.DriverID = "d"
			if err := s.UpdateRideIf(ctx, r, models.StateRequested, 0); err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, ErrStateConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRide(ctx, newRide("r1", "rider")))
	r, _ := s.GetRide(ctx, "r1")
	r.State = models.StateCompleted
	again, _ := s.GetRide(ctx, "r1")
	assert.Equal(t, models.StateRequested, again.State)

	_, err := s.GetRide(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrRideNotFound)
}

func TestMemoryStoreListings(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	old := newRide("old", "a")
	old.RequestedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateRide(ctx, old))
	require.NoError(t, s.CreateRide(ctx, newRide("fresh", "b")))

	stale, err := s.ListRidesInState(ctx, models.StateRequested, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)

	byRider, err := s.ListRidesByRider(ctx, "b")
	require.NoError(t, err)
	require.Len(t, byRider, 1)
}

func TestMemoryDriverStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDriverStore()
	_, err := s.GetDriver(ctx, "d1")
	assert.ErrorIs(t, err, apperr.ErrDriverNotFound)

	d, err := s.UpdateDriver(ctx, "d1", func(cur *models.Driver) (*models.Driver, error) {
		assert.Nil(t, cur)
		return &models.Driver{Availability: models.Available, Active: true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)

	boom := errors.New("boom")
	_, err = s.UpdateDriver(ctx, "d1", func(cur *models.Driver) (*models.Driver, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	got, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.Available, got.Availability)
}
