package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[string]*models.Ride
	active map[string]string // rider id -> non-terminal ride id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), active: make(map[string]string)}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.active[r.RiderID]; ok {
		return apperr.Wrap(apperr.ErrDuplicateActiveRide, "rider %s has active ride %s", r.RiderID, id)
	}
	m.rides[r.ID] = r.Clone()
	if !r.State.Terminal() {
		m.active[r.RiderID] = r.ID
	}
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrRideNotFound, "ride %s", id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRideIf(_ context.Context, r *models.Ride, expected models.RideState, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return apperr.Wrap(apperr.ErrRideNotFound, "ride %s", r.ID)
	}
	if cur.State != expected || cur.Version != expectedVersion {
		return ErrStateConflict
	}
	r.Version = expectedVersion + 1
	m.rides[r.ID] = r.Clone()
	if r.State.Terminal() && m.active[r.RiderID] == r.ID {
		delete(m.active, r.RiderID)
	}
	return nil
}

func (m *MemoryStore) ActiveRideForRider(_ context.Context, riderID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[riderID]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrRideNotFound, "no active ride for rider %s", riderID)
	}
	return m.rides[id].Clone(), nil
}

func (m *MemoryStore) ListRidesByRider(_ context.Context, riderID string) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.RiderID == riderID {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out, nil
}

func (m *MemoryStore) ListRidesInState(_ context.Context, state models.RideState, requestedBefore time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.State == state && r.RequestedAt.Before(requestedBefore) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

type MemoryDriverStore struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver
}

func NewMemoryDriverStore() *MemoryDriverStore {
	return &MemoryDriverStore{drivers: make(map[string]*models.Driver)}
}

func (m *MemoryDriverStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrDriverNotFound, "driver %s", id)
	}
	return d.Clone(), nil
}

func (m *MemoryDriverStore) PutDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d.Clone()
	return nil
}

func (m *MemoryDriverStore) UpdateDriver(_ context.Context, id string, fn func(d *models.Driver) (*models.Driver, error)) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(m.drivers[id].Clone())
	if err != nil {
		return nil, err
	}
	next.ID = id
	m.drivers[id] = next.Clone()
	return next, nil
}
