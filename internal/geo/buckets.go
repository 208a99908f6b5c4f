package geo

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// BucketStore holds the bucket-key-to-driver membership sets.
type BucketStore interface {
	Add(ctx context.Context, key models.BucketKey, driverID string) error
	Remove(ctx context.Context, key models.BucketKey, driverID string) error
	Members(ctx context.Context, keys []models.BucketKey) (map[models.BucketKey][]string, error)
}

type bucket struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// MemoryBuckets guards each bucket with its own lock; updates to different
// buckets never contend.
type MemoryBuckets struct {
	buckets sync.Map // models.BucketKey -> *bucket
}

func NewMemoryBuckets() *MemoryBuckets { return &MemoryBuckets{} }

func (m *MemoryBuckets) get(key models.BucketKey, create bool) *bucket {
	if b, ok := m.buckets.Load(key); ok {
		return b.(*bucket)
	}
	if !create {
		return nil
	}
	b, _ := m.buckets.LoadOrStore(key, &bucket{ids: make(map[string]struct{})})
	return b.(*bucket)
}

func (m *MemoryBuckets) Add(_ context.Context, key models.BucketKey, driverID string) error {
	b := m.get(key, true)
	b.mu.Lock()
	b.ids[driverID] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (m *MemoryBuckets) Remove(_ context.Context, key models.BucketKey, driverID string) error {
	b := m.get(key, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	delete(b.ids, driverID)
	b.mu.Unlock()
	return nil
}

func (m *MemoryBuckets) Members(_ context.Context, keys []models.BucketKey) (map[models.BucketKey][]string, error) {
	out := make(map[models.BucketKey][]string)
	for _, k := range keys {
		b := m.get(k, false)
		if b == nil {
			continue
		}
		b.mu.RLock()
		if len(b.ids) > 0 {
			ids := make([]string, 0, len(b.ids))
			for id := range b.ids {
				ids = append(ids, id)
			}
			out[k] = ids
		}
		b.mu.RUnlock()
	}
	return out, nil
}
