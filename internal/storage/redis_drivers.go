package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

const maxWatchRetries = 8

// RedisDriverStore keeps one hash per driver. Conditional updates use
// WATCH/MULTI so concurrent writers on the same driver retry instead of
// overwriting each other.
type RedisDriverStore struct {
	client *redis.Client
}

func NewRedisDriverStore(client *redis.Client) *RedisDriverStore {
	return &RedisDriverStore{client: client}
}

func metaKey(id string) string { return "driver:meta:" + id }

func (s *RedisDriverStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m, err := s.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, apperr.Wrap(apperr.ErrDriverNotFound, "driver %s", id)
	}
	return decodeDriver(id, m)
}

func (s *RedisDriverStore) PutDriver(ctx context.Context, d *models.Driver) error {
	key := metaKey(d.ID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, encodeDriver(d))
		return nil
	})
	return err
}

func (s *RedisDriverStore) UpdateDriver(ctx context.Context, id string, fn func(d *models.Driver) (*models.Driver, error)) (*models.Driver, error) {
	key := metaKey(id)
	var out *models.Driver
	txf := func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		var cur *models.Driver
		if len(m) > 0 {
			if cur, err = decodeDriver(id, m); err != nil {
				return err
			}
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		next.ID = id
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.HSet(ctx, key, encodeDriver(next))
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update driver %s: too much contention", id)
}

func encodeDriver(d *models.Driver) map[string]interface{} {
	m := map[string]interface{}{
		"availability": string(d.Availability),
		"rating":       strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"ride_count":   d.RideCount,
		"active":       strconv.FormatBool(d.Active),
		"updated":      d.UpdatedAt.Format(time.RFC3339Nano),
	}
	if d.Location != nil {
		m["lat"] = strconv.FormatFloat(d.Location.Lat, 'f', -1, 64)
		m["lng"] = strconv.FormatFloat(d.Location.Lng, 'f', -1, 64)
	}
	if d.Bucket != nil {
		m["bucket_lat"] = d.Bucket.Lat
		m["bucket_lng"] = d.Bucket.Lng
	}
	return m
}

func decodeDriver(id string, m map[string]string) (*models.Driver, error) {
	d := &models.Driver{ID: id, Availability: models.Availability(m["availability"])}
	var err error
	if v, ok := m["rating"]; ok {
		if d.Rating, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("driver %s rating: %w", id, err)
		}
	}
	if v, ok := m["ride_count"]; ok {
		if d.RideCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("driver %s ride_count: %w", id, err)
		}
	}
	d.Active = m["active"] == "true"
	if v, ok := m["updated"]; ok {
		d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	lat, okLat := m["lat"]
	lng, okLng := m["lng"]
	if okLat && okLng {
		var c models.Coord
		if c.Lat, err = strconv.ParseFloat(lat, 64); err != nil {
			return nil, fmt.Errorf("driver %s lat: %w", id, err)
		}
		if c.Lng, err = strconv.ParseFloat(lng, 64); err != nil {
			return nil, fmt.Errorf("driver %s lng: %w", id, err)
		}
		d.Location = &c
	}
	bl, okBl := m["bucket_lat"]
	bg, okBg := m["bucket_lng"]
	if okBl && okBg {
		var b models.BucketKey
		if b.Lat, err = strconv.Atoi(bl); err != nil {
			return nil, fmt.Errorf("driver %s bucket: %w", id, err)
		}
		if b.Lng, err = strconv.Atoi(bg); err != nil {
			return nil, fmt.Errorf("driver %s bucket: %w", id, err)
		}
		d.Bucket = &b
	}
	return d, nil
}
