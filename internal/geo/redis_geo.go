package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisBuckets stores each bucket as a Redis set so several API and consumer
// processes share one index. SADD/SREM are atomic per key, which gives the
// same per-bucket guarantee as MemoryBuckets.
type RedisBuckets struct {
	client *redis.Client
	prefix string
}

func NewRedisBuckets(client *redis.Client, prefix string) *RedisBuckets {
	if prefix == "" {
		prefix = "drivers_geo"
	}
	return &RedisBuckets{client: client, prefix: prefix}
}

func (r *RedisBuckets) key(k models.BucketKey) string {
	return fmt.Sprintf("%s:%d:%d", r.prefix, k.Lat, k.Lng)
}

func (r *RedisBuckets) Add(ctx context.Context, key models.BucketKey, driverID string) error {
	return r.client.SAdd(ctx, r.key(key), driverID).Err()
}

func (r *RedisBuckets) Remove(ctx context.Context, key models.BucketKey, driverID string) error {
	return r.client.SRem(ctx, r.key(key), driverID).Err()
}

func (r *RedisBuckets) Members(ctx context.Context, keys []models.BucketKey) (map[models.BucketKey][]string, error) {
	cmds := make([]*redis.StringSliceCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.SMembers(ctx, r.key(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[models.BucketKey][]string)
	for i, c := range cmds {
		if ids := c.Val(); len(ids) > 0 {
			out[keys[i]] = ids
		}
	}
	return out, nil
}
