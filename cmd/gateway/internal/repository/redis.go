package repository

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

// Compile-time check to ensure RedisStore implements SnapshotStore
var _ SnapshotStore = (*RedisStore)(nil)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// GetSnapshots fetches the stored StateEvent JSON for each subject key (MGET).
// Subjects without a snapshot are skipped.
func (r *RedisStore) GetSnapshots(ctx context.Context, subjectKeys []string) ([]string, error) {
	if len(subjectKeys) == 0 {
		return nil, nil
	}

	keys := make([]string, len(subjectKeys))
	for i, k := range subjectKeys {
		keys[i] = models.SnapshotKey(k)
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var snapshots []string
	for _, val := range results {
		if payload, ok := val.(string); ok && payload != "" {
			snapshots = append(snapshots, payload)
		}
	}
	return snapshots, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
