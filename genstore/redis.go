package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisGenStore shares region generations across processes and survives restarts.
// Every process that shares a provider must share this store too, otherwise an
// eviction in one process is invisible to the others. Keys never expire.
type RedisGenStore struct {
	rdb redis.UniversalClient
	ns  string // logical namespace, e.g. "app:prod"
}

var _ GenStore = (*RedisGenStore)(nil)

func NewRedisGenStore(client redis.UniversalClient, namespace string) *RedisGenStore {
	return &RedisGenStore{rdb: client, ns: namespace}
}

func (s *RedisGenStore) key(region string) string { return "gen:" + s.ns + ":" + region }

// Snapshot returns the current generation. Missing keys read as 0.
func (s *RedisGenStore) Snapshot(ctx context.Context, region string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(region)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis gen parse: %w", err)
	}
	return u, nil
}

// SnapshotMany reads all regions with one MGET. Missing keys map to 0.
func (s *RedisGenStore) SnapshotMany(ctx context.Context, regions []string) (map[string]uint64, error) {
	if len(regions) == 0 {
		return map[string]uint64{}, nil
	}
	keys := make([]string, len(regions))
	for i, r := range regions {
		keys[i] = s.key(r)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]uint64, len(regions))
	for i, v := range vals {
		if v == nil {
			out[regions[i]] = 0
			continue
		}
		var raw string
		switch vv := v.(type) {
		case string:
			raw = vv
		case []byte:
			raw = string(vv)
		default:
			raw = fmt.Sprint(vv)
		}
		u, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis gen parse at %s: %w", regions[i], err)
		}
		out[regions[i]] = u
	}
	return out, nil
}

// Bump atomically increments the generation.
func (s *RedisGenStore) Bump(ctx context.Context, region string) (uint64, error) {
	v, err := s.rdb.Incr(ctx, s.key(region)).Result()
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// Close closes the underlying Redis client.
func (s *RedisGenStore) Close(context.Context) error {
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
