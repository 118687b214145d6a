package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/phrazzld/conjure-api/internal/cache"
)

// getAndCount reads the entry and bumps its hit counter in one round trip.
var getAndCount = goredis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'entry')
if not v then
  return false
end
local hits = redis.call('HINCRBY', KEYS[1], 'hits', 1)
return {v, hits}
`)

// CacheBackend stores cache entries as hashes holding the JSON entry and a
// hit counter. Each key expires with its entry.
type CacheBackend struct {
	client goredis.UniversalClient
	keys   keyspace
}

// NewCacheBackend creates a CacheBackend using keys under prefix.
func NewCacheBackend(client goredis.UniversalClient, prefix string) *CacheBackend {
	return &CacheBackend{client: client, keys: newKeyspace(prefix, "cache")}
}

var _ cache.Backend = (*CacheBackend)(nil)

// Get implements cache.Backend.
func (b *CacheBackend) Get(ctx context.Context, key string) (*cache.Entry, error) {
	res, err := getAndCount.Run(ctx, b.client, []string{b.keys.key(key)}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) != 2 {
		return nil, fmt.Errorf("unexpected cache script reply %T", res)
	}
	raw, _ := fields[0].(string)
	hits, _ := fields[1].(int64)

	var entry cache.Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	entry.HitCount = hits
	return &entry, nil
}

// Set implements cache.Backend.
func (b *CacheBackend) Set(ctx context.Context, entry *cache.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	key := b.keys.key(entry.Fingerprint)
	_, err = b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "entry", data, "hits", entry.HitCount)
		pipe.PExpireAt(ctx, key, entry.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete implements cache.Backend.
func (b *CacheBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.keys.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Sweep implements cache.Backend. Redis expires keys itself, so there is
// nothing to remove.
func (b *CacheBackend) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Len implements cache.Backend by scanning the cache keyspace.
func (b *CacheBackend) Len(ctx context.Context) (int, error) {
	count := 0
	iter := b.client.Scan(ctx, 0, b.keys.pattern(), 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return count, nil
}
