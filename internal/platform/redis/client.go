package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/phrazzld/conjure-api/internal/config"
)

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// keyspace builds namespaced keys such as "conjure:cache:<fingerprint>".
type keyspace struct {
	prefix string
}

func newKeyspace(prefix, kind string) keyspace {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		return keyspace{prefix: kind + ":"}
	}
	return keyspace{prefix: prefix + ":" + kind + ":"}
}

func (k keyspace) key(id string) string {
	return k.prefix + id
}

func (k keyspace) pattern() string {
	return k.prefix + "*"
}
