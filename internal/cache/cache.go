package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/phrazzld/conjure-api/internal/domain"
)

// ErrMiss is returned by a Backend when no entry exists for a key.
var ErrMiss = errors.New("cache miss")

// Entry is an immutable cached result. Entries are replaced wholesale, never
// mutated in place.
type Entry struct {
	Fingerprint string          `json:"fingerprint"`
	Kind        domain.TaskKind `json:"kind"`
	Result      *domain.Result  `json:"result"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	HitCount    int64           `json:"hit_count"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Backend is the storage behind a Cache.
type Backend interface {
	// Get returns the entry for key, or ErrMiss. Implementations may count
	// the read as a hit.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores the entry, replacing any previous one.
	Set(ctx context.Context, entry *Entry) error

	// Delete removes the entry for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Sweep removes every entry expired at now and returns how many it removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)
}

// TTLs holds the entry lifetime for each task kind.
type TTLs struct {
	Image time.Duration
	Video time.Duration
	Chat  time.Duration
}

// DefaultTTLs reflects relative generation cost: the more expensive the
// generation, the longer a result is kept.
var DefaultTTLs = TTLs{
	Image: time.Hour,
	Video: 2 * time.Hour,
	Chat:  30 * time.Minute,
}

// For returns the TTL configured for kind.
func (t TTLs) For(kind domain.TaskKind) time.Duration {
	switch kind {
	case domain.KindImage:
		return t.Image
	case domain.KindVideo:
		return t.Video
	default:
		return t.Chat
	}
}

// Stats is a snapshot of cache usage.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is the result cache consulted before dispatching a task.
type Cache struct {
	backend Backend
	ttls    TTLs
	logger  *slog.Logger
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a Cache over backend.
func New(backend Backend, ttls TTLs, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		backend: backend,
		ttls:    ttls,
		logger:  logger.With("component", "result_cache"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached result for key. Expired entries are deleted and
// reported as a miss, as are backend failures.
func (c *Cache) Get(ctx context.Context, key string) (*domain.Result, bool) {
	entry, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.WarnContext(ctx, "cache lookup failed, treating as miss",
				slog.String("fingerprint", key),
				slog.String("error", err.Error()))
		}
		c.misses.Add(1)
		return nil, false
	}

	if entry.Expired(c.now()) {
		if err := c.backend.Delete(ctx, key); err != nil {
			c.logger.WarnContext(ctx, "failed to evict expired cache entry",
				slog.String("fingerprint", key),
				slog.String("error", err.Error()))
		}
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return entry.Result.Clone(), true
}

// Contains reports whether a live entry exists for key without counting
// the lookup in the hit statistics.
func (c *Cache) Contains(ctx context.Context, key string) bool {
	entry, err := c.backend.Get(ctx, key)
	if err != nil {
		return false
	}
	return !entry.Expired(c.now())
}

// Set stores result under key with the TTL of kind. Empty results are not
// cached. Failures are logged and otherwise ignored.
func (c *Cache) Set(ctx context.Context, key string, result *domain.Result, kind domain.TaskKind) {
	if result.Empty() {
		return
	}
	c.SetWithTTL(ctx, key, result, kind, c.ttls.For(kind))
}

// SetWithTTL stores result under key with an explicit ttl.
func (c *Cache) SetWithTTL(
	ctx context.Context,
	key string,
	result *domain.Result,
	kind domain.TaskKind,
	ttl time.Duration,
) {
	if ttl <= 0 {
		return
	}
	now := c.now()
	entry := &Entry{
		Fingerprint: key,
		Kind:        kind,
		Result:      result.Clone(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := c.backend.Set(ctx, entry); err != nil {
		c.logger.WarnContext(ctx, "failed to store cache entry",
			slog.String("fingerprint", key),
			slog.String("error", err.Error()))
	}
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep(ctx context.Context) int {
	n, err := c.backend.Sweep(ctx, c.now())
	if err != nil {
		c.logger.WarnContext(ctx, "cache sweep failed", slog.String("error", err.Error()))
	}
	if n > 0 {
		c.logger.DebugContext(ctx, "swept expired cache entries", slog.Int("count", n))
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Stats returns a snapshot of cache usage.
func (c *Cache) Stats(ctx context.Context) Stats {
	size, err := c.backend.Len(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to read cache size", slog.String("error", err.Error()))
	}

	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := Stats{Size: size, Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
