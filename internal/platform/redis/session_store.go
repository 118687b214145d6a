package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/session"
)

// SessionStore keeps one JSON session per owner. Every Set refreshes the
// key TTL, so inactivity expiry is handled by Redis.
type SessionStore struct {
	client goredis.UniversalClient
	keys   keyspace
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionStore creates a SessionStore. A non-positive ttl selects
// session.DefaultTTL.
func NewSessionStore(client goredis.UniversalClient, prefix string, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	return &SessionStore{
		client: client,
		keys:   newKeyspace(prefix, "session"),
		ttl:    ttl,
		now:    time.Now,
	}
}

var _ session.Store = (*SessionStore)(nil)

// Set implements session.Store.
func (s *SessionStore) Set(ctx context.Context, sess *domain.Session) error {
	stored := sess.Clone()
	stored.LastActivityAt = s.now().UTC()

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.keys.key(sess.OwnerID.String()), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get implements session.Store.
func (s *SessionStore) Get(ctx context.Context, ownerID uuid.UUID) (*domain.Session, error) {
	data, err := s.client.Get(ctx, s.keys.key(ownerID.String())).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if sess.Expired(s.now(), s.ttl) {
		_ = s.Clear(ctx, ownerID)
		return nil, session.ErrNotFound
	}
	return &sess, nil
}

// Clear implements session.Store.
func (s *SessionStore) Clear(ctx context.Context, ownerID uuid.UUID) error {
	if err := s.client.Del(ctx, s.keys.key(ownerID.String())).Err(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
