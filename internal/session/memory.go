package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
)

// MemoryStore is an in-process Store with lazy expiry on read and a
// periodic sweep for sessions that are never read again.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.Session
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates a MemoryStore whose sessions expire after ttl of
// inactivity. A non-positive ttl selects DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*domain.Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, s *domain.Session) error {
	stored := s.Clone()
	stored.LastActivityAt = m.now()

	m.mu.Lock()
	m.sessions[s.OwnerID] = stored
	m.mu.Unlock()
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, ownerID uuid.UUID) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Expired(m.now(), m.ttl) {
		delete(m.sessions, ownerID)
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(_ context.Context, ownerID uuid.UUID) error {
	m.mu.Lock()
	delete(m.sessions, ownerID)
	m.mu.Unlock()
	return nil
}

// Sweep removes expired sessions and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for owner, s := range m.sessions {
		if s.Expired(now, m.ttl) {
			delete(m.sessions, owner)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored sessions, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (m *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
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
			m.Sweep()
		}
	}
}
