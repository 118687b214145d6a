package task

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
)

// MemoryStore is an in-process Store. Active tasks and terminal tasks are
// kept in separate maps so that scans for pending and processing work stay
// proportional to the live queue rather than to history.
type MemoryStore struct {
	mutex   sync.RWMutex
	active  map[uuid.UUID]*domain.Task
	archive map[uuid.UUID]*domain.Task
	byExtID map[string]uuid.UUID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:  make(map[uuid.UUID]*domain.Task),
		archive: make(map[uuid.UUID]*domain.Task),
		byExtID: make(map[string]uuid.UUID),
	}
}

var _ Store = (*MemoryStore)(nil)

func extKey(provider, externalID string) string {
	return provider + "\x00" + externalID
}

func (s *MemoryStore) find(id uuid.UUID) (*domain.Task, bool) {
	if t, ok := s.active[id]; ok {
		return t, true
	}
	t, ok := s.archive[id]
	return t, ok
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, t *domain.Task) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.place(t.Clone())
	return nil
}

func (s *MemoryStore) place(t *domain.Task) {
	if t.IsTerminal() {
		delete(s.active, t.ID)
		s.archive[t.ID] = t
	} else {
		delete(s.archive, t.ID)
		s.active[t.ID] = t
	}
	if t.ExternalTaskID != "" {
		s.byExtID[extKey(t.Provider, t.ExternalTaskID)] = t.ID
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	t, ok := s.find(id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// GetByExternalID implements Store.
func (s *MemoryStore) GetByExternalID(_ context.Context, provider, externalID string) (*domain.Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	id, ok := s.byExtID[extKey(provider, externalID)]
	if !ok {
		return nil, ErrTaskNotFound
	}
	t, ok := s.find(id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// Update implements Store.
func (s *MemoryStore) Update(
	_ context.Context,
	id uuid.UUID,
	expected domain.TaskStatus,
	fn func(t *domain.Task) error,
) (*domain.Task, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.find(id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	if current.Status != expected {
		return nil, ErrStaleStatus
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.ExternalTaskID != "" && next.ExternalTaskID != current.ExternalTaskID {
		if other, taken := s.byExtID[extKey(next.Provider, next.ExternalTaskID)]; taken && other != id {
			return nil, ErrDuplicateExternalID
		}
	}

	s.place(next)
	return next.Clone(), nil
}

// ListByStatus implements Store.
func (s *MemoryStore) ListByStatus(
	_ context.Context,
	status domain.TaskStatus,
	limit int,
) ([]*domain.Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*domain.Task
	for _, m := range []map[uuid.UUID]*domain.Task{s.active, s.archive} {
		for _, t := range m {
			if t.Status == status {
				out = append(out, t.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRetryScheduled implements Store.
func (s *MemoryStore) ListRetryScheduled(_ context.Context) ([]*domain.Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*domain.Task
	for _, t := range s.active {
		if t.RetryScheduled() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// ListByOwner implements Store.
func (s *MemoryStore) ListByOwner(_ context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*domain.Task
	for _, m := range []map[uuid.UUID]*domain.Task{s.active, s.archive} {
		for _, t := range m {
			if t.OwnerID == ownerID {
				out = append(out, t.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus implements Store.
func (s *MemoryStore) CountByStatus(_ context.Context) (map[domain.TaskStatus]int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	counts := make(map[domain.TaskStatus]int, 4)
	for _, m := range []map[uuid.UUID]*domain.Task{s.active, s.archive} {
		for _, t := range m {
			counts[t.Status]++
		}
	}
	return counts, nil
}

// ArchiveLen returns the number of terminal tasks held.
func (s *MemoryStore) ArchiveLen() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.archive)
}
