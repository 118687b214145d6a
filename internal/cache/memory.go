package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps entries in a map guarded by a RWMutex.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*Entry)}
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	// Swap in a new entry so readers holding the old one never see a change.
	updated := *entry
	updated.HitCount++
	b.entries[key] = &updated
	return &updated, nil
}

// Set implements Backend.
func (b *MemoryBackend) Set(_ context.Context, entry *Entry) error {
	stored := *entry
	b.mu.Lock()
	b.entries[entry.Fingerprint] = &stored
	b.mu.Unlock()
	return nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

// Sweep implements Backend.
func (b *MemoryBackend) Sweep(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, entry := range b.entries {
		if entry.Expired(now) {
			delete(b.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len implements Backend.
func (b *MemoryBackend) Len(_ context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries), nil
}
