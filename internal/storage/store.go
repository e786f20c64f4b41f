package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/care-sync/internal/models"
)

// Backend persists the request cache of one user. Save replaces the full set.
type Backend interface {
	Load(ctx context.Context, userID string) ([]models.CacheEntry, error)
	Save(ctx context.Context, userID string, entries []models.CacheEntry) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	users map[string][]models.CacheEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string][]models.CacheEntry)}
}

func (m *MemoryStore) Load(_ context.Context, userID string) ([]models.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.CacheEntry(nil), m.users[userID]...), nil
}

func (m *MemoryStore) Save(_ context.Context, userID string, entries []models.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = append([]models.CacheEntry(nil), entries...)
	return nil
}

// sortEntries orders entries by request id so every backend writes the same
// bytes for the same set.
func sortEntries(entries []models.CacheEntry) []models.CacheEntry {
	out := append([]models.CacheEntry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Request.ID < out[j].Request.ID })
	return out
}
