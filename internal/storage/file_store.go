package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/example/care-sync/internal/models"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// FileStore keeps one JSON document per user, {requestId: entry}, under dir.
// Writes go to a temp file first and are renamed into place.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(userID string) string {
	return filepath.Join(f.dir, "requests_"+unsafeChars.ReplaceAllString(userID, "_")+".json")
}

func (f *FileStore) Load(_ context.Context, userID string) ([]models.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.path(userID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read request cache: %w", err)
	}
	var byID map[string]models.CacheEntry
	if err := json.Unmarshal(b, &byID); err != nil {
		return nil, fmt.Errorf("decode request cache: %w", err)
	}
	out := make([]models.CacheEntry, 0, len(byID))
	for id, e := range byID {
		if e.Request.ID == "" {
			e.Request.ID = id
		}
		out = append(out, e)
	}
	return sortEntries(out), nil
}

func (f *FileStore) Save(_ context.Context, userID string, entries []models.CacheEntry) error {
	byID := make(map[string]models.CacheEntry, len(entries))
	for _, e := range entries {
		byID[e.Request.ID] = e
	}
	b, err := json.MarshalIndent(byID, "", "  ")
	if err != nil {
		return fmt.Errorf("encode request cache: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tmp, err := os.CreateTemp(f.dir, ".requests-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write request cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close request cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(userID)); err != nil {
		return fmt.Errorf("replace request cache: %w", err)
	}
	return nil
}
