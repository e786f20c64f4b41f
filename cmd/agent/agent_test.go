package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/care-sync/internal/config"
	"github.com/example/care-sync/internal/logging"
	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/protocol"
	"github.com/example/care-sync/internal/reconcile"
	"github.com/example/care-sync/internal/storage"
)

func TestRouteEndsAtDestination(t *testing.T) {
	a := models.Coord{Lat: -22.46, Lon: 17.00}
	b := models.Coord{Lat: -22.56, Lon: 17.10}
	pts := route(a, b, 4)
	require.Len(t, pts, 4)
	assert.InDelta(t, -22.485, pts[0].Lat, 1e-9)
	assert.InDelta(t, 17.025, pts[0].Lon, 1e-9)
	assert.Equal(t, b, pts[3])
}

func TestParseFlags(t *testing.T) {
	f, err := parseFlags([]string{"-user", "prov-7", "-role", "provider", "-steps", "3"})
	require.NoError(t, err)
	assert.Equal(t, "prov-7", f.userID)
	assert.Equal(t, "provider", f.role)
	assert.Equal(t, 3, f.steps)

	_, err = parseFlags([]string{"-steps", "0"})
	assert.Error(t, err)
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	b, closeFn, err := openBackend(ctx, config.ClientConfig{StoreBackend: "memory"}, "", logging.Discard())
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &storage.MemoryStore{}, b)

	b, _, err = openBackend(ctx, config.ClientConfig{StoreBackend: "file", StoreDir: t.TempDir()}, "", logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &storage.FileStore{}, b)

	_, _, err = openBackend(ctx, config.ClientConfig{StoreBackend: "sqlite"}, "", logging.Discard())
	assert.Error(t, err)
}

func TestWaitForReturnsOnTerminalStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store, err := reconcile.Open(ctx, storage.NewMemoryStore(), "pat-1")
	require.NoError(t, err)
	require.NoError(t, store.Merge(ctx, reconcile.SourceResponse, models.Request{ID: "abc123", Status: models.StatusSearching}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.ApplyStatusChange(ctx, protocol.StatusChanged{RequestID: "abc123", Status: models.StatusAccepted})
		_ = store.ApplyStatusChange(ctx, protocol.StatusChanged{RequestID: "abc123", Status: models.StatusCompleted})
	}()

	var seen []models.Status
	st, err := waitFor(ctx, store, "abc123", func(s models.Status) bool {
		seen = append(seen, s)
		return s.IsTerminal()
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st)
	assert.Equal(t, models.StatusSearching, seen[0])
}

func TestWaitForUnknownRequest(t *testing.T) {
	store, err := reconcile.Open(context.Background(), storage.NewMemoryStore(), "pat-1")
	require.NoError(t, err)
	_, err = waitFor(context.Background(), store, "nope", func(models.Status) bool { return false })
	assert.ErrorIs(t, err, errGone)
}
