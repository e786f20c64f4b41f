// Package eta estimates provider arrival times in whole minutes.
package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/care-sync/internal/geo"
	"github.com/example/care-sync/internal/models"
)

// DefaultSpeedKmh is the assumed average travel speed.
const DefaultSpeedKmh = 40.0

type Estimator interface {
	Minutes(ctx context.Context, from, to models.Coord) (int, error)
}

// Straight estimates from great-circle distance at a constant speed.
type Straight struct {
	SpeedKmh float64
}

func (s Straight) Minutes(_ context.Context, from, to models.Coord) (int, error) {
	speed := s.SpeedKmh
	if speed <= 0 {
		speed = DefaultSpeedKmh
	}
	return geo.ETAMinutes(geo.DistanceKm(from, to), speed), nil
}

// Fallback asks Primary first and Secondary when Primary fails.
type Fallback struct {
	Primary   Estimator
	Secondary Estimator
	Logger    *slog.Logger
}

func (f Fallback) Minutes(ctx context.Context, from, to models.Coord) (int, error) {
	m, err := f.Primary.Minutes(ctx, from, to)
	if err == nil {
		return m, nil
	}
	if f.Logger != nil {
		f.Logger.Debug("primary eta failed, using fallback", "error", err)
	}
	return f.Secondary.Minutes(ctx, from, to)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  int
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// coordinates are rounded to ~11 m so jittery samples share an entry
func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f->%.4f,%.4f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coord) (int, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v int) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}
