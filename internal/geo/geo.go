// Package geo holds distance math and the latest-position indexes used for
// provider tracking.
package geo

import (
	"math"
	"sort"
	"sync"

	"github.com/example/care-sync/internal/models"
)

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}

// ETAMinutes converts a straight-line distance into whole minutes at a
// constant average speed.
func ETAMinutes(km, speedKmh float64) int {
	if speedKmh <= 0 || km <= 0 {
		return 0
	}
	return int(math.Round(km * 60 / speedKmh))
}

// Index keeps the latest sample per key. Samples older than the one held,
// by sequence number or timestamp, are dropped.
type Index struct {
	mu      sync.RWMutex
	samples map[string]models.LocationSample
}

func NewIndex() *Index {
	return &Index{samples: make(map[string]models.LocationSample)}
}

// Upsert stores s under key unless it is stale. It reports whether s was kept.
func (g *Index) Upsert(key string, s models.LocationSample) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.samples[key]; ok && Stale(cur, s) {
		return false
	}
	g.samples[key] = s
	return true
}

func (g *Index) Latest(key string) (models.LocationSample, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.samples[key]
	return s, ok
}

func (g *Index) Delete(key string) {
	g.mu.Lock()
	delete(g.samples, key)
	g.mu.Unlock()
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.samples)
}

// Nearby returns up to limit keys ordered by distance from c.
func (g *Index) Nearby(c models.Coord, limit int) []string {
	g.mu.RLock()
	type pair struct {
		key  string
		dist float64
	}
	arr := make([]pair, 0, len(g.samples))
	for k, s := range g.samples {
		arr = append(arr, pair{k, Haversine(c.Lat, c.Lon, s.Latitude, s.Longitude)})
	}
	g.mu.RUnlock()
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].key < arr[j].key
	})
	if limit > 0 && limit < len(arr) {
		arr = arr[:limit]
	}
	out := make([]string, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.key)
	}
	return out
}

// Stale reports whether next is older than cur. Sequence numbers win when
// both carry one; otherwise timestamps decide.
func Stale(cur, next models.LocationSample) bool {
	if cur.Seq > 0 && next.Seq > 0 {
		return next.Seq <= cur.Seq
	}
	if !cur.Timestamp.IsZero() && !next.Timestamp.IsZero() {
		return next.Timestamp.Before(cur.Timestamp)
	}
	return false
}
