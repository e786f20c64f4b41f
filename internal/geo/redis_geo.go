package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/care-sync/internal/models"
)

// ProviderLocationsKey is the GEO set holding each provider's last fix.
const ProviderLocationsKey = "provider_locations"

// GeoClient is the slice of go-redis RedisGeo needs.
type GeoClient interface {
	GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	GeoRadius(ctx context.Context, key string, longitude, latitude float64, query *redis.GeoRadiusQuery) *redis.GeoLocationCmd
}

// RedisGeo mirrors provider positions into a Redis GEO set plus a metadata
// hash per provider.
type RedisGeo struct {
	client GeoClient
	key    string
}

func NewRedisGeo(addr, password string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoWithClient(c, ProviderLocationsKey)
}

func NewRedisGeoWithClient(c GeoClient, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, providerID string, u models.LocationSample, requestID string) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: u.Longitude, Latitude: u.Latitude, Name: providerID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", providerID, err)
	}
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	meta := map[string]interface{}{
		"requestId": requestID,
		"seq":       strconv.FormatUint(u.Seq, 10),
		"updated":   ts.UTC().Format(time.RFC3339),
	}
	if err := r.client.HSet(ctx, MetaKey(providerID), meta).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", MetaKey(providerID), err)
	}
	return nil
}

// Nearby lists providers within radiusM meters of c, closest first.
func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radiusM float64, limit int) ([]string, error) {
	res, err := r.client.GeoRadius(ctx, r.key, c.Lon, c.Lat, &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res))
	for _, g := range res {
		out = append(out, g.Name)
	}
	return out, nil
}

func MetaKey(providerID string) string { return "provider:meta:" + providerID }
