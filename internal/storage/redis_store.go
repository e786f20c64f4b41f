package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/care-sync/internal/models"
)

// HashClient is the subset of redis the cache needs; tests supply a fake.
type HashClient interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// Replace atomically swaps the whole hash at key for fields.
	Replace(ctx context.Context, key string, fields map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

func (r *redisAdapter) Replace(ctx context.Context, key string, fields map[string]interface{}) error {
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(fields) > 0 {
			p.HSet(ctx, key, fields)
		}
		return nil
	})
	return err
}

// RedisStore keeps one hash per user: field = request id, value = JSON entry.
type RedisStore struct {
	client HashClient
	prefix string
}

func NewRedisStore(addr, password string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisStoreWithClient(&redisAdapter{c: c})
}

func NewRedisStoreWithClient(c HashClient) *RedisStore {
	return &RedisStore{client: c, prefix: "request-cache:"}
}

func (r *RedisStore) key(userID string) string { return r.prefix + userID }

func (r *RedisStore) Load(ctx context.Context, userID string) ([]models.CacheEntry, error) {
	fields, err := r.client.HGetAll(ctx, r.key(userID))
	if err != nil {
		return nil, fmt.Errorf("redis load request cache: %w", err)
	}
	out := make([]models.CacheEntry, 0, len(fields))
	for id, v := range fields {
		var e models.CacheEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode cached request %s: %w", id, err)
		}
		out = append(out, e)
	}
	return sortEntries(out), nil
}

func (r *RedisStore) Save(ctx context.Context, userID string, entries []models.CacheEntry) error {
	fields := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode cached request %s: %w", e.Request.ID, err)
		}
		fields[e.Request.ID] = string(b)
	}
	if err := r.client.Replace(ctx, r.key(userID), fields); err != nil {
		return fmt.Errorf("redis save request cache: %w", err)
	}
	return nil
}
