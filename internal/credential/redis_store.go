package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore keeps credential state in redis so quarantine survives both
// restarts and redeploys onto fresh filesystems.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configure the redis-backed store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long stale state lingers. <=0 disables expiry.
	TTL time.Duration
}

// NewRedisStateStore connects and pings the redis backend.
func NewRedisStateStore(ctx context.Context, opts RedisOptions) (*RedisStateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "llmgate"
	}
	return &RedisStateStore{client: client, prefix: prefix, ttl: opts.TTL}, nil
}

func (r *RedisStateStore) key(id string) string {
	return r.prefix + ":credstate:" + id
}

func (r *RedisStateStore) Persist(ctx context.Context, credID string, state *PersistedState) error {
	if state == nil || credID == "" {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state for %s: %w", credID, err)
	}
	if err := r.client.Set(ctx, r.key(credID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("persist state for %s: %w", credID, err)
	}
	return nil
}

func (r *RedisStateStore) Restore(ctx context.Context, credID string) (*PersistedState, error) {
	data, err := r.client.Get(ctx, r.key(credID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("restore state for %s: %w", credID, err)
	}
	var st PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", credID, err)
	}
	return &st, nil
}

func (r *RedisStateStore) Delete(ctx context.Context, credID string) error {
	return r.client.Del(ctx, r.key(credID)).Err()
}

// Close releases the underlying connection pool.
func (r *RedisStateStore) Close() error { return r.client.Close() }
