package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gibme-npm/port-forwarder/internal/obs"
	"github.com/redis/go-redis/v9"
)

// redisStore keeps sessions as fields of a single Redis hash so several
// forwarder instances can be inspected from one place. The hash carries no
// TTL: a field is removed when its relay ends.
type redisStore struct {
	client  *redis.Client
	hashKey string
}

// NewRedisStore connects to addr and verifies the connection with a PING.
func NewRedisStore(ctx context.Context, addr, password string, db int, hashKey string) (Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisStore(rdb, hashKey), nil
}

func newRedisStore(rdb *redis.Client, hashKey string) *redisStore {
	if hashKey == "" {
		hashKey = "port-forwarder:sessions"
	}
	return &redisStore{client: rdb, hashKey: hashKey}
}

var _ Store = (*redisStore)(nil)

func (r *redisStore) Set(ctx context.Context, key string, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.HSet(ctx, r.hashKey, key, data).Err(); err != nil {
		return fmt.Errorf("redis hset failed: %w", err)
	}
	return nil
}

func (r *redisStore) Del(ctx context.Context, key string) error {
	if err := r.client.HDel(ctx, r.hashKey, key).Err(); err != nil {
		return fmt.Errorf("redis hdel failed: %w", err)
	}
	return nil
}

func (r *redisStore) List(ctx context.Context) ([]Session, error) {
	vals, err := r.client.HGetAll(ctx, r.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	out := make([]Session, 0, len(vals))
	for key, val := range vals {
		var s Session
		if err := json.Unmarshal([]byte(val), &s); err != nil {
			obs.Error("redis.unmarshal_session", obs.Fields{"err": err.Error(), "key": key})
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Close releases the underlying client.
func (r *redisStore) Close() error { return r.client.Close() }
