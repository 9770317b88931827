package session

import (
	"context"

	"github.com/gibme-npm/port-forwarder/internal/obs"
)

// Store keeps the set of active sessions. Entries never expire on their own;
// they live exactly as long as the relay that created them.
type Store interface {
	// Set inserts or overwrites the session stored under key.
	Set(ctx context.Context, key string, s Session) error
	// Del removes key. Removing an absent key is not an error.
	Del(ctx context.Context, key string) error
	// List returns a snapshot of the stored sessions in no particular order.
	List(ctx context.Context) ([]Session, error)
}

// NewStore creates either an in-memory or Redis-backed store.
func NewStore(ctx context.Context, redisAddr, redisPassword string, redisDB int, hashKey string) (Store, error) {
	if redisAddr == "" {
		obs.Info("session.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(), nil
	}
	obs.Info("session.backend", obs.Fields{"type": "redis", "addr": redisAddr, "key": hashKey})
	return NewRedisStore(ctx, redisAddr, redisPassword, redisDB, hashKey)
}
