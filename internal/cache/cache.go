// Package cache provides the short-lived key/value store used for courier
// quote caching, sweep leadership and webhook de-duplication.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Unlock releases a lock taken with TryLock.
type Unlock func(ctx context.Context) error

// Store is implemented by the redis and in-process backends.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// TryLock takes key for at most ttl. ok is false when another holder has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock Unlock, ok bool, err error)
}

// GetJSON decodes a cached JSON value. found is false on a miss.
func GetJSON(ctx context.Context, store Store, key string, dest any) (bool, error) {
	raw, found, err := store.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON encodes value as JSON and caches it.
func SetJSON(ctx context.Context, store Store, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, raw, ttl)
}
