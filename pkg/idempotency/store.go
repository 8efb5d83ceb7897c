package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store records keys that have already been processed so at-least-once
// deliveries (kafka redeliveries, gateway webhook retries) collapse to one
// side effect. Entries expire after the configured TTL.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// CallbackKey identifies a gateway settlement callback. Keyed on intent and
// outcome rather than delivery metadata, so the same outcome redelivered on a
// different partition still dedupes.
func (s *Store) CallbackKey(intentID, outcome string) string {
	return fmt.Sprintf("idem:cb:%s:%s", intentID, outcome)
}

// Seen marks the key and reports whether it was already present.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Forget removes the key. Callers that marked a key and then failed to apply
// the side effect must forget it, or the redelivery would be skipped as a
// duplicate and the effect lost.
func (s *Store) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
