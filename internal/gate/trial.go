package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TrialPrefix is the Redis key prefix recording consumed audio trials.
const TrialPrefix = "trial:audio:"

// RedisTrialStore records trial usage with SETNX so concurrent claims for the
// same wallet grant at most one trial.
//
//	Key:   trial:audio:<wallet>
//	Value: unix time the trial was claimed
type RedisTrialStore struct {
	client *redis.Client
	ttl    time.Duration // 0 keeps the marker forever
}

// NewRedisTrialStore creates a trial store.
func NewRedisTrialStore(client *redis.Client, ttl time.Duration) *RedisTrialStore {
	return &RedisTrialStore{client: client, ttl: ttl}
}

// Claim implements TrialStore.
func (s *RedisTrialStore) Claim(ctx context.Context, wallet string) (bool, error) {
	ok, err := s.client.SetNX(ctx, TrialPrefix+wallet, time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("gate: claim trial: %w", err)
	}
	return ok, nil
}

