// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Each action (chat, search, connection) is throttled per
// connection or per IP so that one abusive client cannot flood the relay or
// churn the match queue.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:chat:", "rl:search:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Rate limiting rules.
var (
	// RuleSearch allows 10 search requests per minute per connection.
	RuleSearch = Rule{Key: "rl:search:", Limit: 10, Window: 1 * time.Minute}

	// RuleChat allows 20 chat messages or images per 10 seconds per connection.
	RuleChat = Rule{Key: "rl:chat:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect allows 20 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // time until the window resets; zero when allowed
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one request for identifier under rule. INCR and EXPIRE NX run
// in one transaction so a key can never be left without a TTL.
//
// On Redis errors the method fails open (Allowed is true) so that a Redis
// outage does not block legitimate traffic; the error is still returned for
// logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rule.Window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[ratelimit] redis error key=%s: %v (failing open)", key, err)
		return Decision{Allowed: true}, err
	}

	if int(incr.Val()) <= rule.Limit {
		return Decision{Allowed: true}, nil
	}

	retry := ttl.Val()
	if retry <= 0 {
		retry = rule.Window
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

// Reset clears the identifier's counters for the given rules, e.g. when a
// connection closes.
func (l *Limiter) Reset(ctx context.Context, identifier string, rules ...Rule) error {
	if len(rules) == 0 {
		return nil
	}
	keys := make([]string, len(rules))
	for i, r := range rules {
		keys[i] = r.Key + identifier
	}
	return l.client.Del(ctx, keys...).Err()
}
