// Package ban provides wallet-based ban management backed by Redis. Ban
// records are stored as simple key-value pairs with TTL-based expiry:
//
//	Key:   ban:<wallet>
//	Value: <reason>
//	TTL:   ban duration
//
// Moderation strikes accumulate under strikes:<wallet>; every
// StrikeThreshold strikes within StrikesTTL turn into a ban whose length
// escalates with the number of bans already served.
package ban

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix     = "ban:"
	StrikesPrefix = "strikes:"
	OffensePrefix = "offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st ban
	Ban1Hour  = 1 * time.Hour    // 2nd ban
	Ban24Hour = 24 * time.Hour   // 3rd+ ban

	// StrikesTTL is how long the strike counter lives. The window starts at
	// the first strike and does not slide.
	StrikesTTL = 24 * time.Hour

	// OffenseTTL is how long served bans count towards escalation.
	OffenseTTL = 7 * 24 * time.Hour

	// StrikeThreshold is the number of strikes within StrikesTTL that
	// triggers a ban.
	StrikeThreshold = 3
)

// Status describes a wallet's current ban.
type Status struct {
	Banned    bool
	Remaining time.Duration
	Reason    string
}

// StrikeResult is returned by Strike.
type StrikeResult struct {
	Strikes  int           // strikes in the current window, after this one
	Banned   bool          // this strike triggered a ban
	Duration time.Duration // ban length when Banned
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func walletKey(prefix, wallet string) string {
	return prefix + strings.ToLower(strings.TrimSpace(wallet))
}

// IsBanned reports whether wallet is currently banned. Redis errors are
// returned so callers can decide how to handle them (the server fails open).
func (s *Store) IsBanned(ctx context.Context, wallet string) (Status, error) {
	key := walletKey(BanPrefix, wallet)

	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.TTL(ctx, key)
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: lookup %s: %w", key, err)
	}

	st := Status{Banned: true, Reason: get.Val()}
	if d := ttl.Val(); d > 0 {
		st.Remaining = d
	}
	return st, nil
}

// Ban bans wallet for duration with the given reason.
func (s *Store) Ban(ctx context.Context, wallet string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, walletKey(BanPrefix, wallet), reason, duration).Err()
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, wallet string) error {
	return s.client.Del(ctx, walletKey(BanPrefix, wallet)).Err()
}

// escalationDuration returns the ban duration for the nth ban.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// Offenses returns how many bans wallet has received within OffenseTTL.
func (s *Store) Offenses(ctx context.Context, wallet string) (int, error) {
	n, err := s.client.Get(ctx, walletKey(OffensePrefix, wallet)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Escalate records an offense and bans wallet for a duration that grows with
// the number of offenses:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
func (s *Store) Escalate(ctx context.Context, wallet, reason string) (time.Duration, error) {
	key := walletKey(OffensePrefix, wallet)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, OffenseTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ban: escalate %s: %w", key, err)
	}

	duration := escalationDuration(int(incr.Val()))
	if err := s.Ban(ctx, wallet, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}
	return duration, nil
}

// Strike records a moderation strike against wallet. Reaching
// StrikeThreshold resets the counter and escalates to a ban.
func (s *Store) Strike(ctx context.Context, wallet, reason string) (StrikeResult, error) {
	key := walletKey(StrikesPrefix, wallet)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, StrikesTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return StrikeResult{}, fmt.Errorf("ban: strike %s: %w", key, err)
	}

	res := StrikeResult{Strikes: int(incr.Val())}
	if res.Strikes < StrikeThreshold {
		return res, nil
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return res, fmt.Errorf("ban: strike reset: %w", err)
	}
	d, err := s.Escalate(ctx, wallet, reason)
	if err != nil {
		return res, err
	}
	res.Banned = true
	res.Duration = d
	return res, nil
}
