package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// BalancePrefix is the Redis key prefix for cached balances.
const BalancePrefix = "balance:"

// HTTPOracle queries a REST balance service:
//
//	GET {base}/balance/{wallet} -> {"balance": "123.45"}
type HTTPOracle struct {
	base   string
	client *http.Client
}

// NewHTTPOracle creates an oracle client with the given request timeout.
func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

// Balance implements Oracle.
func (o *HTTPOracle) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	if o.base == "" {
		return decimal.Zero, errors.New("gate: oracle url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.base+"/balance/"+url.PathEscape(wallet), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("gate: build oracle request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("gate: oracle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("gate: oracle returned status %d", resp.StatusCode)
	}

	var body balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("gate: decode oracle response: %w", err)
	}
	return body.Balance, nil
}

// CachedOracle is a read-through Redis cache in front of another Oracle.
// Cache failures fall through to the inner oracle.
type CachedOracle struct {
	inner  Oracle
	client *redis.Client
	ttl    time.Duration
}

// NewCachedOracle wraps inner with a cache whose entries live for ttl.
func NewCachedOracle(inner Oracle, client *redis.Client, ttl time.Duration) *CachedOracle {
	return &CachedOracle{inner: inner, client: client, ttl: ttl}
}

// Balance implements Oracle.
func (c *CachedOracle) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	key := BalancePrefix + wallet

	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if bal, perr := decimal.NewFromString(cached); perr == nil {
			return bal, nil
		}
		log.Printf("[gate] discarding unparsable cached balance key=%s", key)
	case !errors.Is(err, redis.Nil):
		log.Printf("[gate] balance cache GET error key=%s: %v", key, err)
	}

	bal, err := c.inner.Balance(ctx, wallet)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.client.Set(ctx, key, bal.String(), c.ttl).Err(); err != nil {
		log.Printf("[gate] balance cache SET error key=%s: %v", key, err)
	}
	return bal, nil
}

