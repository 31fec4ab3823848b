// Package gate decides which premium features a connection may use. The
// decision is always based on the balance reported by the oracle for the
// wallet bound at registration, never on what the client claims.
package gate

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taschat/signaling/internal/metrics"
	"github.com/taschat/signaling/internal/registry"
)

// AudioMode is the audio entitlement for one call.
type AudioMode string

const (
	AudioUnlimited AudioMode = "unlimited"
	AudioTrial     AudioMode = "trial"
	AudioDenied    AudioMode = "denied"
)

// AudioAccess is the result of AudioFor. Trial is set only for AudioTrial.
type AudioAccess struct {
	Mode  AudioMode
	Trial time.Duration
}

// Oracle reports the token balance of a wallet.
type Oracle interface {
	Balance(ctx context.Context, wallet string) (decimal.Decimal, error)
}

// TrialStore hands out one audio trial per wallet. Claim reports true only the
// first time it is called for a wallet.
type TrialStore interface {
	Claim(ctx context.Context, wallet string) (bool, error)
}

// Lookup resolves a connection id to its registered wallet.
type Lookup interface {
	Lookup(id string) (registry.Connection, bool)
}

// Config holds the gate thresholds.
type Config struct {
	AdvancedFiltersMin decimal.Decimal
	AudioMin           decimal.Decimal
	TrialDuration      time.Duration
}

// DefaultConfig returns the production thresholds: 200 tokens for location
// filters, 1 token for unlimited audio and a 20 second trial otherwise.
func DefaultConfig() Config {
	return Config{
		AdvancedFiltersMin: decimal.NewFromInt(200),
		AudioMin:           decimal.NewFromInt(1),
		TrialDuration:      20 * time.Second,
	}
}

// Gate evaluates feature access for registered connections.
type Gate struct {
	conns  Lookup
	oracle Oracle
	trials TrialStore
	cfg    Config
}

// New creates a Gate.
func New(conns Lookup, oracle Oracle, trials TrialStore, cfg Config) *Gate {
	return &Gate{conns: conns, oracle: oracle, trials: trials, cfg: cfg}
}

// Balance returns the oracle balance for the connection's wallet. Unknown
// connections and oracle failures yield zero.
func (g *Gate) Balance(ctx context.Context, connID string) decimal.Decimal {
	c, ok := g.conns.Lookup(connID)
	if !ok {
		return decimal.Zero
	}
	bal, err := g.oracle.Balance(ctx, c.WalletAddress)
	if err != nil {
		metrics.OracleErrors.Inc()
		log.Printf("[gate] balance lookup failed conn=%s wallet=%s: %v", connID, c.WalletAddress, err)
		return decimal.Zero
	}
	if !c.ClaimedBalance.IsZero() && !c.ClaimedBalance.Equal(bal) {
		log.Printf("[gate] claimed balance mismatch conn=%s claimed=%s oracle=%s", connID, c.ClaimedBalance, bal)
	}
	return bal
}

// CanUseAdvancedFilters reports whether the connection may filter partners by
// location.
func (g *Gate) CanUseAdvancedFilters(ctx context.Context, connID string) bool {
	return g.Balance(ctx, connID).GreaterThanOrEqual(g.cfg.AdvancedFiltersMin)
}

// AudioFor resolves the audio entitlement from a balance already fetched with
// Balance. A balance below AudioMin consumes the wallet's one-time trial if it
// is still available.
func (g *Gate) AudioFor(ctx context.Context, connID string, bal decimal.Decimal) AudioAccess {
	if bal.GreaterThanOrEqual(g.cfg.AudioMin) {
		return AudioAccess{Mode: AudioUnlimited}
	}

	c, ok := g.conns.Lookup(connID)
	if !ok {
		return AudioAccess{Mode: AudioDenied}
	}
	granted, err := g.trials.Claim(ctx, c.WalletAddress)
	if err != nil {
		log.Printf("[gate] trial claim failed wallet=%s: %v", c.WalletAddress, err)
		return AudioAccess{Mode: AudioDenied}
	}
	if !granted {
		return AudioAccess{Mode: AudioDenied}
	}
	return AudioAccess{Mode: AudioTrial, Trial: g.cfg.TrialDuration}
}
