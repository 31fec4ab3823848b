// Package config loads the server configuration from environment variables
// layered over built-in defaults. Invalid values are ignored and the default
// is kept.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taschat/signaling/internal/gate"
	"github.com/taschat/signaling/internal/messaging"
	"github.com/taschat/signaling/internal/moderation"
	"github.com/taschat/signaling/internal/presence"
	"github.com/taschat/signaling/internal/ws"
)

// Config is the complete server configuration.
type Config struct {
	Server     ws.ServerConfig
	Gate       gate.Config
	Moderation moderation.Config

	RedisAddr string
	NATS      messaging.NATSConfig

	DatabaseURL string // empty disables call records

	OracleURL       string
	OracleTimeout   time.Duration
	BalanceCacheTTL time.Duration
	TrialTTL        time.Duration // how long a used audio trial is remembered

	ConnectLimit int // upgrades per IP per minute

	PresenceInterval time.Duration
	ServerName       string
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		Server:           ws.DefaultServerConfig(),
		Gate:             gate.DefaultConfig(),
		Moderation:       moderation.DefaultConfig(),
		RedisAddr:        "localhost:6379",
		NATS:             messaging.DefaultNATSConfig(),
		OracleTimeout:    3 * time.Second,
		BalanceCacheTTL:  30 * time.Second,
		TrialTTL:         30 * 24 * time.Hour,
		ConnectLimit:     20,
		PresenceInterval: presence.DefaultInterval,
		ServerName:       "ws-1",
	}
}

// Load returns Default overridden by environment variables.
func Load() Config {
	c := Default()
	if host, err := os.Hostname(); err == nil && host != "" {
		c.ServerName = host
	}

	envString("LISTEN_ADDR", &c.Server.ListenAddr)
	envInt("WORKER_POOL_SIZE", &c.Server.WorkerPoolSize)
	envInt("MAX_CONNECTIONS", &c.Server.MaxConnections)
	envInt64("MAX_FRAME_BYTES", &c.Server.MaxFrameBytes)
	envDuration("READ_TIMEOUT", &c.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	envDuration("HEARTBEAT_INTERVAL", &c.Server.Heartbeat.Interval)

	envString("REDIS_ADDR", &c.RedisAddr)
	envString("NATS_URL", &c.NATS.URL)
	envString("DATABASE_URL", &c.DatabaseURL)

	envString("ORACLE_URL", &c.OracleURL)
	envDuration("ORACLE_TIMEOUT", &c.OracleTimeout)
	envDuration("BALANCE_CACHE_TTL", &c.BalanceCacheTTL)
	envDuration("AUDIO_TRIAL", &c.Gate.TrialDuration)
	envDecimal("ADVANCED_FILTERS_MIN", &c.Gate.AdvancedFiltersMin)
	envDecimal("AUDIO_MIN", &c.Gate.AudioMin)

	envInt("CHAR_FLOOD_RUN", &c.Moderation.CharFloodRun)
	envInt("WORD_FLOOD_RUN", &c.Moderation.WordFloodRun)

	envInt("CONNECT_LIMIT", &c.ConnectLimit)
	envDuration("PRESENCE_INTERVAL", &c.PresenceInterval)
	envString("SERVER_NAME", &c.ServerName)
	c.NATS.Name = "signaling-" + c.ServerName
	return c
}

// Log prints the effective configuration, one key per line.
func (c Config) Log() {
	log.Printf("  listen_addr:       %s", c.Server.ListenAddr)
	log.Printf("  worker_pool:       %d", c.Server.WorkerPoolSize)
	log.Printf("  max_connections:   %d", c.Server.MaxConnections)
	log.Printf("  max_frame_bytes:   %d", c.Server.MaxFrameBytes)
	log.Printf("  read_timeout:      %s", c.Server.ReadTimeout)
	log.Printf("  write_timeout:     %s", c.Server.WriteTimeout)
	log.Printf("  redis_addr:        %s", c.RedisAddr)
	log.Printf("  nats_url:          %s", c.NATS.URL)
	log.Printf("  call_records:      %v", c.DatabaseURL != "")
	log.Printf("  oracle_url:        %s", c.OracleURL)
	log.Printf("  balance_cache_ttl: %s", c.BalanceCacheTTL)
	log.Printf("  flood_runs:        chars=%d words=%d", c.Moderation.CharFloodRun, c.Moderation.WordFloodRun)
	log.Printf("  connect_limit:     %d/min per ip", c.ConnectLimit)
	log.Printf("  presence_interval: %s", c.PresenceInterval)
	log.Printf("  server_name:       %s", c.ServerName)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

func envDecimal(key string, dst *decimal.Decimal) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && !d.IsNegative() {
			*dst = d
		}
	}
}
