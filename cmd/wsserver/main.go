package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taschat/signaling/internal/ban"
	"github.com/taschat/signaling/internal/callrecord"
	"github.com/taschat/signaling/internal/config"
	"github.com/taschat/signaling/internal/gate"
	"github.com/taschat/signaling/internal/hub"
	"github.com/taschat/signaling/internal/messaging"
	"github.com/taschat/signaling/internal/moderation"
	"github.com/taschat/signaling/internal/presence"
	"github.com/taschat/signaling/internal/ratelimit"
	"github.com/taschat/signaling/internal/registry"
	"github.com/taschat/signaling/internal/session"
	"github.com/taschat/signaling/internal/ws"
)

func main() {
	cfg := config.Load()

	log.Printf("Signaling server starting")
	cfg.Log()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	pingCancel()
	log.Printf("connected to Redis at %s", cfg.RedisAddr)

	// --- NATS (optional) ---
	natsClient, err := messaging.NewNATSClient(cfg.NATS)
	if err != nil {
		log.Printf("NATS unavailable, running without cross-service events: %v", err)
		natsClient = nil
	}

	// --- Call records (optional) ---
	var recorder *callrecord.Recorder
	if cfg.DatabaseURL != "" {
		db, err := callrecord.Open(ctx, cfg.DatabaseURL, 10)
		if err != nil {
			log.Fatalf("failed to open call record database: %v", err)
		}
		defer db.Close()
		if err := callrecord.Migrate(db); err != nil {
			log.Fatalf("failed to migrate call record database: %v", err)
		}
		recorder = callrecord.NewRecorder(callrecord.NewStore(db), 1024)
	}

	// --- Registry, mirror and presence ---
	mirror := registry.NewRedisMirror(rdb, cfg.ServerName, 1024)
	var agg *presence.Aggregator
	reg := registry.New(func(ev registry.Event) {
		mirror.Apply(ev)
		if agg != nil {
			agg.OnChange()
		}
	})

	// --- Entitlements ---
	if cfg.OracleURL == "" {
		log.Printf("ORACLE_URL not set, every wallet is treated as holding no tokens")
	}
	oracle := gate.NewCachedOracle(gate.NewHTTPOracle(cfg.OracleURL, cfg.OracleTimeout), rdb, cfg.BalanceCacheTTL)
	trials := gate.NewRedisTrialStore(rdb, cfg.TrialTTL)
	g := gate.New(reg, oracle, trials, cfg.Gate)

	sessions := session.NewManager(reg)
	limiter := ratelimit.NewLimiter(rdb)
	bans := ban.NewStore(rdb)

	var h *hub.Hub
	server := ws.NewServer(cfg.Server, func(c *ws.Connection, data []byte) {
		h.Handle(c.ID, data)
	})

	deps := hub.Deps{
		Registry:   reg,
		Sessions:   sessions,
		Gate:       g,
		Sender:     server,
		Filter:     moderation.New(cfg.Moderation),
		Limiter:    limiter,
		Bans:       bans,
		ServerName: cfg.ServerName,
	}
	if natsClient != nil {
		deps.Events = natsClient
	}
	if recorder != nil {
		deps.Records = recorder
	}
	h = hub.New(deps)

	server.SetOnDisconnect(h.Disconnect)
	connectRule := ratelimit.RuleConnect
	connectRule.Limit = cfg.ConnectLimit
	server.SetAdmit(func(ip string) bool {
		actx, acancel := context.WithTimeout(ctx, time.Second)
		defer acancel()
		d, err := limiter.Allow(actx, ip, connectRule)
		if err != nil {
			log.Printf("connect rate limit check for %s: %v", ip, err)
		}
		return d.Allowed
	})

	server.SetStats(func() map[string]int {
		return map[string]int{
			"registered": reg.Count(),
			"searching":  h.QueueSize(),
			"sessions":   sessions.Count(),
		}
	})

	agg = presence.New(reg, server, cfg.PresenceInterval)
	if natsClient != nil {
		agg.SetPublisher(natsClient)
		if err := natsClient.SubscribeBans(h.KickWallet); err != nil {
			log.Printf("subscribe to ban notices: %v", err)
		}
	}

	go mirror.Run(ctx)
	go agg.Run(ctx)
	go h.Run(ctx)
	if recorder != nil {
		go recorder.Run(ctx)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		h.Shutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}

		cancel()
		if recorder != nil {
			select {
			case <-recorder.Done():
			case <-shutdownCtx.Done():
				log.Printf("call records not fully flushed")
			}
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
