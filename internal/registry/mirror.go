package registry

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MirrorPrefix is the Redis key prefix for mirrored connection hashes.
	MirrorPrefix = "conn:"

	// MirrorTTL bounds how long a mirrored hash outlives a crashed server.
	MirrorTTL = 1 * time.Hour

	mirrorWriteTimeout = 3 * time.Second
)

// RedisMirror copies registry events into Redis hashes so operators and
// sibling services can see who is online on which server. The in-memory
// registry stays authoritative; the mirror is best-effort.
//
//	Key:    conn:<id>
//	Fields: id, wallet, state, session_id, country, server, last_active
type RedisMirror struct {
	client     *redis.Client
	serverName string
	events     chan Event
}

// NewRedisMirror creates a mirror with a bounded event buffer.
func NewRedisMirror(client *redis.Client, serverName string, buffer int) *RedisMirror {
	if buffer <= 0 {
		buffer = 1024
	}
	return &RedisMirror{
		client:     client,
		serverName: serverName,
		events:     make(chan Event, buffer),
	}
}

// Apply queues an event without blocking. Events are dropped when the buffer
// is full.
func (m *RedisMirror) Apply(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Printf("[mirror] buffer full, dropping %s event for %s", ev.Kind, ev.Conn.ID)
	}
}

// Run writes queued events to Redis in order until ctx is cancelled.
func (m *RedisMirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Println("[mirror] stopped")
			return
		case ev := <-m.events:
			wctx, cancel := context.WithTimeout(ctx, mirrorWriteTimeout)
			if err := m.write(wctx, ev); err != nil {
				log.Printf("[mirror] %s %s: %v", ev.Kind, ev.Conn.ID, err)
			}
			cancel()
		}
	}
}

func (m *RedisMirror) write(ctx context.Context, ev Event) error {
	key := MirrorPrefix + ev.Conn.ID

	if ev.Kind == EventRemoved {
		return m.client.Del(ctx, key).Err()
	}

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          ev.Conn.ID,
		"wallet":      ev.Conn.WalletAddress,
		"state":       string(ev.Conn.State),
		"session_id":  ev.Conn.SessionID,
		"country":     ev.Conn.Profile.Location.Country,
		"server":      m.serverName,
		"last_active": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, MirrorTTL)
	_, err := pipe.Exec(ctx)
	return err
}
