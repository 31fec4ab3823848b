// Package presence derives online and searching counts from the connection
// registry and broadcasts them to every registered client. Broadcasts are
// coalesced: any number of registry changes within one interval produce at
// most one broadcast.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/taschat/signaling/internal/metrics"
	"github.com/taschat/signaling/internal/protocol"
	"github.com/taschat/signaling/internal/registry"
)

// DefaultInterval is the minimum spacing between two broadcasts.
const DefaultInterval = 250 * time.Millisecond

// Source is the read side of the registry used to compute snapshots.
type Source interface {
	Stats() registry.Stats
	IDs() []string
}

// Sender delivers a frame to one connection.
type Sender interface {
	Send(connID string, data []byte) error
}

// Publisher fans the snapshot out to other services (e.g. NATS).
type Publisher interface {
	PublishPresence(data []byte) error
}

// Snapshot is the wire form of a presence snapshot published to other
// services.
type Snapshot struct {
	Online    int            `json:"online"`
	Searching int            `json:"searching"`
	ByCountry map[string]int `json:"byCountry"`
	Ts        int64          `json:"ts"`
}

// Aggregator tracks whether presence changed and broadcasts on a fixed
// cadence.
type Aggregator struct {
	source    Source
	sender    Sender
	publisher Publisher
	interval  time.Duration
	dirty     atomic.Bool
}

// New creates an Aggregator. A non-positive interval uses DefaultInterval.
func New(source Source, sender Sender, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{source: source, sender: sender, interval: interval}
}

// SetPublisher attaches an optional cross-service publisher.
func (a *Aggregator) SetPublisher(p Publisher) {
	a.publisher = p
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() registry.Stats {
	return a.source.Stats()
}

// OnChange marks presence as changed. It never blocks.
func (a *Aggregator) OnChange() {
	a.dirty.Store(true)
}

// Run broadcasts at most once per interval while presence is dirty, until ctx
// is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[presence] broadcaster stopped")
			return
		case <-ticker.C:
			a.Flush()
		}
	}
}

// Flush broadcasts immediately if presence changed since the last broadcast.
// It reports whether a broadcast happened.
func (a *Aggregator) Flush() bool {
	if !a.dirty.Swap(false) {
		return false
	}
	a.broadcast(a.source.Stats())
	return true
}

func (a *Aggregator) broadcast(stats registry.Stats) {
	metrics.PresenceBroadcasts.Inc()
	metrics.RegisteredConnections.Set(float64(stats.Online))
	metrics.SearchingConnections.Set(float64(stats.Searching))

	online, err := protocol.NewServerMessage(protocol.TypeOnlineCount, protocol.OnlineCount{
		Count:     stats.Online,
		ByCountry: stats.ByCountry,
	})
	if err != nil {
		log.Printf("[presence] build online_count: %v", err)
		return
	}
	searching, err := protocol.NewServerMessage(protocol.TypeSearchingCount, protocol.SearchingCount{
		Count: stats.Searching,
	})
	if err != nil {
		log.Printf("[presence] build searching_count: %v", err)
		return
	}

	// Write failures are cleaned up by the transport; presence is best-effort.
	for _, id := range a.source.IDs() {
		_ = a.sender.Send(id, online)
		_ = a.sender.Send(id, searching)
	}

	if a.publisher != nil {
		data, _ := json.Marshal(Snapshot{
			Online:    stats.Online,
			Searching: stats.Searching,
			ByCountry: stats.ByCountry,
			Ts:        time.Now().Unix(),
		})
		if err := a.publisher.PublishPresence(data); err != nil {
			log.Printf("[presence] publish snapshot: %v", err)
		}
	}
}
