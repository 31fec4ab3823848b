// Package messaging provides a NATS client wrapper for the events the
// signaling server shares with sibling services: presence snapshots, session
// lifecycle, moderation flags and cluster-wide ban notices.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects published or consumed by the signaling server.
const (
	SubjectPresence       = "signal.presence"
	SubjectSessionStarted = "signal.session.started"
	SubjectSessionEnded   = "signal.session.ended"
	SubjectFlagged        = "signal.moderation.flagged"
	SubjectBan            = "signal.ban"
)

// SessionStarted is published when two connections are paired.
type SessionStarted struct {
	SessionID string    `json:"session_id"`
	ConnA     string    `json:"conn_a"`
	ConnB     string    `json:"conn_b"`
	WalletA   string    `json:"wallet_a"`
	WalletB   string    `json:"wallet_b"`
	Server    string    `json:"server"`
	Ts        time.Time `json:"ts"`
}

// SessionEnded is published once per torn-down session.
type SessionEnded struct {
	SessionID    string    `json:"session_id"`
	Reason       string    `json:"reason"`
	Leaver       string    `json:"leaver,omitempty"`
	Activated    bool      `json:"activated"`
	DurationMs   int64     `json:"duration_ms"`
	ChatMessages int       `json:"chat_messages"`
	ImagesShared int       `json:"images_shared"`
	Server       string    `json:"server"`
	Ts           time.Time `json:"ts"`
}

// BanNotice tells every server to drop connections of a banned wallet.
type BanNotice struct {
	Wallet   string `json:"wallet"`
	Reason   string `json:"reason"`
	Duration int    `json:"duration"` // seconds
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "signaling",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c *NATSClient) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishPresence publishes an encoded presence snapshot.
func (c *NATSClient) PublishPresence(data []byte) error {
	return c.Publish(SubjectPresence, data)
}

// PublishSessionStarted publishes a session start event.
func (c *NATSClient) PublishSessionStarted(ev SessionStarted) error {
	return c.publishJSON(SubjectSessionStarted, ev)
}

// PublishSessionEnded publishes a session end event.
func (c *NATSClient) PublishSessionEnded(ev SessionEnded) error {
	return c.publishJSON(SubjectSessionEnded, ev)
}

// PublishFlagged publishes a moderation event. v is marshalled as JSON.
func (c *NATSClient) PublishFlagged(v interface{}) error {
	return c.publishJSON(SubjectFlagged, v)
}

// PublishBan announces a ban to every server.
func (c *NATSClient) PublishBan(n BanNotice) error {
	return c.publishJSON(SubjectBan, n)
}

// SubscribeBans delivers ban notices published by any server, this one
// included. Malformed notices are logged and skipped.
func (c *NATSClient) SubscribeBans(handler func(BanNotice)) error {
	return c.Subscribe(SubjectBan, func(msg *nats.Msg) {
		var n BanNotice
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			log.Printf("[nats] bad ban notice: %v", err)
			return
		}
		handler(n)
	})
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
