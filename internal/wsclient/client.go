// Package wsclient is a small signaling client used by the load test tool and
// by end-to-end tests. It connects with gobwas/ws (the same library the server
// uses), keeps every received frame for later inspection and tracks
// per-connection timing.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrClosed is returned by Wait once the connection is gone.
var ErrClosed = errors.New("wsclient: connection closed")

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	RegisterLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user connection.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	connID   string
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	received map[string][]json.RawMessage
	consumed map[string]int
	arrived  chan struct{} // closed and replaced on every frame

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url (e.g. ws://localhost:8080/ws) and starts the read loop.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		received: make(map[string][]json.RawMessage),
		consumed: make(map[string]int),
		arrived:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send marshals msg and writes it as one text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsclient: marshal: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes data as one text frame.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	err := wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// Register sends register for wallet and waits for registration_confirmed.
func (c *Client) Register(ctx context.Context, wallet, gender, country string) error {
	start := time.Now()
	err := c.Send(map[string]string{
		"type":          "register",
		"walletAddress": wallet,
		"gender":        gender,
		"country":       country,
	})
	if err != nil {
		return err
	}

	raw, err := c.Wait(ctx, "registration_confirmed")
	if err != nil {
		return err
	}
	var msg struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("wsclient: registration_confirmed: %w", err)
	}

	c.mu.Lock()
	c.connID = msg.ConnectionID
	c.metrics.RegisterLatency = time.Since(start)
	c.mu.Unlock()
	return nil
}

// On registers a handler for a server message type. Handlers run on the read
// loop and should not block; a second handler for the same type replaces the
// first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Wait returns the next not yet consumed frame of msgType, blocking until one
// arrives, the context ends or the connection closes.
func (c *Client) Wait(ctx context.Context, msgType string) (json.RawMessage, error) {
	for {
		c.mu.Lock()
		if i := c.consumed[msgType]; i < len(c.received[msgType]) {
			c.consumed[msgType] = i + 1
			raw := c.received[msgType][i]
			c.mu.Unlock()
			return raw, nil
		}
		arrived := c.arrived
		c.mu.Unlock()

		select {
		case <-arrived:
		case <-c.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Received returns how many frames of msgType have arrived so far.
func (c *Client) Received(msgType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received[msgType])
}

// ConnectionID is the id from registration_confirmed, empty before Register.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			c.mu.Lock()
			if !errors.Is(err, net.ErrClosed) {
				c.metrics.Errors++
			}
			c.mu.Unlock()
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.received[envelope.Type] = append(c.received[envelope.Type], json.RawMessage(data))
		close(c.arrived)
		c.arrived = make(chan struct{})
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
