// Package matching pairs searching connections. A single goroutine owns the
// queue: searches, cancellations, disconnects and the periodic sweep are all
// serialized through it, so a connection can never be paired twice or paired
// after it left.
package matching

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taschat/signaling/internal/metrics"
	"github.com/taschat/signaling/internal/protocol"
	"github.com/taschat/signaling/internal/registry"
)

// ErrStopped is returned when the matcher is no longer running.
var ErrStopped = errors.New("matching: matcher stopped")

// Registry is the subset of the connection registry the matcher drives.
type Registry interface {
	Lookup(id string) (registry.Connection, bool)
	BeginSearch(id string, filters protocol.Filters, claimed decimal.Decimal) error
	EndSearch(id string) error
}

// CreateFunc binds two searching connections into a new session and returns
// its id. a is the older entry and becomes the offer initiator.
type CreateFunc func(a, b string) (string, error)

// Match describes a freshly created session.
type Match struct {
	SessionID string
	A         QueueEntry // initiator
	B         QueueEntry
}

type requestKind int

const (
	reqSearch requestKind = iota
	reqStop
	reqRemove
)

type request struct {
	kind    requestKind
	id      string
	filters protocol.Filters
	claimed decimal.Decimal
	reply   chan error
}

// Matcher is the single writer of the match queue.
type Matcher struct {
	queue    *Queue
	reg      Registry
	create   CreateFunc
	onMatch  func(Match)
	requests chan request
	done     chan struct{}
	size     atomic.Int64
	sweep    time.Duration
}

// NewMatcher creates a Matcher. onMatch runs on the matcher goroutine and must
// not call back into the Matcher synchronously.
func NewMatcher(reg Registry, create CreateFunc, onMatch func(Match)) *Matcher {
	return &Matcher{
		queue:    NewQueue(),
		reg:      reg,
		create:   create,
		onMatch:  onMatch,
		requests: make(chan request, 256),
		done:     make(chan struct{}),
		sweep:    cleanupInterval,
	}
}

// Run processes requests until ctx is cancelled.
func (m *Matcher) Run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	log.Println("[matcher] started")
	for {
		select {
		case <-ctx.Done():
			log.Println("[matcher] stopped")
			return
		case req := <-m.requests:
			req.reply <- m.handle(req)
		case <-ticker.C:
			m.cleanStaleEntries()
		}
	}
}

// Search moves the connection to Searching with the given filters and runs a
// matching pass.
func (m *Matcher) Search(ctx context.Context, id string, filters protocol.Filters, claimed decimal.Decimal) error {
	return m.do(ctx, request{kind: reqSearch, id: id, filters: filters, claimed: claimed})
}

// StopSearch takes the connection out of the queue and back to Idle. It
// returns registry.ErrNotSearching if the connection was not searching.
func (m *Matcher) StopSearch(ctx context.Context, id string) error {
	return m.do(ctx, request{kind: reqStop, id: id})
}

// Remove drops a disconnected connection's queue entry, if any.
func (m *Matcher) Remove(ctx context.Context, id string) error {
	return m.do(ctx, request{kind: reqRemove, id: id})
}

// QueueSize returns the queue length as of the last mutation.
func (m *Matcher) QueueSize() int {
	return int(m.size.Load())
}

func (m *Matcher) do(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)

	select {
	case m.requests <- req:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Matcher) handle(req request) error {
	defer m.updateSize()

	switch req.kind {
	case reqSearch:
		if err := m.reg.BeginSearch(req.id, req.filters, req.claimed); err != nil {
			return err
		}
		c, ok := m.reg.Lookup(req.id)
		if !ok {
			return registry.ErrNotRegistered
		}
		m.queue.Enqueue(QueueEntry{
			ConnectionID:  c.ID,
			WalletAddress: c.WalletAddress,
			Profile:       c.Profile,
			Filters:       req.filters,
			EnqueuedAt:    time.Now(),
		})
		log.Printf("[matcher] enqueued %s filters=%+v (queue size: %d)", req.id, req.filters, m.queue.Size())
		m.pass()
		return nil

	case reqStop:
		m.queue.Dequeue(req.id)
		return m.reg.EndSearch(req.id)

	case reqRemove:
		if m.queue.Dequeue(req.id) {
			log.Printf("[matcher] dequeued %s (disconnected)", req.id)
		}
		return nil
	}
	return nil
}

// pass walks the queue oldest first and pairs each unmatched entry with the
// oldest compatible partner.
func (m *Matcher) pass() {
	entries := m.queue.Entries()
	gone := make(map[string]bool, len(entries))

	for i := range entries {
		x := entries[i]
		if gone[x.ConnectionID] {
			continue
		}
		for j := range entries {
			y := entries[j]
			if j == i || gone[y.ConnectionID] || !Compatible(x, y) {
				continue
			}

			a, b := x, y
			if y.EnqueuedAt.Before(x.EnqueuedAt) {
				a, b = y, x
			}
			sessionID, err := m.create(a.ConnectionID, b.ConnectionID)
			if err != nil {
				log.Printf("[matcher] bind %s/%s failed: %v", a.ConnectionID, b.ConnectionID, err)
				m.dropIfStale(a.ConnectionID, gone)
				m.dropIfStale(b.ConnectionID, gone)
				if gone[x.ConnectionID] {
					break
				}
				continue
			}

			m.queue.Dequeue(a.ConnectionID)
			m.queue.Dequeue(b.ConnectionID)
			gone[a.ConnectionID] = true
			gone[b.ConnectionID] = true

			now := time.Now()
			metrics.MatchWait.Observe(now.Sub(a.EnqueuedAt).Seconds())
			metrics.MatchWait.Observe(now.Sub(b.EnqueuedAt).Seconds())
			log.Printf("[matcher] matched session=%s a=%s b=%s", sessionID, a.ConnectionID, b.ConnectionID)

			if m.onMatch != nil {
				m.onMatch(Match{SessionID: sessionID, A: a, B: b})
			}
			break
		}
	}
}

// dropIfStale removes a queue entry whose connection is gone or no longer
// searching.
func (m *Matcher) dropIfStale(id string, gone map[string]bool) {
	c, ok := m.reg.Lookup(id)
	if ok && c.State == registry.StateSearching {
		return
	}
	m.queue.Dequeue(id)
	gone[id] = true
}

func (m *Matcher) updateSize() {
	n := m.queue.Size()
	m.size.Store(int64(n))
	metrics.MatchQueueSize.Set(float64(n))
}
