// Package registry is the authoritative, in-memory map of live sockets to
// their wallet identity, profile and matchmaking state. Every other component
// refers to connections by id and resolves them here, so a socket that dies
// mid-operation never leaves a dangling reference behind.
package registry

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taschat/signaling/internal/protocol"
)

// State is a connection's position in the matchmaking lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateSearching State = "searching"
	StateInSession State = "in_session"
)

var (
	ErrDuplicateRegistration = errors.New("registry: connection already registered")
	ErrNotRegistered         = errors.New("registry: connection not registered")
	ErrInvalidWallet         = errors.New("registry: wallet address is required")
	ErrAlreadySearching      = errors.New("registry: connection already searching")
	ErrNotSearching          = errors.New("registry: connection not searching")
	ErrInSession             = errors.New("registry: connection is in a session")
	ErrConnectionClosed      = errors.New("registry: connection already closed")
)

// closedRetention is how long removed ids are remembered. A frame that was
// already being handled when its socket closed completes well within it.
const closedRetention = time.Minute

// Profile is what a connection reveals about itself to potential partners.
type Profile struct {
	Gender   string
	Location protocol.Location
}

// Connection is a snapshot of one registered socket. Values returned by the
// registry are copies; mutate only through Registry methods.
type Connection struct {
	ID             string
	WalletAddress  string
	Profile        Profile
	ClaimedBalance decimal.Decimal // client-reported, advisory only
	Filters        protocol.Filters
	State          State
	SessionID      string // non-empty iff State == StateInSession
	RegisteredAt   time.Time
}

// EventKind classifies a registry mutation.
type EventKind string

const (
	EventRegistered   EventKind = "registered"
	EventStateChanged EventKind = "state_changed"
	EventRemoved      EventKind = "removed"
)

// Event describes a mutation. Conn is the connection after the change (or the
// last known value for EventRemoved).
type Event struct {
	Kind EventKind
	Conn Connection
}

// Stats are the presence counters derived from the registry.
type Stats struct {
	Online    int
	Searching int
	ByCountry map[string]int
}

// Registry is a mutex-guarded map of connection id to Connection. Presence
// counters are maintained incrementally on every mutation.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	closed    map[string]time.Time // removed ids, refused by Register
	lastPrune time.Time
	searching int
	byCountry map[string]int
	observer  func(Event)
}

// New creates an empty Registry. observer, if non-nil, is called for every
// mutation while the registry lock is held, so events arrive in mutation
// order. It must not block or call back into the registry.
func New(observer func(Event)) *Registry {
	return &Registry{
		conns:     make(map[string]*Connection),
		closed:    make(map[string]time.Time),
		lastPrune: time.Now(),
		byCountry: make(map[string]int),
		observer:  observer,
	}
}

// notify must be called with r.mu held.
func (r *Registry) notify(kind EventKind, c *Connection) {
	if r.observer != nil {
		r.observer(Event{Kind: kind, Conn: *c})
	}
}

// markClosed must be called with r.mu held.
func (r *Registry) markClosed(id string) {
	now := time.Now()
	r.closed[id] = now
	if now.Sub(r.lastPrune) < closedRetention {
		return
	}
	for k, at := range r.closed {
		if now.Sub(at) >= closedRetention {
			delete(r.closed, k)
		}
	}
	r.lastPrune = now
}

// Register records a new connection under the socket id. Registering the same
// socket twice fails with ErrDuplicateRegistration; registering a socket that
// was already removed fails with ErrConnectionClosed.
func (r *Registry) Register(id, walletAddress string, profile Profile) (string, error) {
	walletAddress = strings.TrimSpace(walletAddress)
	if walletAddress == "" {
		return "", ErrInvalidWallet
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		return "", ErrDuplicateRegistration
	}
	if _, gone := r.closed[id]; gone {
		return "", ErrConnectionClosed
	}
	c := &Connection{
		ID:            id,
		WalletAddress: walletAddress,
		Profile:       profile,
		State:         StateIdle,
		RegisteredAt:  time.Now(),
	}
	r.conns[id] = c
	if country := profile.Location.Country; country != "" {
		r.byCountry[country]++
	}
	r.notify(EventRegistered, c)
	return id, nil
}

// Lookup returns a copy of the connection, if registered.
func (r *Registry) Lookup(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// Remove deletes the connection and returns its last state. It is idempotent
// and always safe to call during teardown. The id can never register again.
func (r *Registry) Remove(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markClosed(id)
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.conns, id)
	if c.State == StateSearching {
		r.searching--
	}
	if country := c.Profile.Location.Country; country != "" {
		r.byCountry[country]--
		if r.byCountry[country] <= 0 {
			delete(r.byCountry, country)
		}
	}
	r.notify(EventRemoved, c)
	return *c, true
}

// BeginSearch moves an idle connection to Searching and stores the filters it
// searches with.
func (r *Registry) BeginSearch(id string, filters protocol.Filters, claimed decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return ErrNotRegistered
	}
	switch c.State {
	case StateSearching:
		return ErrAlreadySearching
	case StateInSession:
		return ErrInSession
	}
	c.State = StateSearching
	c.Filters = filters
	c.ClaimedBalance = claimed
	r.searching++
	r.notify(EventStateChanged, c)
	return nil
}

// EndSearch returns a searching connection to Idle.
func (r *Registry) EndSearch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return ErrNotRegistered
	}
	if c.State != StateSearching {
		return ErrNotSearching
	}
	c.State = StateIdle
	r.searching--
	r.notify(EventStateChanged, c)
	return nil
}

// Bind atomically moves two searching connections into the same session. It
// changes nothing unless both are registered and Searching.
func (r *Registry) Bind(a, b, sessionID string) error {
	if a == b {
		return errors.New("registry: cannot bind a connection to itself")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ca, okA := r.conns[a]
	cb, okB := r.conns[b]
	if !okA || !okB {
		return ErrNotRegistered
	}
	if ca.State != StateSearching || cb.State != StateSearching {
		return ErrNotSearching
	}
	for _, c := range []*Connection{ca, cb} {
		c.State = StateInSession
		c.SessionID = sessionID
	}
	r.searching -= 2
	r.notify(EventStateChanged, ca)
	r.notify(EventStateChanged, cb)
	return nil
}

// Unbind returns a connection to Idle if it is still bound to sessionID. It
// reports whether anything changed.
func (r *Registry) Unbind(id, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.State != StateInSession || c.SessionID != sessionID {
		return false
	}
	c.State = StateIdle
	c.SessionID = ""
	r.notify(EventStateChanged, c)
	return true
}

// Stats returns the current presence counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byCountry := make(map[string]int, len(r.byCountry))
	for k, v := range r.byCountry {
		byCountry[k] = v
	}
	return Stats{
		Online:    len(r.conns),
		Searching: r.searching,
		ByCountry: byCountry,
	}
}

// IDs returns the ids of all registered connections.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	return ids
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}
