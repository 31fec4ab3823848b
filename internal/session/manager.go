// Package session owns the lifecycle of two-party call sessions: creation from
// a match, the Signaling -> Active -> Ended state machine, delayed tasks tied
// to a session, and idempotent teardown.
//
// Locking: the Manager mutex guards the session table; each Session has its
// own mutex guarding its fields. The Manager mutex is never held while a
// Session mutex is taken.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taschat/signaling/internal/metrics"
)

// State is a session's lifecycle stage.
type State string

const (
	StateSignaling State = "signaling"
	StateActive    State = "active"
	StateEnded     State = "ended"
)

// End reasons.
const (
	ReasonDisconnect = "disconnect"
	ReasonEndCall    = "end_call"
	ReasonNext       = "next"
	ReasonClosed     = "connection_closed"
	ReasonBanned     = "banned"
	ReasonShutdown   = "shutdown"
)

// ErrSessionNotFound is returned when the session is gone, ended, or the
// caller is not one of its participants.
var ErrSessionNotFound = errors.New("session: not found")

// Binder moves registry connections in and out of a session.
type Binder interface {
	Bind(a, b, sessionID string) error
	Unbind(id, sessionID string) bool
}

// Endpoint is one participant's signaling state.
type Endpoint struct {
	ConnID               string
	HasRemoteDescription bool
	PendingICE           [][]byte
}

// Session is a live pairing of two connections. Fields are guarded by the
// session lock; access them only inside Manager.With or a scheduled task.
type Session struct {
	ID          string
	A           Endpoint // initiator, creates the offer
	B           Endpoint
	State       State
	CreatedAt   time.Time
	ActivatedAt time.Time

	ChatSinceImage int
	ImageShared    bool
	ChatMessages   int
	ImagesShared   int

	mu     sync.Mutex
	timers []*time.Timer
}

// Endpoint returns the participant with the given connection id.
func (s *Session) Endpoint(connID string) *Endpoint {
	switch connID {
	case s.A.ConnID:
		return &s.A
	case s.B.ConnID:
		return &s.B
	}
	return nil
}

// Peer returns the participant opposite connID.
func (s *Session) Peer(connID string) *Endpoint {
	switch connID {
	case s.A.ConnID:
		return &s.B
	case s.B.ConnID:
		return &s.A
	}
	return nil
}

// Activate moves a Signaling session to Active. It reports whether the state
// changed.
func (s *Session) Activate() bool {
	if s.State != StateSignaling {
		return false
	}
	s.State = StateActive
	s.ActivatedAt = time.Now()
	return true
}

// Ended summarizes a session that was torn down.
type Ended struct {
	ID          string
	A, B        string
	Leaver      string // empty when neither side initiated the end
	Reason      string
	Survivors   []string
	CreatedAt   time.Time
	ActivatedAt time.Time
	EndedAt     time.Time

	ChatMessages int
	ImagesShared int
}

// Manager is the session table.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byConn   map[string]string
	binder   Binder
}

// NewManager creates an empty Manager.
func NewManager(binder Binder) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		byConn:   make(map[string]string),
		binder:   binder,
	}
}

// Create binds a and b into a new Signaling session. a is the initiator.
func (m *Manager) Create(a, b string) (*Session, error) {
	id := uuid.New().String()
	if err := m.binder.Bind(a, b, id); err != nil {
		return nil, fmt.Errorf("session: bind %s/%s: %w", a, b, err)
	}

	s := &Session{
		ID:        id,
		A:         Endpoint{ConnID: a},
		B:         Endpoint{ConnID: b},
		State:     StateSignaling,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.byConn[a] = id
	m.byConn[b] = id
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()
	return s, nil
}

// SessionOf returns the live session id a connection participates in.
func (m *Manager) SessionOf(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byConn[connID]
	return id, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// With runs fn under the session lock if the session is live and connID is one
// of its participants.
func (m *Manager) With(sessionID, connID string, fn func(s *Session) error) error {
	s := m.get(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == StateEnded || s.Endpoint(connID) == nil {
		return ErrSessionNotFound
	}
	return fn(s)
}

// WithConn is With for the session connID currently participates in.
func (m *Manager) WithConn(connID string, fn func(s *Session) error) error {
	sessionID, ok := m.SessionOf(connID)
	if !ok {
		return ErrSessionNotFound
	}
	return m.With(sessionID, connID, fn)
}

// Schedule runs fn after delay under the session lock, unless the session has
// ended by then. Pending tasks are cancelled on teardown.
func (m *Manager) Schedule(sessionID string, delay time.Duration, fn func(s *Session)) error {
	s := m.get(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == StateEnded {
		return ErrSessionNotFound
	}

	t := time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.State == StateEnded {
			return
		}
		fn(s)
	})
	s.timers = append(s.timers, t)
	return nil
}

// End tears the session down. Only the first call for a session reports true;
// later calls are no-ops. Survivors lists the participants other than leaver,
// each of which the caller should notify exactly once.
func (m *Manager) End(sessionID, leaver, reason string) (Ended, bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Ended{}, false
	}
	delete(m.sessions, sessionID)
	for _, id := range []string{s.A.ConnID, s.B.ConnID} {
		if m.byConn[id] == sessionID {
			delete(m.byConn, id)
		}
	}
	m.mu.Unlock()

	s.mu.Lock()
	s.State = StateEnded
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.A.PendingICE = nil
	s.B.PendingICE = nil
	ended := Ended{
		ID:           s.ID,
		A:            s.A.ConnID,
		B:            s.B.ConnID,
		Leaver:       leaver,
		Reason:       reason,
		CreatedAt:    s.CreatedAt,
		ActivatedAt:  s.ActivatedAt,
		EndedAt:      time.Now(),
		ChatMessages: s.ChatMessages,
		ImagesShared: s.ImagesShared,
	}
	s.mu.Unlock()

	for _, id := range []string{ended.A, ended.B} {
		m.binder.Unbind(id, sessionID)
		if id != leaver {
			ended.Survivors = append(ended.Survivors, id)
		}
	}

	metrics.ActiveSessions.Dec()
	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	metrics.SessionDuration.Observe(ended.EndedAt.Sub(ended.CreatedAt).Seconds())
	return ended, true
}

// EndFor ends the session connID participates in, with connID as the leaver.
func (m *Manager) EndFor(connID, reason string) (Ended, bool) {
	sessionID, ok := m.SessionOf(connID)
	if !ok {
		return Ended{}, false
	}
	return m.End(sessionID, connID, reason)
}

// EndAll ends every live session. Used on shutdown.
func (m *Manager) EndAll(reason string) []Ended {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var out []Ended
	for _, id := range ids {
		if e, ok := m.End(id, "", reason); ok {
			out = append(out, e)
		}
	}
	return out
}
