package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taschat/signaling/internal/gate"
	"github.com/taschat/signaling/internal/matching"
	"github.com/taschat/signaling/internal/messaging"
	"github.com/taschat/signaling/internal/protocol"
	"github.com/taschat/signaling/internal/session"
)

func (h *Hub) createSession(a, b string) (string, error) {
	s, err := h.sessions.Create(a, b)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// onMatch runs on the matcher goroutine; announcing involves oracle calls, so
// it happens elsewhere.
func (h *Hub) onMatch(m matching.Match) {
	go h.announce(m)
}

// announce resolves both balances in parallel, then sends peer_found under the
// session lock, the responder first so it is ready before the initiator's
// offer can arrive. Trials are claimed under the lock so a session that ends
// first costs nobody their trial.
func (h *Hub) announce(m matching.Match) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	a, b := m.A.ConnectionID, m.B.ConnectionID
	var (
		wg         sync.WaitGroup
		balA, balB decimal.Decimal
	)
	wg.Add(2)
	go func() { defer wg.Done(); balA = h.gate.Balance(ctx, a) }()
	go func() { defer wg.Done(); balB = h.gate.Balance(ctx, b) }()
	wg.Wait()

	var audioA, audioB gate.AudioAccess
	err := h.sessions.With(m.SessionID, a, func(s *session.Session) error {
		audioB = h.gate.AudioFor(ctx, b, balB)
		audioA = h.gate.AudioFor(ctx, a, balA)
		h.send(b, peerFound(m.SessionID, m.A, false))
		h.send(b, audioFrame(audioB))
		h.send(a, peerFound(m.SessionID, m.B, true))
		h.send(a, audioFrame(audioA))
		return nil
	})
	if err != nil {
		log.Printf("[hub] session=%s ended before it was announced", m.SessionID)
		return
	}

	h.scheduleTrialEnd(m.SessionID, a, audioA)
	h.scheduleTrialEnd(m.SessionID, b, audioB)

	if h.events != nil {
		if err := h.events.PublishSessionStarted(messaging.SessionStarted{
			SessionID: m.SessionID,
			ConnA:     a,
			ConnB:     b,
			WalletA:   m.A.WalletAddress,
			WalletB:   m.B.WalletAddress,
			Server:    h.serverName,
			Ts:        time.Now(),
		}); err != nil {
			log.Printf("[hub] publish session started %s: %v", m.SessionID, err)
		}
	}
}

func (h *Hub) scheduleTrialEnd(sessionID, connID string, access gate.AudioAccess) {
	if access.Mode != gate.AudioTrial {
		return
	}
	err := h.sessions.Schedule(sessionID, access.Trial, func(*session.Session) {
		h.send(connID, protocol.MustServerMessage(protocol.TypeAudioTrialEnded, protocol.AudioTrialEnded{}))
	})
	if err != nil {
		log.Printf("[hub] session=%s trial timer for %s: %v", sessionID, connID, err)
	}
}

func peerFound(sessionID string, peer matching.QueueEntry, initiator bool) []byte {
	return protocol.MustServerMessage(protocol.TypePeerFound, protocol.PeerFound{
		SessionID:    sessionID,
		PeerID:       peer.ConnectionID,
		PeerWallet:   peer.WalletAddress,
		PeerGender:   peer.Profile.Gender,
		PeerLocation: peer.Profile.Location,
		Initiator:    initiator,
	})
}

func audioFrame(a gate.AudioAccess) []byte {
	return protocol.MustServerMessage(protocol.TypeAudioAccess, protocol.AudioAccess{
		Mode:    string(a.Mode),
		Seconds: int(a.Trial.Seconds()),
	})
}
