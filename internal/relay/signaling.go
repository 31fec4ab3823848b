// Package relay forwards in-session traffic between the two participants of a
// session: WebRTC signaling frames verbatim, and chat text and images subject
// to validation, moderation and the post-image message cap.
//
// Every decision and write for a session happens under that session's lock,
// so frames from one sender reach the peer in the order they were received.
package relay

import (
	"errors"
	"log"

	"github.com/taschat/signaling/internal/metrics"
	"github.com/taschat/signaling/internal/protocol"
	"github.com/taschat/signaling/internal/session"
)

// MaxPendingICE bounds the candidates buffered per endpoint while it waits for
// its remote description.
const MaxPendingICE = 64

var (
	ErrMessageLimitReached = errors.New("relay: message limit reached")
	ErrImageTooLarge       = errors.New("relay: image too large")
	ErrInvalidMessage      = errors.New("relay: invalid message")
	ErrBlocked             = errors.New("relay: message blocked")
)

// Sender delivers a frame to one connection.
type Sender interface {
	Send(connID string, data []byte) error
}

// Sessions is the part of the session manager the relay needs.
type Sessions interface {
	WithConn(connID string, fn func(s *session.Session) error) error
}

// Signaling relays offer, answer and ice-candidate frames.
type Signaling struct {
	sessions Sessions
	sender   Sender
}

// NewSignaling creates a signaling relay.
func NewSignaling(sessions Sessions, sender Sender) *Signaling {
	return &Signaling{sessions: sessions, sender: sender}
}

// Offer forwards an SDP offer to the peer. The first offer activates the
// session.
func (r *Signaling) Offer(from string, raw []byte) error {
	return r.sessions.WithConn(from, func(s *session.Session) error {
		if s.Activate() {
			log.Printf("[relay] session=%s active", s.ID)
		}
		return r.deliverSDP(s, from, protocol.TypeOffer, raw)
	})
}

// Answer forwards an SDP answer to the peer.
func (r *Signaling) Answer(from string, raw []byte) error {
	return r.sessions.WithConn(from, func(s *session.Session) error {
		return r.deliverSDP(s, from, protocol.TypeAnswer, raw)
	})
}

// ICECandidate forwards a candidate to the peer, or buffers it until the peer
// has a remote description.
func (r *Signaling) ICECandidate(from string, raw []byte) error {
	return r.sessions.WithConn(from, func(s *session.Session) error {
		peer := s.Peer(from)
		if !peer.HasRemoteDescription {
			if len(peer.PendingICE) >= MaxPendingICE {
				metrics.RelayDropped.WithLabelValues("ice_overflow").Inc()
				log.Printf("[relay] session=%s ice buffer full for %s, dropping candidate", s.ID, peer.ConnID)
				return nil
			}
			peer.PendingICE = append(peer.PendingICE, raw)
			return nil
		}
		metrics.MessagesTotal.WithLabelValues(protocol.TypeICECandidate).Inc()
		return r.sender.Send(peer.ConnID, raw)
	})
}

// deliverSDP sends an offer or answer, marks the peer as having a remote
// description and flushes candidates buffered for it.
func (r *Signaling) deliverSDP(s *session.Session, from, msgType string, raw []byte) error {
	peer := s.Peer(from)
	metrics.MessagesTotal.WithLabelValues(msgType).Inc()
	if err := r.sender.Send(peer.ConnID, raw); err != nil {
		return err
	}
	peer.HasRemoteDescription = true

	pending := peer.PendingICE
	peer.PendingICE = nil
	for _, c := range pending {
		metrics.MessagesTotal.WithLabelValues(protocol.TypeICECandidate).Inc()
		if err := r.sender.Send(peer.ConnID, c); err != nil {
			return err
		}
	}
	return nil
}
