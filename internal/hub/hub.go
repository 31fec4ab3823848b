// Package hub turns client frames into operations on the registry, matcher,
// session manager and relays, and turns their outcomes into server frames.
// It is the only package that knows the full call lifecycle:
//
//	register -> search -> peer_found -> offer/answer/ice -> chat -> end
//
// Every connection's frames arrive sequentially from the transport, so the
// hub needs no per-connection locking of its own. Disconnect may still run
// while a frame of the same connection is in flight; the registry refuses to
// register an id it has already removed, and every other operation requires
// a registration.
package hub

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/taschat/signaling/internal/ban"
	"github.com/taschat/signaling/internal/callrecord"
	"github.com/taschat/signaling/internal/gate"
	"github.com/taschat/signaling/internal/matching"
	"github.com/taschat/signaling/internal/messaging"
	"github.com/taschat/signaling/internal/moderation"
	"github.com/taschat/signaling/internal/protocol"
	"github.com/taschat/signaling/internal/ratelimit"
	"github.com/taschat/signaling/internal/registry"
	"github.com/taschat/signaling/internal/relay"
	"github.com/taschat/signaling/internal/session"
)

// opTimeout bounds the external calls (oracle, Redis, matcher) made while
// handling one frame.
const opTimeout = 5 * time.Second

// Sender writes frames to, and closes, client connections.
type Sender interface {
	Send(connID string, data []byte) error
	Close(connID string)
}

// Limiter throttles per-connection actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
	Reset(ctx context.Context, identifier string, rules ...ratelimit.Rule) error
}

// Bans checks and records wallet bans.
type Bans interface {
	IsBanned(ctx context.Context, wallet string) (ban.Status, error)
	Strike(ctx context.Context, wallet, reason string) (ban.StrikeResult, error)
}

// Events publishes lifecycle events to sibling services.
type Events interface {
	PublishSessionStarted(ev messaging.SessionStarted) error
	PublishSessionEnded(ev messaging.SessionEnded) error
	PublishFlagged(v interface{}) error
	PublishBan(n messaging.BanNotice) error
}

// Recorder persists call metadata.
type Recorder interface {
	Record(r callrecord.Record)
}

// Deps are the collaborators of a Hub. Limiter, Bans, Events and Records are
// optional.
type Deps struct {
	Registry   *registry.Registry
	Sessions   *session.Manager
	Gate       *gate.Gate
	Sender     Sender
	Filter     *moderation.Filter
	Limiter    Limiter
	Bans       Bans
	Events     Events
	Records    Recorder
	ServerName string
}

// Hub wires the call lifecycle together.
type Hub struct {
	reg        *registry.Registry
	sessions   *session.Manager
	gate       *gate.Gate
	sender     Sender
	limiter    Limiter
	bans       Bans
	events     Events
	records    Recorder
	serverName string

	matcher    *matching.Matcher
	signaling  *relay.Signaling
	chat       *relay.Chat
	dispatcher *MessageDispatcher
}

// New creates a Hub. Call Run before handling frames.
func New(d Deps) *Hub {
	h := &Hub{
		reg:        d.Registry,
		sessions:   d.Sessions,
		gate:       d.Gate,
		sender:     d.Sender,
		limiter:    d.Limiter,
		bans:       d.Bans,
		events:     d.Events,
		records:    d.Records,
		serverName: d.ServerName,
		signaling:  relay.NewSignaling(d.Sessions, d.Sender),
		chat:       relay.NewChat(d.Sessions, d.Sender, d.Filter),
	}
	h.matcher = matching.NewMatcher(d.Registry, h.createSession, h.onMatch)

	h.dispatcher = NewMessageDispatcher(d.Sender, func(id string) bool {
		_, ok := h.reg.Lookup(id)
		return ok
	})
	h.dispatcher.Register(protocol.TypeRegister, h.handleRegister)
	h.dispatcher.Register(protocol.TypeSearch, h.handleSearch)
	h.dispatcher.Register(protocol.TypeStopSearch, h.handleStopSearch)
	h.dispatcher.Register(protocol.TypeDisconnect, h.handleEnd)
	h.dispatcher.Register(protocol.TypeEndCall, h.handleEnd)
	h.dispatcher.Register(protocol.TypeNext, h.handleNext)
	h.dispatcher.Register(protocol.TypeOffer, h.handleSignaling)
	h.dispatcher.Register(protocol.TypeAnswer, h.handleSignaling)
	h.dispatcher.Register(protocol.TypeICECandidate, h.handleSignaling)
	h.dispatcher.Register(protocol.TypeChatMessage, h.handleChatMessage)
	h.dispatcher.Register(protocol.TypeChatImage, h.handleChatImage)
	return h
}

// Run runs the matcher until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.matcher.Run(ctx)
}

// QueueSize returns the number of connections waiting for a match.
func (h *Hub) QueueSize() int {
	return h.matcher.QueueSize()
}

// Handle processes one raw client frame.
func (h *Hub) Handle(connID string, data []byte) {
	h.dispatcher.Dispatch(connID, data)
}

// Disconnect tears down everything a closed socket owned: its registry entry,
// its queue entry and its session. The survivor is notified once.
func (h *Hub) Disconnect(connID string) {
	c, registered := h.reg.Remove(connID)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := h.matcher.Remove(ctx, connID); err != nil && !errors.Is(err, matching.ErrStopped) {
		log.Printf("[hub] matcher remove %s: %v", connID, err)
	}

	if e, ok := h.sessions.EndFor(connID, session.ReasonClosed); ok {
		h.finish(e, c)
	}

	if h.limiter != nil {
		if err := h.limiter.Reset(ctx, connID, ratelimit.RuleSearch, ratelimit.RuleChat); err != nil {
			log.Printf("[hub] reset rate limits %s: %v", connID, err)
		}
	}

	if registered {
		log.Printf("[hub] conn=%s wallet=%s gone (was %s)", connID, c.WalletAddress, c.State)
	}
}

// Shutdown ends every live session, notifying all participants.
func (h *Hub) Shutdown() {
	for _, e := range h.sessions.EndAll(session.ReasonShutdown) {
		h.finish(e)
	}
}

// KickWallet closes every local connection registered with the wallet after
// telling it about the ban.
func (h *Hub) KickWallet(n messaging.BanNotice) {
	for _, id := range h.reg.IDs() {
		c, ok := h.reg.Lookup(id)
		if !ok || !sameWallet(c.WalletAddress, n.Wallet) {
			continue
		}
		if e, ok := h.sessions.EndFor(id, session.ReasonBanned); ok {
			h.finish(e)
		}
		h.send(id, protocol.MustServerMessage(protocol.TypeBanned, protocol.Banned{
			Duration: n.Duration,
			Reason:   n.Reason,
		}))
		log.Printf("[hub] conn=%s wallet=%s banned for %ds (%s), closing", id, c.WalletAddress, n.Duration, n.Reason)
		h.sender.Close(id)
	}
}

// finish notifies survivors of an ended session and emits its record. gone
// supplies wallets of participants already removed from the registry.
func (h *Hub) finish(e session.Ended, gone ...registry.Connection) {
	for _, id := range e.Survivors {
		h.send(id, protocol.MustServerMessage(protocol.TypePeerDisconnected, protocol.PeerDisconnected{
			Reason: e.Reason,
		}))
	}
	log.Printf("[hub] session=%s ended reason=%s leaver=%s", e.ID, e.Reason, e.Leaver)

	rec := callrecord.Record{
		SessionID:    e.ID,
		WalletA:      h.wallet(e.A, gone),
		WalletB:      h.wallet(e.B, gone),
		CreatedAt:    e.CreatedAt,
		ActivatedAt:  e.ActivatedAt,
		EndedAt:      e.EndedAt,
		EndReason:    e.Reason,
		EndedBy:      e.Leaver,
		ChatMessages: e.ChatMessages,
		ImagesShared: e.ImagesShared,
		Server:       h.serverName,
	}
	if h.records != nil {
		h.records.Record(rec)
	}
	if h.events != nil {
		if err := h.events.PublishSessionEnded(messaging.SessionEnded{
			SessionID:    e.ID,
			Reason:       e.Reason,
			Leaver:       e.Leaver,
			Activated:    !e.ActivatedAt.IsZero(),
			DurationMs:   rec.Duration().Milliseconds(),
			ChatMessages: e.ChatMessages,
			ImagesShared: e.ImagesShared,
			Server:       h.serverName,
			Ts:           e.EndedAt,
		}); err != nil {
			log.Printf("[hub] publish session ended %s: %v", e.ID, err)
		}
	}
}

func (h *Hub) wallet(connID string, gone []registry.Connection) string {
	for _, c := range gone {
		if c.ID == connID {
			return c.WalletAddress
		}
	}
	if c, ok := h.reg.Lookup(connID); ok {
		return c.WalletAddress
	}
	return ""
}

func (h *Hub) send(connID string, data []byte) {
	if err := h.sender.Send(connID, data); err != nil {
		log.Printf("[hub] send to %s failed: %v", connID, err)
	}
}

func (h *Hub) sendError(connID, code, message string) {
	h.dispatcher.sendError(connID, code, message)
}

// allow applies a rate limit rule and answers rate_limited when exceeded.
func (h *Hub) allow(ctx context.Context, connID string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	d, err := h.limiter.Allow(ctx, connID, rule)
	if err != nil || d.Allowed {
		return true
	}
	retry := int((d.RetryAfter + time.Second - 1) / time.Second)
	h.send(connID, protocol.MustServerMessage(protocol.TypeRateLimited, protocol.RateLimited{RetryAfter: retry}))
	return false
}
