package hub

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taschat/signaling/internal/matching"
	"github.com/taschat/signaling/internal/messaging"
	"github.com/taschat/signaling/internal/metrics"
	"github.com/taschat/signaling/internal/moderation"
	"github.com/taschat/signaling/internal/protocol"
	"github.com/taschat/signaling/internal/ratelimit"
	"github.com/taschat/signaling/internal/registry"
	"github.com/taschat/signaling/internal/relay"
	"github.com/taschat/signaling/internal/session"
)

func (h *Hub) handleRegister(connID string, msg protocol.ClientMessage) {
	m := msg.(protocol.Register)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if h.bans != nil {
		st, err := h.bans.IsBanned(ctx, m.WalletAddress)
		if err != nil {
			log.Printf("[hub] ban check wallet=%s: %v (failing open)", m.WalletAddress, err)
		} else if st.Banned {
			log.Printf("[hub] conn=%s wallet=%s refused: banned (%s)", connID, m.WalletAddress, st.Reason)
			h.send(connID, protocol.MustServerMessage(protocol.TypeBanned, protocol.Banned{
				Duration: int(st.Remaining.Seconds()),
				Reason:   st.Reason,
			}))
			h.sender.Close(connID)
			return
		}
	}

	_, err := h.reg.Register(connID, m.WalletAddress, registry.Profile{
		Gender: m.Gender,
		Location: protocol.Location{
			Country: m.Country,
			City:    m.City,
			Area:    m.Area,
		},
	})
	switch {
	case errors.Is(err, registry.ErrDuplicateRegistration):
		h.sendError(connID, protocol.CodeDuplicateRegistration, "already registered")
		return
	case errors.Is(err, registry.ErrInvalidWallet):
		h.sendError(connID, protocol.CodeInvalidPayload, "walletAddress is required")
		return
	case errors.Is(err, registry.ErrConnectionClosed):
		log.Printf("[hub] conn=%s closed while registering wallet=%s, dropped", connID, m.WalletAddress)
		return
	case err != nil:
		log.Printf("[hub] register conn=%s: %v", connID, err)
		return
	}

	h.send(connID, protocol.MustServerMessage(protocol.TypeRegistrationConfirmed, protocol.RegistrationConfirmed{
		ConnectionID: connID,
	}))
	log.Printf("[hub] registered conn=%s wallet=%s country=%s", connID, m.WalletAddress, m.Country)
}

func (h *Hub) handleSearch(connID string, msg protocol.ClientMessage) {
	m := msg.(protocol.Search)
	if len(m.Discarded) > 0 {
		log.Printf("[hub] conn=%s search: ignoring malformed claims %v", connID, m.Discarded)
	}
	h.search(connID, m.Filters, m.TasBalance, m.HasAdvancedFilters)
}

// search resolves the effective filters through the gate and queues the
// connection. Location filters the wallet cannot pay for are dropped, not
// refused.
func (h *Hub) search(connID string, filters protocol.Filters, claimed decimal.Decimal, claimedAdvanced bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if !h.allow(ctx, connID, ratelimit.RuleSearch) {
		return
	}

	c, ok := h.reg.Lookup(connID)
	if !ok {
		h.sendError(connID, protocol.CodeNotRegistered, "register first")
		return
	}
	switch c.State {
	case registry.StateSearching:
		return
	case registry.StateInSession:
		h.sendError(connID, protocol.CodeInSession, "end the current call first")
		return
	}

	advanced := false
	if matching.HasLocation(filters) {
		if h.gate.CanUseAdvancedFilters(ctx, connID) {
			advanced = true
		} else {
			filters = matching.StripLocation(filters)
		}
		if claimedAdvanced != advanced {
			log.Printf("[hub] conn=%s claimed advanced filters=%v, granted=%v", connID, claimedAdvanced, advanced)
		}
	}

	h.send(connID, protocol.MustServerMessage(protocol.TypeSearchStarted, protocol.SearchStarted{
		AdvancedFilters: advanced,
	}))

	err := h.matcher.Search(ctx, connID, filters, claimed)
	switch {
	case err == nil, errors.Is(err, registry.ErrAlreadySearching), errors.Is(err, registry.ErrNotRegistered):
	case errors.Is(err, registry.ErrInSession):
		h.sendError(connID, protocol.CodeInSession, "end the current call first")
	default:
		log.Printf("[hub] search conn=%s: %v", connID, err)
	}
}

func (h *Hub) handleStopSearch(connID string, _ protocol.ClientMessage) {
	h.stopSearch(connID)
}

func (h *Hub) stopSearch(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := h.matcher.StopSearch(ctx, connID); err != nil && !errors.Is(err, registry.ErrNotSearching) {
		log.Printf("[hub] stop_search conn=%s: %v", connID, err)
	}
}

// handleEnd serves disconnect and end_call: end the call if there is one,
// otherwise leave the queue. The socket stays open.
func (h *Hub) handleEnd(connID string, msg protocol.ClientMessage) {
	reason := session.ReasonDisconnect
	if msg.MessageType() == protocol.TypeEndCall {
		reason = session.ReasonEndCall
	}
	if e, ok := h.sessions.EndFor(connID, reason); ok {
		h.finish(e)
		return
	}
	h.stopSearch(connID)
}

// handleNext ends the current call and searches again with the filters of the
// previous search.
func (h *Hub) handleNext(connID string, _ protocol.ClientMessage) {
	if e, ok := h.sessions.EndFor(connID, session.ReasonNext); ok {
		h.finish(e)
	}

	c, ok := h.reg.Lookup(connID)
	if !ok || c.State != registry.StateIdle {
		return
	}
	h.search(connID, c.Filters, c.ClaimedBalance, matching.HasLocation(c.Filters))
}

func (h *Hub) handleSignaling(connID string, msg protocol.ClientMessage) {
	var err error
	switch m := msg.(type) {
	case protocol.Offer:
		err = h.signaling.Offer(connID, m.Raw)
	case protocol.Answer:
		err = h.signaling.Answer(connID, m.Raw)
	case protocol.ICECandidate:
		err = h.signaling.ICECandidate(connID, m.Raw)
	}
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionNotFound):
		metrics.RelayDropped.WithLabelValues("no_session").Inc()
	default:
		log.Printf("[hub] relay %s from %s: %v", msg.MessageType(), connID, err)
	}
}

func (h *Hub) handleChatMessage(connID string, msg protocol.ClientMessage) {
	m := msg.(protocol.ChatMessage)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if !h.allow(ctx, connID, ratelimit.RuleChat) {
		return
	}
	h.chatResult(ctx, connID, m.MessageID, h.chat.Message(connID, m))
}

func (h *Hub) handleChatImage(connID string, msg protocol.ClientMessage) {
	m := msg.(protocol.ChatImage)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if !h.allow(ctx, connID, ratelimit.RuleChat) {
		return
	}
	h.chatResult(ctx, connID, m.MessageID, h.chat.Image(connID, m))
}

// chatResult maps a chat relay error to the reply the sender gets.
func (h *Hub) chatResult(ctx context.Context, connID, messageID string, err error) {
	var blocked *relay.BlockedError
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionNotFound):
		metrics.RelayDropped.WithLabelValues("no_session").Inc()
	case errors.Is(err, relay.ErrMessageLimitReached):
		h.send(connID, protocol.MustServerMessage(protocol.TypeMessageLimitReached, protocol.MessageLimitReached{
			MessageID: messageID,
			Limit:     relay.ChatLimitAfterImage,
		}))
	case errors.As(err, &blocked):
		h.sendError(connID, protocol.CodeMessageBlocked, "message blocked")
		h.flag(ctx, connID, blocked.Result)
	case errors.Is(err, relay.ErrImageTooLarge):
		h.sendError(connID, protocol.CodeImageTooLarge, "image exceeds 2 MiB")
	case errors.Is(err, relay.ErrInvalidMessage):
		h.sendError(connID, protocol.CodeInvalidMessage, err.Error())
	default:
		log.Printf("[hub] chat from %s: %v", connID, err)
	}
}

// flag publishes a moderation event and records a strike against the
// sender's wallet, banning it once the strikes add up.
func (h *Hub) flag(ctx context.Context, connID string, res moderation.FilterResult) {
	c, ok := h.reg.Lookup(connID)
	if !ok {
		return
	}
	sessionID, _ := h.sessions.SessionOf(connID)

	if h.events != nil {
		if err := h.events.PublishFlagged(moderation.FlaggedEvent{
			ConnectionID: connID,
			Wallet:       c.WalletAddress,
			SessionID:    sessionID,
			Reason:       res.Reason,
			Term:         res.Term,
			Ts:           time.Now().Unix(),
		}); err != nil {
			log.Printf("[hub] publish flagged conn=%s: %v", connID, err)
		}
	}

	if h.bans == nil {
		return
	}
	r, err := h.bans.Strike(ctx, c.WalletAddress, res.Reason)
	if err != nil {
		log.Printf("[hub] strike wallet=%s: %v", c.WalletAddress, err)
		return
	}
	log.Printf("[hub] strike %d for wallet=%s reason=%s term=%s", r.Strikes, c.WalletAddress, res.Reason, res.Term)
	if !r.Banned {
		return
	}

	n := messaging.BanNotice{
		Wallet:   c.WalletAddress,
		Reason:   res.Reason,
		Duration: int(r.Duration.Seconds()),
	}
	if h.events != nil {
		if err := h.events.PublishBan(n); err != nil {
			log.Printf("[hub] publish ban wallet=%s: %v", c.WalletAddress, err)
		}
	}
	h.KickWallet(n)
}

func sameWallet(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
