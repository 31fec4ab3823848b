package relay

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/taschat/signaling/internal/metrics"
	"github.com/taschat/signaling/internal/moderation"
	"github.com/taschat/signaling/internal/protocol"
	"github.com/taschat/signaling/internal/session"
)

// ChatLimitAfterImage is how many text messages a session may exchange after
// an image before further messages are refused.
const ChatLimitAfterImage = 10

// BlockedError carries the moderation verdict for a refused message.
type BlockedError struct {
	Result moderation.FilterResult
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("relay: message blocked (%s: %s)", e.Result.Reason, e.Result.Term)
}

func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

// Chat relays chat text and images.
type Chat struct {
	sessions Sessions
	sender   Sender
	filter   *moderation.Filter
}

// NewChat creates a chat relay. filter may be nil to disable moderation.
func NewChat(sessions Sessions, sender Sender, filter *moderation.Filter) *Chat {
	return &Chat{sessions: sessions, sender: sender, filter: filter}
}

// Message validates, screens and forwards a text message.
func (c *Chat) Message(from string, msg protocol.ChatMessage) error {
	if err := ValidateMessage(msg.Text); err != nil {
		metrics.RelayDropped.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if c.filter != nil {
		if res := c.filter.Check(msg.Text); res.Blocked {
			metrics.RelayDropped.WithLabelValues("blocked").Inc()
			return &BlockedError{Result: res}
		}
	}

	return c.sessions.WithConn(from, func(s *session.Session) error {
		if s.ImageShared && s.ChatSinceImage >= ChatLimitAfterImage {
			metrics.RelayDropped.WithLabelValues("limit").Inc()
			return ErrMessageLimitReached
		}

		data := protocol.MustServerMessage(protocol.TypeChatMessage, protocol.RelayedChatMessage{
			Text:      msg.Text,
			MessageID: msg.MessageID,
			Ts:        time.Now().Unix(),
		})
		if err := c.sender.Send(s.Peer(from).ConnID, data); err != nil {
			return err
		}

		s.ChatMessages++
		if s.ImageShared {
			s.ChatSinceImage++
		}
		metrics.MessagesTotal.WithLabelValues(protocol.TypeChatMessage).Inc()
		return nil
	})
}

// Image validates and forwards an image. A delivered image resets the
// post-image message counter.
func (c *Chat) Image(from string, msg protocol.ChatImage) error {
	if err := ValidateImage(msg.Image); err != nil {
		if errors.Is(err, ErrImageTooLarge) {
			metrics.RelayDropped.WithLabelValues("oversize").Inc()
			log.Printf("[relay] conn=%s image dropped: %v", from, err)
			return err
		}
		metrics.RelayDropped.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	return c.sessions.WithConn(from, func(s *session.Session) error {
		data := protocol.MustServerMessage(protocol.TypeChatImage, protocol.RelayedChatImage{
			Image:     msg.Image,
			MessageID: msg.MessageID,
			Ts:        time.Now().Unix(),
		})
		if err := c.sender.Send(s.Peer(from).ConnID, data); err != nil {
			return err
		}

		s.ImageShared = true
		s.ChatSinceImage = 0
		s.ImagesShared++
		metrics.MessagesTotal.WithLabelValues(protocol.TypeChatImage).Inc()
		return nil
	})
}
