package hub

import (
	"errors"
	"log"

	"github.com/taschat/signaling/internal/protocol"
)

// MessageHandler handles one decoded client message.
type MessageHandler func(connID string, msg protocol.ClientMessage)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself, refuses everything but
// register and ping from unregistered connections, and sends structured
// errors for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers   map[string]MessageHandler
	sender     Sender
	registered func(connID string) bool
}

// NewMessageDispatcher creates a MessageDispatcher replying through sender.
// registered reports whether a connection has completed register.
func NewMessageDispatcher(sender Sender, registered func(connID string) bool) *MessageDispatcher {
	return &MessageDispatcher{
		handlers:   make(map[string]MessageHandler),
		sender:     sender,
		registered: registered,
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch decodes one raw frame and routes it.
func (d *MessageDispatcher) Dispatch(connID string, data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		var perr *protocol.ProtocolError
		code := protocol.CodeParseError
		if errors.As(err, &perr) {
			code = perr.Code
		}
		log.Printf("[hub] dispatch conn=%s: %v", connID, err)
		d.sendError(connID, code, "invalid message")
		return
	}

	msgType := msg.MessageType()

	if msgType == protocol.TypePing {
		d.send(connID, protocol.MustServerMessage(protocol.TypePong, protocol.Pong{}))
		return
	}

	if msgType != protocol.TypeRegister && d.registered != nil && !d.registered(connID) {
		d.sendError(connID, protocol.CodeNotRegistered, "register first")
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[hub] unsupported message type=%q conn=%s", msgType, connID)
		d.sendError(connID, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(connID, msg)
}

func (d *MessageDispatcher) sendError(connID, code, message string) {
	d.send(connID, protocol.MustServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	}))
}

func (d *MessageDispatcher) send(connID string, data []byte) {
	if err := d.sender.Send(connID, data); err != nil {
		log.Printf("[hub] send to %s failed: %v", connID, err)
	}
}
