// Package protocol defines the WebSocket message types exchanged between the
// browser client and the signaling server. Every frame is a JSON object with a
// "type" discriminator. Client frames are decoded once at the boundary into a
// closed set of typed variants (ClientMessage); server frames are built with
// NewServerMessage.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegister     = "register"
	TypeSearch       = "search"
	TypeStopSearch   = "stop_search"
	TypeDisconnect   = "disconnect"
	TypeEndCall      = "end_call"
	TypeNext         = "next"
	TypeChatMessage  = "chat_message"
	TypeChatImage    = "chat_image"
	TypePing         = "ping"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Server -> Client message types. offer, answer, ice-candidate, chat_message
// and chat_image travel in both directions and share the constants above.
const (
	TypeRegistrationConfirmed = "registration_confirmed"
	TypeOnlineCount           = "online_count"
	TypeSearchingCount        = "searching_count"
	TypeSearchStarted         = "search_started"
	TypePeerFound             = "peer_found"
	TypePeerDisconnected      = "peer_disconnected"
	TypeMessageLimitReached   = "message_limit_reached"
	TypeAudioAccess           = "audio_access"
	TypeAudioTrialEnded       = "audio_trial_ended"
	TypeRateLimited           = "rate_limited"
	TypeBanned                = "banned"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Error codes carried by ErrorMsg and ProtocolError.
const (
	CodeParseError            = "parse_error"
	CodeUnsupportedType       = "unsupported_type"
	CodeInvalidPayload        = "invalid_payload"
	CodeNotRegistered         = "not_registered"
	CodeDuplicateRegistration = "duplicate_registration"
	CodeInvalidMessage        = "invalid_message"
	CodeMessageBlocked        = "message_blocked"
	CodeImageTooLarge         = "image_too_large"
	CodeInSession             = "in_session"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ErrProtocol is matched by every ProtocolError via errors.Is.
var ErrProtocol = errors.New("protocol error")

// ProtocolError reports a malformed or unknown client frame. The connection is
// otherwise unaffected.
type ProtocolError struct {
	Code string // one of the Code* constants
	Type string // message type, if it could be extracted
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("protocol: %s (type=%q): %v", e.Code, e.Type, e.Err)
	}
	return fmt.Sprintf("protocol: %s: %v", e.Code, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrProtocol) true for any ProtocolError.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type" field
// so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return errors.New("missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server variants
// ---------------------------------------------------------------------------

// ClientMessage is the closed set of decoded client frames. Handlers switch on
// the concrete type.
type ClientMessage interface {
	MessageType() string
}

// Filters are the partner preferences attached to a search. An empty value or
// "any" accepts everything.
type Filters struct {
	Gender  string `json:"gender"`
	Country string `json:"country"`
	City    string `json:"city"`
	Area    string `json:"area"`
}

// Location is the coarse geolocation a client reports at registration.
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
	Area    string `json:"area"`
}

// Register binds a wallet identity and profile to the socket.
type Register struct {
	WalletAddress string `json:"walletAddress"`
	Gender        string `json:"gender"`
	Country       string `json:"country"`
	City          string `json:"city"`
	Area          string `json:"area"`
}

// Search enters the match queue. TasBalance and HasAdvancedFilters are the
// client's own claims and are advisory only: a claim that does not parse is
// dropped and named in Discarded instead of failing the frame.
type Search struct {
	Filters            Filters         `json:"filters"`
	TasBalance         decimal.Decimal `json:"tasBalance"`
	HasAdvancedFilters bool            `json:"hasAdvancedFilters"`
	Discarded          []string        `json:"-"`
}

// UnmarshalJSON decodes Filters strictly and the claims best-effort.
func (s *Search) UnmarshalJSON(data []byte) error {
	var raw struct {
		Filters            Filters         `json:"filters"`
		TasBalance         json.RawMessage `json:"tasBalance"`
		HasAdvancedFilters json.RawMessage `json:"hasAdvancedFilters"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Search{Filters: raw.Filters}

	if len(raw.TasBalance) > 0 {
		if err := s.TasBalance.UnmarshalJSON(raw.TasBalance); err != nil {
			s.TasBalance = decimal.Zero
			s.Discarded = append(s.Discarded, "tasBalance")
		}
	}
	if len(raw.HasAdvancedFilters) > 0 {
		if v, ok := lenientBool(raw.HasAdvancedFilters); ok {
			s.HasAdvancedFilters = v
		} else {
			s.Discarded = append(s.Discarded, "hasAdvancedFilters")
		}
	}
	return nil
}

// lenientBool accepts JSON booleans, null and quoted booleans ("true", "0").
func lenientBool(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if v, err := strconv.ParseBool(strings.TrimSpace(str)); err == nil {
			return v, true
		}
	}
	return false, false
}

// StopSearch leaves the match queue.
type StopSearch struct{}

// Disconnect ends the current call (or search) without closing the socket.
type Disconnect struct{}

// EndCall is an alias of Disconnect used by newer clients.
type EndCall struct{}

// Next ends the current call and immediately searches again with the last
// filters.
type Next struct{}

// ChatMessage is a text message within a session.
type ChatMessage struct {
	Text      string `json:"text"`
	MessageID string `json:"messageId"`
}

// ChatImage is a base64-encoded image within a session.
type ChatImage struct {
	Image     string `json:"image"`
	MessageID string `json:"messageId"`
}

// Ping is a client-initiated keepalive.
type Ping struct{}

// Offer, Answer and ICECandidate are WebRTC signaling frames. Their payloads
// are opaque; Raw holds the complete frame so it can be forwarded verbatim.
type Offer struct{ Raw json.RawMessage }

type Answer struct{ Raw json.RawMessage }

type ICECandidate struct{ Raw json.RawMessage }

func (Register) MessageType() string     { return TypeRegister }
func (Search) MessageType() string       { return TypeSearch }
func (StopSearch) MessageType() string   { return TypeStopSearch }
func (Disconnect) MessageType() string   { return TypeDisconnect }
func (EndCall) MessageType() string      { return TypeEndCall }
func (Next) MessageType() string         { return TypeNext }
func (ChatMessage) MessageType() string  { return TypeChatMessage }
func (ChatImage) MessageType() string    { return TypeChatImage }
func (Ping) MessageType() string         { return TypePing }
func (Offer) MessageType() string        { return TypeOffer }
func (Answer) MessageType() string       { return TypeAnswer }
func (ICECandidate) MessageType() string { return TypeICECandidate }

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// RegistrationConfirmed acknowledges a successful register.
type RegistrationConfirmed struct {
	ConnectionID string `json:"connectionId"`
}

// OnlineCount carries the number of registered connections, globally and per
// country.
type OnlineCount struct {
	Count     int            `json:"count"`
	ByCountry map[string]int `json:"byCountry"`
}

// SearchingCount carries the number of connections waiting in the queue.
type SearchingCount struct {
	Count int `json:"count"`
}

// SearchStarted confirms the client entered the queue and reports whether its
// location filters were honored.
type SearchStarted struct {
	AdvancedFilters bool `json:"advancedFilters"`
}

// PeerFound announces a match. Initiator tells the client whether it must
// create the WebRTC offer.
type PeerFound struct {
	SessionID    string   `json:"sessionId"`
	PeerID       string   `json:"peerId"`
	PeerWallet   string   `json:"peerWallet"`
	PeerGender   string   `json:"peerGender,omitempty"`
	PeerLocation Location `json:"peerLocation"`
	Initiator    bool     `json:"initiator"`
}

// PeerDisconnected tells the survivor that the call is over.
type PeerDisconnected struct {
	Reason string `json:"reason,omitempty"`
}

// MessageLimitReached rejects a chat message that exceeded the post-image cap.
type MessageLimitReached struct {
	MessageID string `json:"messageId,omitempty"`
	Limit     int    `json:"limit"`
}

// AudioAccess reports the caller's audio entitlement for the current call.
// Mode is "unlimited", "trial" or "denied"; Seconds is set for trials.
type AudioAccess struct {
	Mode    string `json:"mode"`
	Seconds int    `json:"seconds,omitempty"`
}

// AudioTrialEnded tells the client its trial window has elapsed.
type AudioTrialEnded struct{}

// RelayedChatMessage is a chat message delivered to the peer.
type RelayedChatMessage struct {
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
	Ts        int64  `json:"ts"`
}

// RelayedChatImage is an image delivered to the peer.
type RelayedChatImage struct {
	Image     string `json:"image"`
	MessageID string `json:"messageId,omitempty"`
	Ts        int64  `json:"ts"`
}

// RateLimited is sent when the client has been throttled.
type RateLimited struct {
	RetryAfter int `json:"retryAfter"`
}

// Banned is sent when the wallet is banned.
type Banned struct {
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

// ErrorMsg communicates a non-fatal error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pong is the server's response to a client ping.
type Pong struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// DecodeClientMessage parses raw WebSocket bytes into a typed client message.
// Malformed frames, unknown types and server-only types return a
// *ProtocolError.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Code: CodeParseError, Err: err}
	}

	var (
		msg ClientMessage
		err error
	)

	switch env.Type {
	case TypeRegister:
		var m Register
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && strings.TrimSpace(m.WalletAddress) == "" {
			err = errors.New("walletAddress is required")
		}
		msg = m
	case TypeSearch:
		var m Search
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopSearch:
		msg = StopSearch{}
	case TypeDisconnect:
		msg = Disconnect{}
	case TypeEndCall:
		msg = EndCall{}
	case TypeNext:
		msg = Next{}
	case TypeChatMessage:
		var m ChatMessage
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatImage:
		var m ChatImage
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		msg = Ping{}
	case TypeOffer:
		msg = Offer{Raw: env.Raw}
	case TypeAnswer:
		msg = Answer{Raw: env.Raw}
	case TypeICECandidate:
		msg = ICECandidate{Raw: env.Raw}
	default:
		return nil, &ProtocolError{
			Code: CodeUnsupportedType,
			Type: env.Type,
			Err:  errors.New("unknown client message type"),
		}
	}

	if err != nil {
		return nil, &ProtocolError{Code: CodeInvalidPayload, Type: env.Type, Err: err}
	}
	return msg, nil
}

// NewServerMessage creates a JSON-encoded server frame. The payload is
// marshalled and the msgType is injected under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads built from the structs in
// this package, which always marshal. It panics on failure.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}
