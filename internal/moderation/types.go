package moderation

// FlaggedEvent is published when a chat message is blocked so moderation
// tooling can review offenders without the server keeping chat history.
type FlaggedEvent struct {
	ConnectionID string `json:"connection_id"`
	Wallet       string `json:"wallet"`
	SessionID    string `json:"session_id"`
	Reason       string `json:"reason"`
	Term         string `json:"term"`
	Ts           int64  `json:"ts"`
}
