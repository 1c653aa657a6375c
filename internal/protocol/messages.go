// Package protocol defines the WebSocket message types and structures used
// for communication between dashboard clients and the realtime gateway. All
// messages are serialized as JSON and follow a consistent envelope format
// with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeTyping      = "typing"
	TypeMarkRead    = "mark_read"
	TypeEngagement  = "engagement"
	TypePresence    = "presence"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeReady       = "ready"
	TypeEvent       = "event"
	TypeTypingState = "typing_state"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubscribeMsg is sent by the client to follow a conversation's events in
// addition to the organization-wide feed.
type SubscribeMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// UnsubscribeMsg is sent by the client to stop following a conversation.
type UnsubscribeMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// TypingMsg signals that the client's user started or stopped composing.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
	Preview        string `json:"preview,omitempty"`
}

// MarkReadMsg asks the server to record read receipts for a batch of
// messages on behalf of the client's user.
type MarkReadMsg struct {
	Type           string            `json:"type"`
	ConversationID string            `json:"conversation_id"`
	MessageIDs     []string          `json:"message_ids"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EngagementMsg reports how the client's user interacted with a message.
type EngagementMsg struct {
	Type            string  `json:"type"`
	MessageID       string  `json:"message_id"`
	TimeSpentMs     int64   `json:"time_spent_ms,omitempty"`
	ViewportVisible bool    `json:"viewport_visible,omitempty"`
	InteractionType string  `json:"interaction_type,omitempty"`
	ScrollDepth     float64 `json:"scroll_depth,omitempty"`
}

// PresenceMsg reports the client user's presence status.
type PresenceMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"` // online | away | offline
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ReadyMsg is sent by the server once the client's fan-out subscription is
// live. Recent carries the diagnostic event history so a late-connecting
// client can backfill its view.
type ReadyMsg struct {
	Type   string            `json:"type"`
	Recent []json.RawMessage `json:"recent,omitempty"`
}

// EventMsg forwards one realtime event envelope to the client.
type EventMsg struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// TypingStateMsg reports who is currently typing in a conversation.
type TypingStateMsg struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id"`
	UserIDs        []string `json:"user_ids"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEngagement:
		var m EngagementMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePresence:
		var m PresenceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
