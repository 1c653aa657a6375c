// Package event defines the realtime event envelope and the typed payloads
// carried between the transport, the fan-out registry, and its consumers.
// All events are serialized as JSON and follow a consistent envelope format
// with a kind discriminator and an occurrence timestamp.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds published on organization and conversation topics.
const (
	KindMessageCreated       = "message_created"
	KindMessageStatusUpdated = "message_status_updated"
	KindConversationUpdated  = "conversation_updated"
	KindTypingStart          = "typing_start"
	KindTypingStop           = "typing_stop"
	KindPresenceUpdate       = "presence_update"
	KindAssignmentChanged    = "assignment_changed"
	KindReadReceipts         = "read_receipts"
)

// Kinds lists every event kind a subscriber may register a handler for.
var Kinds = []string{
	KindMessageCreated,
	KindMessageStatusUpdated,
	KindConversationUpdated,
	KindTypingStart,
	KindTypingStop,
	KindPresenceUpdate,
	KindAssignmentChanged,
	KindReadReceipts,
}

// Event is the wire envelope for a single realtime event. It is immutable
// once constructed: the payload is captured as raw JSON at construction time
// and decoded on demand by consumers.
type Event struct {
	Kind       string          `json:"kind"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// New builds an Event of the given kind by marshalling the payload. The
// occurrence timestamp is taken at construction.
func New(kind string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event: marshal %s payload: %w", kind, err)
	}
	return Event{Kind: kind, Data: data, OccurredAt: time.Now().UTC()}, nil
}

// Parse decodes a wire envelope received from the transport. It rejects
// envelopes without a kind discriminator.
func Parse(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("event: unmarshal envelope: %w", err)
	}
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("event: missing or empty \"kind\" field")
	}
	return ev, nil
}

// Encode serializes the event for the transport.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: marshal envelope: %w", err)
	}
	return data, nil
}

// Decode unmarshals the event payload into the given struct.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("event: decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Sender types attached to message payloads. Agent and AI senders are
// filtered by the notification dispatcher.
const (
	SenderVisitor  = "visitor"
	SenderOperator = "operator"
	SenderAI       = "ai"
)

// MessageCreated is the payload for a new message in a conversation.
type MessageCreated struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	OrganizationID string `json:"organization_id"`
	SenderID       string `json:"sender_id"`
	SenderType     string `json:"sender_type"` // visitor | operator | ai
	Body           string `json:"body,omitempty"`
}

// MessageStatusUpdated is the payload for a delivery-status change
// (sent, delivered, read).
type MessageStatusUpdated struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// ConversationUpdated is the payload for a change to conversation-level
// attributes (subject, state, priority).
type ConversationUpdated struct {
	ConversationID string `json:"conversation_id"`
	OrganizationID string `json:"organization_id"`
	State          string `json:"state,omitempty"`
}

// TypingStart is the payload signalling that a user began composing.
type TypingStart struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserType       string `json:"user_type"`
	Preview        string `json:"preview,omitempty"` // optional content preview
}

// TypingStop is the payload signalling that a user stopped composing.
type TypingStop struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// PresenceUpdate is the payload for an online/away/offline transition.
type PresenceUpdate struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"` // online | away | offline
}

// AssignmentChanged is the payload for a conversation being assigned to a
// different operator.
type AssignmentChanged struct {
	ConversationID string `json:"conversation_id"`
	OrganizationID string `json:"organization_id"`
	AssigneeID     string `json:"assignee_id"`
	AssignedBy     string `json:"assigned_by,omitempty"`
}

// ReadReceipts is the payload published after a mark-as-read batch completes.
// It carries the full list of message IDs from the batch, including any that
// failed to persist (consumers re-query for authoritative state).
type ReadReceipts struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
	ReaderID       string   `json:"reader_id"`
}
