// Package receipt implements read-receipt and engagement aggregation.
// Receipts live as a nested JSON object inside the owning message record's
// metadata column (one merged slot per reader, never an append-only list);
// the aggregator presents the normalized model to the rest of the system.
package receipt

import "time"

// Reader types accepted on receipts.
const (
	ReaderVisitor  = "visitor"
	ReaderOperator = "operator"
	ReaderAI       = "ai"
)

// Message delivery statuses.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Message is the persisted message record owning the embedded receipt map.
type Message struct {
	ID             string
	ConversationID string
	OrganizationID string
	SenderID       string
	SenderType     string
	Body           string
	Status         string
	CreatedAt      time.Time
}

// ReadReceipt is the merged per-reader slot inside a message's receipt map.
// Engagement fields share the slot: a later engagement write for the same
// (message, reader) pair updates this record rather than appending.
type ReadReceipt struct {
	MessageID       string            `json:"message_id"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	OrganizationID  string            `json:"organization_id,omitempty"`
	ReaderID        string            `json:"reader_id"`
	ReaderType      string            `json:"reader_type,omitempty"` // visitor | operator | ai
	SessionID       string            `json:"session_id,omitempty"`
	DeviceID        string            `json:"device_id,omitempty"`
	LastReadAt      time.Time         `json:"last_read_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	TimeSpentMs     int64             `json:"time_spent_ms,omitempty"`
	ViewportVisible bool              `json:"viewport_visible,omitempty"`
	InteractionType string            `json:"interaction_type,omitempty"`
	ScrollDepth     float64           `json:"scroll_depth,omitempty"`
}

// EngagementRecord captures how a reader interacted with a message. It is
// merged into the same per-reader slot as the read receipt.
type EngagementRecord struct {
	MessageID       string
	ReaderID        string
	TimeSpentMs     int64
	ViewportVisible bool
	InteractionType string
	ScrollDepth     float64
}

// MarkAsReadRequest is the batch input for MarkAsRead. Each message ID is
// processed independently; a failure on one never aborts the rest.
type MarkAsReadRequest struct {
	MessageIDs     []string
	ConversationID string
	OrganizationID string
	ReaderID       string
	ReaderType     string
	SessionID      string
	DeviceID       string
	Metadata       map[string]string
}

// MessageEngagement is the per-message aggregate returned by
// GetEngagementAnalytics.
type MessageEngagement struct {
	MessageID            string
	TotalReads           int
	AvgTimeSpentMs       float64
	ViewportVisibleCount int
	InteractionCounts    map[string]int
}
