package receipt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMessageNotFound is returned when a receipt write targets a message ID
// that does not exist.
var ErrMessageNotFound = errors.New("receipt: message not found")

// MessageStore is the persistence collaborator for messages and their
// embedded receipt maps. PostgresStore is the production implementation;
// tests use an in-memory fake with the same read-modify-write semantics.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg Message) error

	// UpsertReceipt merges the receipt into the message's embedded map
	// (one slot per reader) and marks the message's delivery status read.
	// The merge must be atomic per message.
	UpsertReceipt(ctx context.Context, messageID string, r ReadReceipt) error

	// UpsertEngagement merges engagement fields into the same per-reader
	// slot without touching the delivery status or lastReadAt.
	UpsertEngagement(ctx context.Context, rec EngagementRecord) error

	// Receipts returns the receipt map for one message, keyed by reader ID.
	Receipts(ctx context.Context, messageID string) (map[string]ReadReceipt, error)

	// ConversationReceipts returns every message's receipt map for a
	// conversation, keyed by message ID then reader ID.
	ConversationReceipts(ctx context.Context, conversationID string) (map[string]map[string]ReadReceipt, error)

	// UnreadCount counts messages in the conversation the reader has no
	// read slot for (a slot without lastReadAt is engagement-only and does
	// not count as read). A zero since means no time bound.
	UnreadCount(ctx context.Context, conversationID, readerID string, since time.Time) (int, error)
}

// PostgresStore persists messages in PostgreSQL. The receipt map lives at
// metadata->'read_receipts' inside the message row, preserving the embedded
// layout downstream consumers expect. Per-reader merges happen in a single
// UPDATE statement so concurrent writers to the same message cannot lose
// each other's slots.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InsertMessage inserts a message row with an empty receipt map. Inserting
// an already-known ID is a no-op (events can be delivered more than once).
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) error {
	const query = `
		INSERT INTO messages (id, conversation_id, organization_id, sender_id, sender_type, body, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	status := msg.Status
	if status == "" {
		status = StatusSent
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.OrganizationID,
		msg.SenderID, msg.SenderType, msg.Body, status, createdAt,
	)
	if err != nil {
		return fmt.Errorf("receipt: insert message %s: %w", msg.ID, err)
	}
	return nil
}

// upsertSlotQuery merges $3 (a receipt slot as JSON) into
// metadata->'read_receipts'->$2 of message $1. The nested metadata map is
// merged key-by-key rather than replaced. Runs as one statement so the
// read-modify-write cannot interleave with a concurrent writer.
const upsertSlotQuery = `
	UPDATE messages SET
		metadata = jsonb_set(
			metadata || jsonb_build_object('read_receipts', COALESCE(metadata->'read_receipts', '{}'::jsonb)),
			ARRAY['read_receipts', $2::text],
			(COALESCE(metadata->'read_receipts'->$2, '{}'::jsonb) || $3::jsonb)
				|| jsonb_build_object('metadata',
					COALESCE(metadata->'read_receipts'->$2->'metadata', '{}'::jsonb)
					|| COALESCE($3::jsonb->'metadata', '{}'::jsonb))
		)%s
	WHERE id = $1`

// UpsertReceipt merges the receipt into the reader's slot and marks the
// message read.
func (s *PostgresStore) UpsertReceipt(ctx context.Context, messageID string, r ReadReceipt) error {
	slot, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("receipt: marshal receipt for message %s: %w", messageID, err)
	}

	query := fmt.Sprintf(upsertSlotQuery, ", status = 'read'")
	res, err := s.db.ExecContext(ctx, query, messageID, r.ReaderID, slot)
	if err != nil {
		return fmt.Errorf("receipt: upsert receipt message=%s reader=%s: %w", messageID, r.ReaderID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	return nil
}

// UpsertEngagement merges engagement fields into the reader's slot. The
// delivery status is left untouched: viewing a message is not reading it.
func (s *PostgresStore) UpsertEngagement(ctx context.Context, rec EngagementRecord) error {
	slot, err := json.Marshal(engagementSlot(rec))
	if err != nil {
		return fmt.Errorf("receipt: marshal engagement for message %s: %w", rec.MessageID, err)
	}

	query := fmt.Sprintf(upsertSlotQuery, "")
	res, err := s.db.ExecContext(ctx, query, rec.MessageID, rec.ReaderID, slot)
	if err != nil {
		return fmt.Errorf("receipt: upsert engagement message=%s reader=%s: %w", rec.MessageID, rec.ReaderID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, rec.MessageID)
	}
	return nil
}

// engagementSlot builds the partial slot JSON for an engagement merge,
// omitting zero-valued fields so they don't clobber existing receipt data.
func engagementSlot(rec EngagementRecord) map[string]interface{} {
	slot := map[string]interface{}{
		"message_id": rec.MessageID,
		"reader_id":  rec.ReaderID,
	}
	if rec.TimeSpentMs > 0 {
		slot["time_spent_ms"] = rec.TimeSpentMs
	}
	if rec.ViewportVisible {
		slot["viewport_visible"] = true
	}
	if rec.InteractionType != "" {
		slot["interaction_type"] = rec.InteractionType
	}
	if rec.ScrollDepth > 0 {
		slot["scroll_depth"] = rec.ScrollDepth
	}
	return slot
}

// Receipts returns the receipt map for one message.
func (s *PostgresStore) Receipts(ctx context.Context, messageID string) (map[string]ReadReceipt, error) {
	const query = `
		SELECT COALESCE(metadata->'read_receipts', '{}'::jsonb)
		FROM messages WHERE id = $1`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("receipt: load receipts for message %s: %w", messageID, err)
	}

	receipts := make(map[string]ReadReceipt)
	if err := json.Unmarshal(raw, &receipts); err != nil {
		return nil, fmt.Errorf("receipt: decode receipts for message %s: %w", messageID, err)
	}
	return receipts, nil
}

// ConversationReceipts returns per-message receipt maps for a conversation.
func (s *PostgresStore) ConversationReceipts(ctx context.Context, conversationID string) (map[string]map[string]ReadReceipt, error) {
	const query = `
		SELECT id, COALESCE(metadata->'read_receipts', '{}'::jsonb)
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("receipt: load conversation %s receipts: %w", conversationID, err)
	}
	defer rows.Close()

	result := make(map[string]map[string]ReadReceipt)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("receipt: scan conversation %s receipts: %w", conversationID, err)
		}
		receipts := make(map[string]ReadReceipt)
		if err := json.Unmarshal(raw, &receipts); err != nil {
			return nil, fmt.Errorf("receipt: decode receipts for message %s: %w", id, err)
		}
		result[id] = receipts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receipt: iterate conversation %s receipts: %w", conversationID, err)
	}
	return result, nil
}

// UnreadCount counts messages the reader has not read. Slot presence alone
// is not enough: an engagement-only slot carries no last_read_at, and such a
// message is still unread.
func (s *PostgresStore) UnreadCount(ctx context.Context, conversationID, readerID string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1
		  AND (metadata->'read_receipts'->$2->>'last_read_at') IS NULL
		  AND ($3::timestamptz IS NULL OR created_at >= $3)`

	var bound interface{}
	if !since.IsZero() {
		bound = since
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, conversationID, readerID, bound).Scan(&count); err != nil {
		return 0, fmt.Errorf("receipt: unread count conversation=%s reader=%s: %w", conversationID, readerID, err)
	}
	return count, nil
}
