package receipt

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/pulsedesk/support-app/internal/event"
	"github.com/pulsedesk/support-app/internal/fanout"
	"github.com/pulsedesk/support-app/internal/metrics"
)

// Aggregator merges read and engagement state into message records and
// answers unread/analytics queries. Receipt writes are best-effort: a
// failure on one message ID within a batch is logged, counted, and skipped,
// never aborting the rest of the batch.
type Aggregator struct {
	store    MessageStore
	registry *fanout.Registry
	now      func() time.Time
}

// NewAggregator creates an Aggregator persisting through store and
// publishing read_receipts events through registry.
func NewAggregator(store MessageStore, registry *fanout.Registry) *Aggregator {
	return &Aggregator{store: store, registry: registry, now: time.Now}
}

// SetClock replaces the aggregator's time source. Intended for tests.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// MarkAsRead upserts one receipt slot per message ID in the request,
// overwriting lastReadAt and merging metadata for repeat reads by the same
// reader. Message IDs are processed sequentially and independently. After
// the batch, one read_receipts event is published carrying the full ID list
// and the reader, regardless of per-item failures; callers observe success
// through IsMessageRead and GetUnreadCount.
func (a *Aggregator) MarkAsRead(ctx context.Context, req MarkAsReadRequest) {
	readAt := a.now().UTC()

	for _, messageID := range req.MessageIDs {
		r := ReadReceipt{
			MessageID:      messageID,
			ConversationID: req.ConversationID,
			OrganizationID: req.OrganizationID,
			ReaderID:       req.ReaderID,
			ReaderType:     req.ReaderType,
			SessionID:      req.SessionID,
			DeviceID:       req.DeviceID,
			LastReadAt:     readAt,
			Metadata:       req.Metadata,
		}

		start := time.Now()
		err := a.store.UpsertReceipt(ctx, messageID, r)
		metrics.ReceiptWriteLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ReceiptWriteErrors.Inc()
			log.Printf("[receipt] write failed message=%s reader=%s: %v (continuing batch)",
				messageID, req.ReaderID, err)
			continue
		}
		metrics.ReceiptsWritten.WithLabelValues(req.ReaderType).Inc()
	}

	ev, err := event.New(event.KindReadReceipts, event.ReadReceipts{
		ConversationID: req.ConversationID,
		MessageIDs:     req.MessageIDs,
		ReaderID:       req.ReaderID,
	})
	if err != nil {
		log.Printf("[receipt] build read_receipts event: %v", err)
		return
	}
	a.registry.Broadcast(ev)
}

// RecordEngagement merges the engagement fields into the reader's slot on
// the message record.
func (a *Aggregator) RecordEngagement(ctx context.Context, rec EngagementRecord) error {
	return a.store.UpsertEngagement(ctx, rec)
}

// IsMessageRead reports whether the reader has a receipt slot on the message.
func (a *Aggregator) IsMessageRead(ctx context.Context, messageID, readerID string) (bool, error) {
	receipts, err := a.store.Receipts(ctx, messageID)
	if err != nil {
		return false, err
	}
	r, ok := receipts[readerID]
	return ok && !r.LastReadAt.IsZero(), nil
}

// GetUnreadCount counts messages in the conversation the reader has not
// read, optionally bounded to messages created at or after since (zero
// means unbounded).
func (a *Aggregator) GetUnreadCount(ctx context.Context, conversationID, readerID string, since time.Time) (int, error) {
	return a.store.UnreadCount(ctx, conversationID, readerID, since)
}

// GetReadReceipts returns receipts for the conversation keyed by message ID.
// Non-empty messageID or readerID narrow the result.
func (a *Aggregator) GetReadReceipts(ctx context.Context, conversationID, messageID, readerID string) (map[string][]ReadReceipt, error) {
	byMessage, err := a.store.ConversationReceipts(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]ReadReceipt)
	for id, slots := range byMessage {
		if messageID != "" && id != messageID {
			continue
		}
		list := make([]ReadReceipt, 0, len(slots))
		for reader, r := range slots {
			if readerID != "" && reader != readerID {
				continue
			}
			if r.LastReadAt.IsZero() {
				continue // engagement-only slot, not a read
			}
			list = append(list, r)
		}
		if len(list) == 0 {
			continue
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ReaderID < list[j].ReaderID })
		result[id] = list
	}
	return result, nil
}

// GetEngagementAnalytics aggregates per-message engagement for the
// conversation: total reads, running average of time spent, viewport
// visibility count, and an interaction-type histogram.
func (a *Aggregator) GetEngagementAnalytics(ctx context.Context, conversationID string) ([]MessageEngagement, error) {
	byMessage, err := a.store.ConversationReceipts(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	result := make([]MessageEngagement, 0, len(byMessage))
	for id, slots := range byMessage {
		agg := MessageEngagement{
			MessageID:         id,
			InteractionCounts: make(map[string]int),
		}
		var timeSpentSamples int
		for _, r := range slots {
			if !r.LastReadAt.IsZero() {
				agg.TotalReads++
			}
			if r.TimeSpentMs > 0 {
				timeSpentSamples++
				// Running average, updated one sample at a time.
				agg.AvgTimeSpentMs += (float64(r.TimeSpentMs) - agg.AvgTimeSpentMs) / float64(timeSpentSamples)
			}
			if r.ViewportVisible {
				agg.ViewportVisibleCount++
			}
			if r.InteractionType != "" {
				agg.InteractionCounts[r.InteractionType]++
			}
		}
		result = append(result, agg)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].MessageID < result[j].MessageID })
	return result, nil
}

// AttachRecorder subscribes the store to message_created events so inbound
// messages gain a row (and an empty receipt map) as they arrive. Returns
// the unsubscribe closure.
func AttachRecorder(registry *fanout.Registry, store MessageStore) func() {
	return registry.Subscribe(fanout.Handlers{
		event.KindMessageCreated: func(ev event.Event) {
			var p event.MessageCreated
			if err := ev.Decode(&p); err != nil {
				log.Printf("[receipt] decode message_created: %v", err)
				return
			}
			msg := Message{
				ID:             p.MessageID,
				ConversationID: p.ConversationID,
				OrganizationID: p.OrganizationID,
				SenderID:       p.SenderID,
				SenderType:     p.SenderType,
				Body:           p.Body,
				Status:         StatusSent,
				CreatedAt:      ev.OccurredAt,
			}
			if err := store.InsertMessage(context.Background(), msg); err != nil {
				log.Printf("[receipt] record message %s: %v", p.MessageID, err)
			}
		},
	})
}
