// Package notify decides whether an inbound message should alert the local
// user. It consumes message_created events from the fan-out registry and
// filters cold-start snapshots, self-authored messages, agent/bot senders,
// and duplicate deliveries before invoking the external notifier.
package notify

import (
	"errors"
	"log"
	"sync"

	"github.com/pulsedesk/support-app/internal/event"
	"github.com/pulsedesk/support-app/internal/fanout"
	"github.com/pulsedesk/support-app/internal/metrics"
)

// ErrPermissionDenied is returned by a Notifier when the platform refused
// notification permission. The dispatcher downgrades silently: the message
// is still recorded as seen, no error propagates.
var ErrPermissionDenied = errors.New("notify: permission denied")

// Notification is the outbound payload handed to the notifier collaborator.
type Notification struct {
	Title     string
	Body      string
	DedupeKey string
}

// Notifier renders the alert (sound, desktop notification). It lives
// outside this layer.
type Notifier interface {
	Notify(n Notification) error
}

// Dispatcher applies the alerting policy. It is goroutine-safe.
type Dispatcher struct {
	notifier    Notifier
	localUserID string

	mu        sync.Mutex
	coldStart bool   // true until the first message_created is observed
	lastSeen  string // last message ID that reached the notifier
}

// NewDispatcher creates a Dispatcher that alerts on behalf of localUserID.
// The first message_created observed after construction is treated as the
// initial snapshot and never alerts.
func NewDispatcher(notifier Notifier, localUserID string) *Dispatcher {
	return &Dispatcher{
		notifier:    notifier,
		localUserID: localUserID,
		coldStart:   true,
	}
}

// Attach subscribes the dispatcher to message_created events on the
// registry and returns the unsubscribe closure.
func (d *Dispatcher) Attach(registry *fanout.Registry) func() {
	return registry.Subscribe(fanout.Handlers{
		event.KindMessageCreated: d.handleMessageCreated,
	})
}

func (d *Dispatcher) handleMessageCreated(ev event.Event) {
	var p event.MessageCreated
	if err := ev.Decode(&p); err != nil {
		log.Printf("[notify] decode message_created: %v", err)
		return
	}

	d.mu.Lock()
	if d.coldStart {
		// The first event after mount is the initial snapshot replaying
		// existing state, not fresh activity.
		d.coldStart = false
		d.mu.Unlock()
		metrics.NotificationsFired.WithLabelValues("suppressed").Inc()
		return
	}
	if p.SenderID == d.localUserID ||
		p.SenderType == event.SenderOperator ||
		p.SenderType == event.SenderAI {
		d.mu.Unlock()
		metrics.NotificationsFired.WithLabelValues("suppressed").Inc()
		return
	}
	if p.MessageID != "" && p.MessageID == d.lastSeen {
		// Duplicate delivery of an already-alerted message.
		d.mu.Unlock()
		metrics.NotificationsFired.WithLabelValues("suppressed").Inc()
		return
	}
	d.lastSeen = p.MessageID
	d.mu.Unlock()

	err := d.notifier.Notify(Notification{
		Title:     "New message",
		Body:      p.Body,
		DedupeKey: p.MessageID,
	})
	switch {
	case errors.Is(err, ErrPermissionDenied):
		metrics.NotificationsFired.WithLabelValues("denied").Inc()
	case err != nil:
		metrics.NotificationsFired.WithLabelValues("denied").Inc()
		log.Printf("[notify] notifier failed message=%s: %v", p.MessageID, err)
	default:
		metrics.NotificationsFired.WithLabelValues("fired").Inc()
	}
}
