package notify

import "log"

// LogNotifier is the default Notifier: it writes the alert to the log.
// Deployments with a real sound/desktop collaborator replace it at wiring
// time.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(n Notification) error {
	log.Printf("[notify] %s: %s (dedupe=%s)", n.Title, n.Body, n.DedupeKey)
	return nil
}
