// Package typing tracks ephemeral per-conversation typing indicators. An
// entry is created on typing_start, refreshed on repeated starts, and
// removed by typing_stop or TTL expiry, whichever comes first. Expiry is
// enforced on every read: a lost typing_stop can never leave an indicator
// stuck on screen.
package typing

import (
	"sync"
	"time"

	"github.com/pulsedesk/support-app/internal/event"
	"github.com/pulsedesk/support-app/internal/fanout"
)

// DefaultTTL is how long a typing entry stays valid without a refresh.
const DefaultTTL = 5 * time.Second

// Entry represents one user currently composing in a conversation.
type Entry struct {
	ConversationID string
	UserID         string
	UserType       string
	Preview        string // optional content preview, may be empty
	StartedAt      time.Time
	ExpiresAt      time.Time
}

// Store holds typing state in memory. It is goroutine-safe. The clock is
// injectable so expiry behavior can be tested deterministically.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]map[string]Entry // conversation ID -> user ID -> entry
}

// NewStore creates a Store with the given TTL. A non-positive TTL falls back
// to DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]map[string]Entry),
	}
}

// SetClock replaces the store's time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Start upserts the typing entry for (conversationID, userID), refreshing
// its expiry. A repeated start overwrites the prior entry; it never appends.
func (s *Store) Start(conversationID, userID, userType, preview string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.entries[conversationID]
	if !ok {
		users = make(map[string]Entry)
		s.entries[conversationID] = users
	}

	now := s.now()
	started := now
	if prior, ok := users[userID]; ok && now.Before(prior.ExpiresAt) {
		started = prior.StartedAt // refresh keeps the original start time
	}

	users[userID] = Entry{
		ConversationID: conversationID,
		UserID:         userID,
		UserType:       userType,
		Preview:        preview,
		StartedAt:      started,
		ExpiresAt:      now.Add(s.ttl),
	}
}

// Stop removes the typing entry for (conversationID, userID) immediately.
// Stopping an absent entry is a no-op.
func (s *Store) Stop(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if users, ok := s.entries[conversationID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.entries, conversationID)
		}
	}
}

// Typing returns who is currently typing in the conversation. Entries whose
// expiry has passed are swept out as part of the read, independent of
// whether a typing_stop event was ever observed.
func (s *Store) Typing(conversationID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.entries[conversationID]
	if !ok {
		return []Entry{}
	}

	now := s.now()
	result := make([]Entry, 0, len(users))
	for userID, e := range users {
		if !now.Before(e.ExpiresAt) {
			delete(users, userID)
			continue
		}
		result = append(result, e)
	}
	if len(users) == 0 {
		delete(s.entries, conversationID)
	}
	return result
}

// IsTyping reports whether the user has a live typing entry in the
// conversation, applying the same sweep-on-read expiry as Typing.
func (s *Store) IsTyping(conversationID, userID string) bool {
	for _, e := range s.Typing(conversationID) {
		if e.UserID == userID {
			return true
		}
	}
	return false
}

// Attach subscribes the store to typing_start/typing_stop events on the
// fan-out registry and returns the unsubscribe closure.
func (s *Store) Attach(registry *fanout.Registry) func() {
	return registry.Subscribe(fanout.Handlers{
		event.KindTypingStart: func(ev event.Event) {
			var p event.TypingStart
			if err := ev.Decode(&p); err != nil {
				return
			}
			s.Start(p.ConversationID, p.UserID, p.UserType, p.Preview)
		},
		event.KindTypingStop: func(ev event.Event) {
			var p event.TypingStop
			if err := ev.Decode(&p); err != nil {
				return
			}
			s.Stop(p.ConversationID, p.UserID)
		},
	})
}
