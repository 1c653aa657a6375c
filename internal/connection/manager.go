// Package connection owns the upstream subscription lifecycle. There is at
// most one live subscription set per (organization, scope) key no matter how
// many local subscribers exist; connection setup is gated on authentication,
// and transport failures drive a bounded exponential-backoff reconnect loop.
// Errors surface only as state transitions, observable through State.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pulsedesk/support-app/internal/channel"
	"github.com/pulsedesk/support-app/internal/event"
	"github.com/pulsedesk/support-app/internal/fanout"
	"github.com/pulsedesk/support-app/internal/metrics"
)

// State is the connection state machine for one (organization, scope) key.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrAuthNotReady indicates connection setup was deferred because no valid
// credential is available yet. It is retried, not fatal.
var ErrAuthNotReady = errors.New("connection: auth not ready")

// ErrChannelSubscription indicates the transport rejected a subscription.
// The connection moves to the error state and the backoff loop takes over.
var ErrChannelSubscription = errors.New("connection: channel subscription failed")

// Subscription is one live upstream topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the black-box pub/sub primitive. The NATS client in
// internal/messaging satisfies it; tests use an in-memory fake.
type Transport interface {
	Subscribe(topic string, handler func(data []byte)) (Subscription, error)
	Publish(topic string, data []byte) error
}

// AuthProvider gates connection setup. WaitReady blocks until a valid
// credential is available or the context is done; it returns ErrAuthNotReady
// (possibly wrapped) when the credential check fails and should be retried.
type AuthProvider interface {
	WaitReady(ctx context.Context) error
}

// Key identifies one logical upstream connection.
type Key struct {
	OrganizationID string
	Scope          channel.Scope
}

// Config holds reconnection and auth-retry tuning.
type Config struct {
	AuthRetries   int           // bounded retries when WaitReady fails
	AuthRetryWait time.Duration // pause between auth retries
	MaxReconnects int           // reconnect attempts after a transport error
	BackoffBase   time.Duration // first reconnect delay, doubled per attempt
	BackoffMax    time.Duration // backoff ceiling
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		AuthRetries:   3,
		AuthRetryWait: 500 * time.Millisecond,
		MaxReconnects: 5,
		BackoffBase:   250 * time.Millisecond,
		BackoffMax:    8 * time.Second,
	}
}

// conn is the tracked state for one key. All fields are guarded by the
// manager's mutex.
type conn struct {
	state      State
	subs       []Subscription
	convSubs   map[string]Subscription // conversation ID -> subscription
	done       chan struct{}           // closed on Disconnect
	generation int                     // invalidates stale reconnect loops
}

// Manager owns every upstream connection. Decoded events are forwarded to
// the fan-out registry.
type Manager struct {
	cfg       Config
	transport Transport
	auth      AuthProvider
	registry  *fanout.Registry

	mu    sync.Mutex
	conns map[Key]*conn
}

// NewManager creates a Manager publishing inbound events to the registry.
func NewManager(cfg Config, transport Transport, auth AuthProvider, registry *fanout.Registry) *Manager {
	return &Manager{
		cfg:       cfg,
		transport: transport,
		auth:      auth,
		registry:  registry,
		conns:     make(map[Key]*conn),
	}
}

// Connect opens the upstream subscription set for (organizationID, scope).
// It blocks until authentication is ready (bounded retries on failure) and
// the subscriptions are acknowledged. Calling Connect for a key that is
// already connected or in progress is a no-op. A key whose reconnect loop
// has exhausted its attempts is back in the disconnected state, so Connect
// starts it over.
func (m *Manager) Connect(ctx context.Context, organizationID string, scope channel.Scope) error {
	key := Key{OrganizationID: organizationID, Scope: scope}

	m.mu.Lock()
	if c, ok := m.conns[key]; ok && c.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	c := &conn{
		convSubs: make(map[string]Subscription),
		done:     make(chan struct{}),
	}
	m.conns[key] = c
	m.setStateLocked(key, c, StateConnecting)
	m.mu.Unlock()

	if err := m.open(ctx, key, c); err != nil {
		m.mu.Lock()
		// Disconnect may have raced us; only report the failure if the
		// conn we created is still the tracked one.
		if m.conns[key] == c {
			m.setStateLocked(key, c, StateError)
			gen := c.generation
			m.mu.Unlock()
			go m.reconnect(key, c, gen)
		} else {
			m.mu.Unlock()
		}
		return err
	}

	m.mu.Lock()
	if m.conns[key] == c {
		m.setStateLocked(key, c, StateConnected)
	}
	m.mu.Unlock()
	return nil
}

// open waits for auth and subscribes the organization-wide topic. It must
// not hold the manager lock: WaitReady and Subscribe both block.
func (m *Manager) open(ctx context.Context, key Key, c *conn) error {
	var authErr error
	for attempt := 0; attempt <= m.cfg.AuthRetries; attempt++ {
		authErr = m.auth.WaitReady(ctx)
		if authErr == nil {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrAuthNotReady, ctx.Err())
		}
		log.Printf("[conn] auth not ready for org=%s scope=%s (attempt %d): %v",
			key.OrganizationID, key.Scope, attempt+1, authErr)
		select {
		case <-time.After(m.cfg.AuthRetryWait):
		case <-c.done:
			return fmt.Errorf("%w: connection closed", ErrAuthNotReady)
		}
	}
	if authErr != nil {
		return fmt.Errorf("%w: %v", ErrAuthNotReady, authErr)
	}

	topic := channel.Organization(key.OrganizationID, key.Scope)
	sub, err := m.transport.Subscribe(topic, m.forward)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrChannelSubscription, topic, err)
	}

	m.mu.Lock()
	if m.conns[key] != c {
		// Disconnected while we were subscribing; release immediately.
		m.mu.Unlock()
		sub.Unsubscribe()
		return fmt.Errorf("%w: connection closed", ErrChannelSubscription)
	}
	c.subs = append(c.subs, sub)
	m.mu.Unlock()
	return nil
}

// forward decodes a transport payload into an event and broadcasts it.
// Undecodable payloads are logged and dropped.
func (m *Manager) forward(data []byte) {
	ev, err := event.Parse(data)
	if err != nil {
		log.Printf("[conn] dropping undecodable event: %v", err)
		return
	}
	m.registry.Broadcast(ev)
}

// AddConversation subscribes the key's connection to a conversation topic.
// Subscribing the same conversation twice is a no-op. Returns an error if
// the key is not connected.
func (m *Manager) AddConversation(organizationID string, scope channel.Scope, conversationID string) error {
	key := Key{OrganizationID: organizationID, Scope: scope}

	m.mu.Lock()
	c, ok := m.conns[key]
	if !ok || c.state != StateConnected {
		m.mu.Unlock()
		return fmt.Errorf("%w: org=%s scope=%s not connected", ErrChannelSubscription, organizationID, scope)
	}
	if _, ok := c.convSubs[conversationID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	topic := channel.Conversation(organizationID, conversationID)
	sub, err := m.transport.Subscribe(topic, m.forward)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrChannelSubscription, topic, err)
	}

	m.mu.Lock()
	if m.conns[key] != c {
		m.mu.Unlock()
		sub.Unsubscribe()
		return fmt.Errorf("%w: connection closed", ErrChannelSubscription)
	}
	if _, dup := c.convSubs[conversationID]; dup {
		m.mu.Unlock()
		sub.Unsubscribe() // lost the race to a concurrent AddConversation
		return nil
	}
	c.convSubs[conversationID] = sub
	m.mu.Unlock()
	return nil
}

// RemoveConversation drops the conversation topic subscription for the key.
// Removing an absent subscription is a no-op.
func (m *Manager) RemoveConversation(organizationID string, scope channel.Scope, conversationID string) {
	key := Key{OrganizationID: organizationID, Scope: scope}

	m.mu.Lock()
	c, ok := m.conns[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	sub, ok := c.convSubs[conversationID]
	delete(c.convSubs, conversationID)
	m.mu.Unlock()

	if ok {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[conn] unsubscribe conversation=%s: %v", conversationID, err)
		}
	}
}

// Disconnect unconditionally releases all underlying subscriptions for the
// key and transitions it to disconnected. Safe to call when already
// disconnected.
func (m *Manager) Disconnect(organizationID string, scope channel.Scope) {
	key := Key{OrganizationID: organizationID, Scope: scope}

	m.mu.Lock()
	c, ok := m.conns[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, key)
	c.generation++
	close(c.done)
	subs := c.subs
	c.subs = nil
	for _, sub := range c.convSubs {
		subs = append(subs, sub)
	}
	c.convSubs = make(map[string]Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[conn] unsubscribe org=%s scope=%s: %v", organizationID, scope, err)
		}
	}
	metrics.ConnectionTransitions.WithLabelValues(StateDisconnected.String()).Inc()
	log.Printf("[conn] disconnected org=%s scope=%s", organizationID, scope)
}

// State returns the current state for the key. Unknown keys report
// disconnected.
func (m *Manager) State(organizationID string, scope channel.Scope) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[Key{OrganizationID: organizationID, Scope: scope}]; ok {
		return c.state
	}
	return StateDisconnected
}

// HandleTransportError moves every live connection into the error state and
// starts its reconnect loop. Wire this to the transport's async error or
// disconnect callback.
func (m *Manager) HandleTransportError(err error) {
	log.Printf("[conn] transport error: %v", err)

	m.mu.Lock()
	type pending struct {
		key Key
		c   *conn
		gen int
	}
	var toRetry []pending
	for key, c := range m.conns {
		if c.state == StateConnected || c.state == StateConnecting {
			m.setStateLocked(key, c, StateError)
			toRetry = append(toRetry, pending{key: key, c: c, gen: c.generation})
		}
	}
	m.mu.Unlock()

	for _, p := range toRetry {
		go m.reconnect(p.key, p.c, p.gen)
	}
}

// reconnect retries opening the key's subscription set with exponential
// backoff, up to MaxReconnects attempts. Each attempt first releases the
// subscriptions tracked from before the failure, so a recovered transport
// never ends up with two live subscription sets for the key; conversation
// topics are re-established once the organization topic is back. The loop
// aborts if the connection is torn down (generation bump) while it sleeps.
// When every attempt fails the key returns to disconnected so a later
// Connect can start fresh.
func (m *Manager) reconnect(key Key, c *conn, generation int) {
	backoff := m.cfg.BackoffBase
	var convIDs []string
	for attempt := 1; attempt <= m.cfg.MaxReconnects; attempt++ {
		m.mu.Lock()
		if m.conns[key] != c || c.generation != generation {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(key, c, StateReconnecting)
		m.mu.Unlock()

		select {
		case <-time.After(backoff):
		case <-c.done:
			return
		}

		m.mu.Lock()
		if m.conns[key] != c || c.generation != generation {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(key, c, StateConnecting)
		stale := c.subs
		c.subs = nil
		for id, sub := range c.convSubs {
			stale = append(stale, sub)
			convIDs = append(convIDs, id)
		}
		c.convSubs = make(map[string]Subscription)
		m.mu.Unlock()

		for _, sub := range stale {
			if err := sub.Unsubscribe(); err != nil {
				log.Printf("[conn] release stale subscription org=%s scope=%s: %v",
					key.OrganizationID, key.Scope, err)
			}
		}

		err := m.open(context.Background(), key, c)
		if err == nil {
			m.mu.Lock()
			if m.conns[key] == c && c.generation == generation {
				m.setStateLocked(key, c, StateConnected)
			}
			m.mu.Unlock()
			for _, id := range convIDs {
				if err := m.AddConversation(key.OrganizationID, key.Scope, id); err != nil {
					log.Printf("[conn] re-subscribe conversation=%s after reconnect: %v", id, err)
				}
			}
			log.Printf("[conn] reconnected org=%s scope=%s after %d attempt(s)",
				key.OrganizationID, key.Scope, attempt)
			return
		}

		log.Printf("[conn] reconnect attempt %d/%d failed org=%s scope=%s: %v",
			attempt, m.cfg.MaxReconnects, key.OrganizationID, key.Scope, err)

		m.mu.Lock()
		if m.conns[key] == c && c.generation == generation {
			m.setStateLocked(key, c, StateError)
		}
		m.mu.Unlock()

		backoff *= 2
		if backoff > m.cfg.BackoffMax {
			backoff = m.cfg.BackoffMax
		}
	}

	m.mu.Lock()
	if m.conns[key] == c && c.generation == generation {
		delete(m.conns, key)
		c.generation++
		close(c.done)
		m.setStateLocked(key, c, StateDisconnected)
	}
	m.mu.Unlock()
	log.Printf("[conn] giving up on org=%s scope=%s after %d attempts; a later Connect starts over",
		key.OrganizationID, key.Scope, m.cfg.MaxReconnects)
}

// setStateLocked records a state transition. Caller holds m.mu.
func (m *Manager) setStateLocked(key Key, c *conn, s State) {
	if c.state == s {
		return
	}
	c.state = s
	metrics.ConnectionTransitions.WithLabelValues(s.String()).Inc()
	log.Printf("[conn] org=%s scope=%s -> %s", key.OrganizationID, key.Scope, s)
}
