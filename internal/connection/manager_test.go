package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pulsedesk/support-app/internal/channel"
	"github.com/pulsedesk/support-app/internal/event"
	"github.com/pulsedesk/support-app/internal/fanout"
)

// fakeTransport is an in-memory pub/sub with a subscribe call counter and a
// switchable failure mode. Unsubscribing detaches the handler, so published
// payloads only reach live subscriptions.
type fakeTransport struct {
	mu             sync.Mutex
	subscribeCalls int
	failSubscribe  bool
	nextID         int
	handlers       map[string]map[int]func([]byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]map[int]func([]byte))}
}

type fakeSub struct {
	tr    *fakeTransport
	topic string
	id    int
	once  sync.Once
}

func (s *fakeSub) Unsubscribe() error {
	s.once.Do(func() {
		s.tr.mu.Lock()
		delete(s.tr.handlers[s.topic], s.id)
		s.tr.mu.Unlock()
	})
	return nil
}

func (t *fakeTransport) Subscribe(topic string, handler func(data []byte)) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeCalls++
	if t.failSubscribe {
		return nil, errors.New("subscribe refused")
	}
	if t.handlers[topic] == nil {
		t.handlers[topic] = make(map[int]func([]byte))
	}
	id := t.nextID
	t.nextID++
	t.handlers[topic][id] = handler
	return &fakeSub{tr: t, topic: topic, id: id}, nil
}

func (t *fakeTransport) Publish(topic string, data []byte) error {
	t.mu.Lock()
	handlers := make([]func([]byte), 0, len(t.handlers[topic]))
	for _, h := range t.handlers[topic] {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (t *fakeTransport) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribeCalls
}

func (t *fakeTransport) liveSubs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, subs := range t.handlers {
		n += len(subs)
	}
	return n
}

func (t *fakeTransport) setFail(fail bool) {
	t.mu.Lock()
	t.failSubscribe = fail
	t.mu.Unlock()
}

func readyAuth() *SignalAuth {
	a := NewSignalAuth()
	a.Ready()
	return a
}

func fastConfig() Config {
	return Config{
		AuthRetries:   2,
		AuthRetryWait: time.Millisecond,
		MaxReconnects: 5,
		BackoffBase:   time.Millisecond,
		BackoffMax:    4 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConcurrentConnectOpensOneSubscriptionSet(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(fastConfig(), tr, readyAuth(), fanout.NewRegistry())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Connect(context.Background(), "org1", channel.ScopeDashboard)
		}()
	}
	wg.Wait()

	if got := tr.calls(); got != 1 {
		t.Fatalf("expected exactly 1 underlying subscribe, got %d", got)
	}
	if s := m.State("org1", channel.ScopeDashboard); s != StateConnected {
		t.Errorf("expected connected, got %s", s)
	}
}

func TestConnectIdempotentWhenAlreadyConnected(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(fastConfig(), tr, readyAuth(), fanout.NewRegistry())

	if err := m.Connect(context.Background(), "org1", channel.ScopeDashboard); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := m.Connect(context.Background(), "org1", channel.ScopeDashboard); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	if got := tr.calls(); got != 1 {
		t.Fatalf("expected repeat connect to be a no-op, got %d subscribes", got)
	}
}

func TestSeparateKeysGetSeparateConnections(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(fastConfig(), tr, readyAuth(), fanout.NewRegistry())

	m.Connect(context.Background(), "org1", channel.ScopeDashboard)
	m.Connect(context.Background(), "org1", channel.ScopeInbox)
	m.Connect(context.Background(), "org2", channel.ScopeDashboard)

	if got := tr.calls(); got != 3 {
		t.Fatalf("expected 3 subscription sets, got %d", got)
	}
}

func TestConnectWaitsForAuthReadySignal(t *testing.T) {
	tr := newFakeTransport()
	auth := NewSignalAuth()
	m := NewManager(fastConfig(), tr, auth, fanout.NewRegistry())

	done := make(chan error, 1)
	go func() {
		done <- m.Connect(context.Background(), "org1", channel.ScopeDashboard)
	}()

	waitFor(t, time.Second, "connecting state", func() bool {
		return m.State("org1", channel.ScopeDashboard) == StateConnecting
	})
	if got := tr.calls(); got != 0 {
		t.Fatalf("subscribed before auth was ready (%d calls)", got)
	}

	auth.Ready()

	if err := <-done; err != nil {
		t.Fatalf("connect after auth ready: %v", err)
	}
	if s := m.State("org1", channel.ScopeDashboard); s != StateConnected {
		t.Errorf("expected connected, got %s", s)
	}
}

// failingAuth always reports the credential as invalid.
type failingAuth struct{}

func (failingAuth) WaitReady(context.Context) error { return errors.New("bad credential") }

func TestAuthFailureIsBoundedAndDeferred(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(fastConfig(), tr, failingAuth{}, fanout.NewRegistry())

	err := m.Connect(context.Background(), "org1", channel.ScopeDashboard)
	if !errors.Is(err, ErrAuthNotReady) {
		t.Fatalf("expected ErrAuthNotReady, got %v", err)
	}
	if got := tr.calls(); got != 0 {
		t.Errorf("must not subscribe without auth, got %d calls", got)
	}

	// The failure is deferred, not fatal: the key retries in the
	// background and never reports connected.
	if s := m.State("org1", channel.ScopeDashboard); s == StateConnected {
		t.Errorf("expected a non-connected state, got %s", s)
	}

	m.Disconnect("org1", channel.ScopeDashboard)
}

func TestSubscribeFailureReconnectsWithBackoff(t *testing.T) {
	tr := newFakeTransport()
	tr.setFail(true)
	m := NewManager(fastConfig(), tr, readyAuth(), fanout.NewRegistry())

	err := m.Connect(context.Background(), "org1", channel.ScopeDashboard)
	if !errors.Is(err, ErrChannelSubscription) {
		t.Fatalf("expected ErrChannelSubscription, got %v", err)
	}

	// Let the transport recover; the backoff loop should land connected.
	tr.setFail(false)
	waitFor(t, time.Second, "backoff reconnect", func() bool {
		return m.State("org1", channel.ScopeDashboard) == StateConnected
	})
}

func TestTransportErrorTriggersReconnect(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(fastConfig(), tr, readyAuth(), fanout.NewRegistry())

	if err := m.Connect(context.Background(), "org1", channel.ScopeDashboard); err != nil {
		t.Fatalf("connect: %v", err)
	}

	m.HandleTransportError(errors.New("connection reset"))

	waitFor(t, time.Second, "reconnect after transport error", func() bool {
		return m.State("org1", channel.ScopeDashboard) == StateConnected
	})
	if got := tr.calls(); got < 2 {
		t.Errorf("expected a fresh subscribe on reconnect, got %d calls", got)
	}
}

func TestReconnectReplacesSubscriptionsInsteadOfStacking(t *testing.T) {
	tr := newFakeTransport()
	registry := fanout.NewRegistry()
	m := NewManager(fastConfig(), tr, readyAuth(), registry)

	if err := m.Connect(context.Background(), "org1", channel.ScopeDashboard); err != nil {
		t.Fatalf("connect: %v", err)
	}

	m.HandleTransportError(errors.New("connection reset"))

	waitFor(t, time.Second, "reconnect after transport error", func() bool {
		return m.State("org1", channel.ScopeDashboard) == StateConnected
	})
	if got := tr.liveSubs(); got != 1 {
		t.Fatalf("expected the reconnect to replace the subscription set, got %d live", got)
	}

	deliveries := 0
	defer registry.Subscribe(fanout.Handlers{
		event.KindMessageCreated: func(event.Event) { deliveries++ },
	})()

	ev, err := event.New(event.KindMessageCreated, event.MessageCreated{MessageID: "m1"})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	tr.Publish(channel.Organization("org1", channel.ScopeDashboard), data)

	if deliveries != 1 {
		t.Fatalf("one upstream publish delivered %d times; want 1", deliveries)
	}
}

func TestReconnectReestablishesConversationTopics(t *testing.T) {
	tr := newFakeTransport()
	registry := fanout.NewRegistry()
	m := NewManager(fastConfig(), tr, readyAuth(), registry)

	if err := m.Connect(context.Background(), "org1", channel.ScopeDashboard); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.AddConversation("org1", channel.ScopeDashboard, "c1"); err != nil {
		t.Fatalf("add conversation: %v", err)
	}

	m.HandleTransportError(errors.New("connection reset"))

	waitFor(t, time.Second, "org and conversation topics back", func() bool {
		return m.State("org1", channel.ScopeDashboard) == StateConnected && tr.liveSubs() == 2
	})

	deliveries := 0
	defer registry.Subscribe(fanout.Handlers{
		event.KindTypingStart: func(event.Event) { deliveries++ },
	})()

	ev, err := event.New(event.KindTypingStart, event.TypingStart{ConversationID: "c1", UserID: "u1"})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	tr.Publish(channel.Conversation("org1", "c1"), data)

	if deliveries != 1 {
		t.Fatalf("conversation publish delivered %d times after reconnect; want 1", deliveries)
	}
}

func TestConnectRestartsAfterRetriesExhausted(t *testing.T) {
	tr := newFakeTransport()
	tr.setFail(true)
	m := NewManager(fastConfig(), tr, readyAuth(), fanout.NewRegistry())

	if err := m.Connect(context.Background(), "org1", channel.ScopeDashboard); err == nil {
		t.Fatal("expected connect to fail while the transport refuses subscribes")
	}

	// The backoff loop exhausts its attempts and hands the key back.
	waitFor(t, time.Second, "retry loop to give up", func() bool {
		return m.State("org1", channel.ScopeDashboard) == StateDisconnected
	})

	tr.setFail(false)
	if err := m.Connect(context.Background(), "org1", channel.ScopeDashboard); err != nil {
		t.Fatalf("connect after give-up: %v", err)
	}
	if s := m.State("org1", channel.ScopeDashboard); s != StateConnected {
		t.Errorf("expected connected after manual restart, got %s", s)
	}
}

func TestDisconnectReleasesAllSubscriptionsAndIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(fastConfig(), tr, readyAuth(), fanout.NewRegistry())

	m.Connect(context.Background(), "org1", channel.ScopeDashboard)
	if err := m.AddConversation("org1", channel.ScopeDashboard, "c1"); err != nil {
		t.Fatalf("add conversation: %v", err)
	}
	if got := tr.liveSubs(); got != 2 {
		t.Fatalf("expected 2 live subscriptions, got %d", got)
	}

	m.Disconnect("org1", channel.ScopeDashboard)
	if got := tr.liveSubs(); got != 0 {
		t.Fatalf("expected all subscriptions released, got %d", got)
	}
	if s := m.State("org1", channel.ScopeDashboard); s != StateDisconnected {
		t.Errorf("expected disconnected, got %s", s)
	}

	// Second disconnect is a no-op.
	m.Disconnect("org1", channel.ScopeDashboard)
}

func TestLocalUnsubscribeNeverTearsDownSharedConnection(t *testing.T) {
	tr := newFakeTransport()
	registry := fanout.NewRegistry()
	m := NewManager(fastConfig(), tr, readyAuth(), registry)

	m.Connect(context.Background(), "org1", channel.ScopeDashboard)

	unsubA := registry.Subscribe(fanout.Handlers{event.KindMessageCreated: func(event.Event) {}})
	unsubB := registry.Subscribe(fanout.Handlers{event.KindMessageCreated: func(event.Event) {}})
	defer unsubB()

	unsubA()

	if s := m.State("org1", channel.ScopeDashboard); s != StateConnected {
		t.Fatalf("local unsubscribe must not touch the shared connection, state=%s", s)
	}
	if got := tr.liveSubs(); got != 1 {
		t.Fatalf("expected the upstream subscription to survive, got %d", got)
	}
}

func TestAddConversationIsDeduplicated(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(fastConfig(), tr, readyAuth(), fanout.NewRegistry())

	m.Connect(context.Background(), "org1", channel.ScopeDashboard)
	m.AddConversation("org1", channel.ScopeDashboard, "c1")
	m.AddConversation("org1", channel.ScopeDashboard, "c1")

	if got := tr.calls(); got != 2 {
		t.Fatalf("expected org + one conversation subscribe, got %d", got)
	}
}

func TestInboundPayloadsAreBroadcast(t *testing.T) {
	tr := newFakeTransport()
	registry := fanout.NewRegistry()
	m := NewManager(fastConfig(), tr, readyAuth(), registry)

	m.Connect(context.Background(), "org1", channel.ScopeDashboard)

	got := make(chan event.MessageCreated, 1)
	defer registry.Subscribe(fanout.Handlers{
		event.KindMessageCreated: func(ev event.Event) {
			var p event.MessageCreated
			if err := ev.Decode(&p); err == nil {
				got <- p
			}
		},
	})()

	ev, err := event.New(event.KindMessageCreated, event.MessageCreated{MessageID: "m1"})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	tr.Publish(channel.Organization("org1", channel.ScopeDashboard), data)

	select {
	case p := <-got:
		if p.MessageID != "m1" {
			t.Errorf("expected m1, got %s", p.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("event never reached the fan-out registry")
	}
}

func TestUndecodablePayloadIsDropped(t *testing.T) {
	tr := newFakeTransport()
	registry := fanout.NewRegistry()
	m := NewManager(fastConfig(), tr, readyAuth(), registry)

	m.Connect(context.Background(), "org1", channel.ScopeDashboard)

	// Garbage on the wire must not reach subscribers or panic.
	tr.Publish(channel.Organization("org1", channel.ScopeDashboard), []byte("not json"))

	if len(registry.History()) != 0 {
		t.Fatal("undecodable payload leaked into the registry")
	}
}
