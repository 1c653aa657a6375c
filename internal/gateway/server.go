// Package gateway exposes the fan-out registry to dashboard clients over
// WebSocket. Each client connection becomes exactly one fan-out subscriber;
// inbound frames carry typing, presence, mark-as-read, and engagement
// commands. Reads run one goroutine per connection (the fan-out edge is
// write-dominated, so there is no readiness machinery to amortize).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/pulsedesk/support-app/internal/channel"
	"github.com/pulsedesk/support-app/internal/connection"
	"github.com/pulsedesk/support-app/internal/event"
	"github.com/pulsedesk/support-app/internal/fanout"
	"github.com/pulsedesk/support-app/internal/metrics"
	"github.com/pulsedesk/support-app/internal/protocol"
	"github.com/pulsedesk/support-app/internal/ratelimit"
	"github.com/pulsedesk/support-app/internal/receipt"
	"github.com/pulsedesk/support-app/internal/typing"
)

// Config holds tunable parameters for the gateway server.
type Config struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket delivery edge. It forwards every broadcast event
// to each connected client and translates client commands into transport
// publishes and aggregator calls.
type Server struct {
	config     Config
	conns      *connRegistry
	registry   *fanout.Registry
	manager    *connection.Manager
	aggregator *receipt.Aggregator
	typing     *typing.Store
	limiter    *ratelimit.Limiter
	transport  connection.Transport
	httpServer *http.Server
	done       chan struct{}
}

// NewServer wires the gateway against its collaborators. limiter may be nil
// to disable command throttling (tests).
func NewServer(
	config Config,
	registry *fanout.Registry,
	manager *connection.Manager,
	aggregator *receipt.Aggregator,
	typingStore *typing.Store,
	limiter *ratelimit.Limiter,
	transport connection.Transport,
) *Server {
	return &Server{
		config:     config,
		conns:      newConnRegistry(),
		registry:   registry,
		manager:    manager,
		aggregator: aggregator,
		typing:     typingStore,
		limiter:    limiter,
		transport:  transport,
		done:       make(chan struct{}),
	}
}

// Start begins accepting WebSocket connections and serving /metrics and
// /health. It blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	startHeartbeat(s, defaultHeartbeatConfig())

	log.Printf("gateway: listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: http server error: %w", err)
	}
	return nil
}

// Shutdown closes every client connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	for _, c := range s.conns.all() {
		s.removeConn(c)
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection. The
// org_id and user_id query parameters identify the session (credential
// validation happens upstream of this layer); per-IP connect rate limiting
// guards the upgrade path.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	orgID := r.URL.Query().Get("org_id")
	userID := r.URL.Query().Get("user_id")
	if orgID == "" || userID == "" {
		http.Error(w, "org_id and user_id required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		ip, _, _ := net.SplitHostPort(r.RemoteAddr)
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	c := &Conn{
		ID:             uuid.New().String(),
		UserID:         userID,
		OrganizationID: orgID,
		Conn:           conn,
		CreatedAt:      time.Now(),
		LastPing:       time.Now(),
		writeTimeout:   s.config.WriteTimeout,
	}

	// Ensure the shared upstream connection for this organization exists.
	// Connect is idempotent, so every client may call it.
	go func() {
		if err := s.manager.Connect(context.Background(), orgID, channel.ScopeDashboard); err != nil {
			log.Printf("gateway: upstream connect org=%s: %v", orgID, err)
		}
	}()

	// One fan-out subscription per client: forward every event kind.
	handlers := make(fanout.Handlers, len(event.Kinds))
	for _, kind := range event.Kinds {
		handlers[kind] = func(ev event.Event) {
			s.forwardEvent(c, ev)
		}
	}
	c.unsubscribe = s.registry.Subscribe(handlers)

	s.conns.add(c)
	metrics.GatewayConnections.Set(float64(s.conns.count()))
	log.Printf("gateway: connected id=%s org=%s user=%s", c.ID, orgID, userID)

	s.sendReady(c)

	go s.readLoop(c)
}

// forwardEvent pushes one realtime event envelope to the client. A write
// failure tears the connection down; the client reconnects and backfills
// from the ready message's recent history.
func (s *Server) forwardEvent(c *Conn, ev event.Event) {
	raw, err := ev.Encode()
	if err != nil {
		log.Printf("gateway: encode event kind=%s: %v", ev.Kind, err)
		return
	}
	data, err := protocol.NewServerMessage(protocol.TypeEvent, protocol.EventMsg{
		Event: json.RawMessage(raw),
	})
	if err != nil {
		log.Printf("gateway: build event message: %v", err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("gateway: write failed id=%s: %v", c.ID, err)
		s.removeConn(c)
	}
}

// sendReady sends the ready message with the recent event history.
func (s *Server) sendReady(c *Conn) {
	history := s.registry.History()
	recent := make([]json.RawMessage, 0, len(history))
	for _, ev := range history {
		raw, err := ev.Encode()
		if err != nil {
			continue
		}
		recent = append(recent, json.RawMessage(raw))
	}

	data, err := protocol.NewServerMessage(protocol.TypeReady, protocol.ReadyMsg{Recent: recent})
	if err != nil {
		log.Printf("gateway: build ready message: %v", err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("gateway: send ready id=%s: %v", c.ID, err)
		s.removeConn(c)
	}
}

// readLoop reads frames from the client until the connection dies, routing
// each complete text frame through the dispatcher.
func (s *Server) readLoop(c *Conn) {
	defer s.removeConn(c)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if s.config.ReadTimeout > 0 {
			c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		data, op, err := wsutil.ReadClientData(c.Conn)
		if err != nil {
			return
		}
		c.LastPing = time.Now()
		if op != ws.OpText {
			continue
		}
		s.dispatch(c, data)
	}
}

// removeConn deregisters the connection, releasing its fan-out subscription
// and closing the socket. Removing an already-removed connection is a no-op.
func (s *Server) removeConn(c *Conn) {
	if s.conns.remove(c.ID) {
		metrics.GatewayConnections.Set(float64(s.conns.count()))
		log.Printf("gateway: disconnected id=%s", c.ID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"connections": s.conns.count(),
	})
}
