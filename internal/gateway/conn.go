package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn represents a single WebSocket client connection with its associated
// identity and a write mutex for serializing outbound frames.
type Conn struct {
	ID             string   // connection ID (UUID)
	UserID         string   // authenticated user
	OrganizationID string   // tenant boundary
	Conn           net.Conn // underlying TCP connection
	CreatedAt      time.Time
	LastPing       time.Time // last keepalive received from the client

	writeMu      sync.Mutex
	writeTimeout time.Duration
	unsubscribe  func() // releases this connection's fan-out subscription
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.Conn.Close()
}

// connRegistry is a goroutine-safe registry of active client connections.
type connRegistry struct {
	mu   sync.RWMutex
	byID map[string]*Conn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{byID: make(map[string]*Conn)}
}

func (r *connRegistry) add(c *Conn) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.mu.Unlock()
}

// remove deregisters and closes the connection, releasing its fan-out
// subscription. Returns false if it was already gone.
func (r *connRegistry) remove(id string) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	delete(r.byID, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.Close()
	return true
}

func (r *connRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *connRegistry) all() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	return conns
}
