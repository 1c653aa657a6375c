package gateway

import (
	"log"
	"time"
)

// heartbeatConfig holds heartbeat tuning parameters.
type heartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // max time to wait for activity after ping
}

func defaultHeartbeatConfig() heartbeatConfig {
	return heartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no reads within Interval + Timeout). The goroutine exits when the
// server's done channel is closed.
func startHeartbeat(server *Server, config heartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections removes connections with no recent activity and pings
// the rest. Browsers answer the protocol-level ping automatically.
func checkConnections(server *Server, config heartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.conns.all() {
		if now.Sub(c.LastPing) > deadline {
			log.Printf("gateway: heartbeat timeout id=%s last_activity=%s ago",
				c.ID, now.Sub(c.LastPing).Round(time.Second))
			server.removeConn(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("gateway: heartbeat ping failed id=%s: %v", c.ID, err)
			server.removeConn(c)
		}
	}
}
