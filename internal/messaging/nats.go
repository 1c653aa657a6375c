// Package messaging provides the NATS client wrapper used as the realtime
// transport. It handles connection lifecycle and exposes the generic
// subscribe/publish surface the connection manager drives; topic names
// always come from the channel package, never from call-site string
// assembly.
package messaging

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pulsedesk/support-app/internal/channel"
	"github.com/pulsedesk/support-app/internal/connection"
	"github.com/pulsedesk/support-app/internal/event"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between transport-level reconnect attempts
	MaxReconnects int           // max transport-level reconnects (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "pulsedesk-realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection. It satisfies connection.Transport.
type Client struct {
	conn *nats.Conn
}

// NewClient connects to NATS with the given config and returns a ready
// client. onError, if non-nil, is invoked when the transport loses its
// connection; the connection manager's HandleTransportError is the intended
// target so application-level state tracks transport health.
func NewClient(config Config, onError func(error)) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
			if onError != nil {
				if err == nil {
					err = fmt.Errorf("nats: connection lost")
				}
				onError(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{conn: nc}, nil
}

// Subscribe registers a handler for the given topic and returns the live
// subscription for later release.
func (c *Client) Subscribe(topic string, handler func(data []byte)) (connection.Subscription, error) {
	sub, err := c.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	return sub, nil
}

// Publish sends data to the given topic.
func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

// PublishEvent serializes the event and publishes it on the conversation
// topic when the payload is conversation-scoped, or the organization-wide
// topic otherwise.
func (c *Client) PublishEvent(organizationID, conversationID string, scope channel.Scope, ev event.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return c.Publish(channel.Name(organizationID, conversationID, scope), data)
}

// Close drains the NATS connection, releasing every subscription.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
