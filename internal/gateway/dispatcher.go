package gateway

import (
	"context"
	"log"
	"time"

	"github.com/pulsedesk/support-app/internal/channel"
	"github.com/pulsedesk/support-app/internal/event"
	"github.com/pulsedesk/support-app/internal/protocol"
	"github.com/pulsedesk/support-app/internal/ratelimit"
	"github.com/pulsedesk/support-app/internal/receipt"
)

// commandTimeout bounds the storage round trips a single client command may
// spend before its context is cancelled.
const commandTimeout = 10 * time.Second

// dispatch parses the raw frame and routes it to the matching command
// handler. Ping is handled inline; parse errors and unknown types get a
// structured error response.
func (s *Server) dispatch(c *Conn, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("gateway: dispatch parse error id=%s: %v", c.ID, err)
		s.sendError(c, "parse_error", "invalid message format")
		return
	}

	switch m := msg.(type) {
	case protocol.PingMsg:
		s.sendPong(c)
	case protocol.SubscribeMsg:
		s.handleSubscribe(c, m)
	case protocol.UnsubscribeMsg:
		s.manager.RemoveConversation(c.OrganizationID, channel.ScopeDashboard, m.ConversationID)
	case protocol.TypingMsg:
		s.handleTyping(c, m)
	case protocol.MarkReadMsg:
		s.handleMarkRead(c, m)
	case protocol.EngagementMsg:
		s.handleEngagement(c, m)
	case protocol.PresenceMsg:
		s.handlePresence(c, m)
	default:
		log.Printf("gateway: unsupported message type=%q id=%s", msgType, c.ID)
		s.sendError(c, "unsupported_type", "unsupported message type")
	}
}

func (s *Server) handleSubscribe(c *Conn, m protocol.SubscribeMsg) {
	if m.ConversationID == "" {
		s.sendError(c, "bad_request", "conversation_id required")
		return
	}
	if err := s.manager.AddConversation(c.OrganizationID, channel.ScopeDashboard, m.ConversationID); err != nil {
		log.Printf("gateway: subscribe conversation=%s id=%s: %v", m.ConversationID, c.ID, err)
		s.sendError(c, "subscribe_failed", "conversation subscription failed")
		return
	}
	s.sendTypingState(c, m.ConversationID)
}

// sendTypingState reports who is currently composing in the conversation, so
// a freshly subscribed client does not wait for the next typing event to
// render indicators.
func (s *Server) sendTypingState(c *Conn, conversationID string) {
	entries := s.typing.Typing(conversationID)
	userIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		userIDs = append(userIDs, e.UserID)
	}

	data, err := protocol.NewServerMessage(protocol.TypeTypingState, protocol.TypingStateMsg{
		ConversationID: conversationID,
		UserIDs:        userIDs,
	})
	if err != nil {
		log.Printf("gateway: build typing_state id=%s: %v", c.ID, err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("gateway: send typing_state id=%s: %v", c.ID, err)
	}
}

// handleTyping publishes a typing_start or typing_stop event on the
// conversation topic so every server instance (this one included, via its
// own upstream subscription) updates its typing store.
func (s *Server) handleTyping(c *Conn, m protocol.TypingMsg) {
	if !s.allow(c, c.UserID, ratelimit.RuleTyping) {
		return
	}

	var (
		ev  event.Event
		err error
	)
	if m.IsTyping {
		ev, err = event.New(event.KindTypingStart, event.TypingStart{
			ConversationID: m.ConversationID,
			UserID:         c.UserID,
			UserType:       event.SenderOperator,
			Preview:        m.Preview,
		})
	} else {
		ev, err = event.New(event.KindTypingStop, event.TypingStop{
			ConversationID: m.ConversationID,
			UserID:         c.UserID,
		})
	}
	if err != nil {
		log.Printf("gateway: build typing event id=%s: %v", c.ID, err)
		return
	}
	s.publish(channel.Conversation(c.OrganizationID, m.ConversationID), ev)
}

func (s *Server) handleMarkRead(c *Conn, m protocol.MarkReadMsg) {
	if !s.allow(c, c.UserID, ratelimit.RuleMarkRead) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	s.aggregator.MarkAsRead(ctx, receipt.MarkAsReadRequest{
		MessageIDs:     m.MessageIDs,
		ConversationID: m.ConversationID,
		OrganizationID: c.OrganizationID,
		ReaderID:       c.UserID,
		ReaderType:     receipt.ReaderOperator,
		Metadata:       m.Metadata,
	})
}

func (s *Server) handleEngagement(c *Conn, m protocol.EngagementMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	err := s.aggregator.RecordEngagement(ctx, receipt.EngagementRecord{
		MessageID:       m.MessageID,
		ReaderID:        c.UserID,
		TimeSpentMs:     m.TimeSpentMs,
		ViewportVisible: m.ViewportVisible,
		InteractionType: m.InteractionType,
		ScrollDepth:     m.ScrollDepth,
	})
	if err != nil {
		log.Printf("gateway: record engagement message=%s id=%s: %v", m.MessageID, c.ID, err)
	}
}

func (s *Server) handlePresence(c *Conn, m protocol.PresenceMsg) {
	ev, err := event.New(event.KindPresenceUpdate, event.PresenceUpdate{
		OrganizationID: c.OrganizationID,
		UserID:         c.UserID,
		Status:         m.Status,
	})
	if err != nil {
		log.Printf("gateway: build presence event id=%s: %v", c.ID, err)
		return
	}
	s.publish(channel.Organization(c.OrganizationID, channel.ScopeDashboard), ev)
}

// publish serializes the event and sends it to the transport topic.
func (s *Server) publish(topic string, ev event.Event) {
	data, err := ev.Encode()
	if err != nil {
		log.Printf("gateway: encode %s event: %v", ev.Kind, err)
		return
	}
	if err := s.transport.Publish(topic, data); err != nil {
		log.Printf("gateway: publish %s to %s: %v", ev.Kind, topic, err)
	}
}

// allow applies a rate-limit rule, notifying the client when throttled.
// With no limiter configured everything passes.
func (s *Server) allow(c *Conn, identifier string, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, _ := s.limiter.Allow(ctx, identifier, rule)
	if !ok {
		data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(rule.Window.Seconds()),
		})
		if err == nil {
			c.WriteMessage(data)
		}
	}
	return ok
}

// sendError sends a structured error message back to the client. Errors
// during message construction or transmission are logged but not propagated.
func (s *Server) sendError(c *Conn, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("gateway: failed to build error message id=%s: %v", c.ID, err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("gateway: failed to send error message id=%s: %v", c.ID, err)
	}
}

// sendPong responds to a client ping and refreshes the keepalive timestamp.
func (s *Server) sendPong(c *Conn) {
	c.LastPing = time.Now()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("gateway: failed to build pong message id=%s: %v", c.ID, err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("gateway: failed to send pong id=%s: %v", c.ID, err)
	}
}
