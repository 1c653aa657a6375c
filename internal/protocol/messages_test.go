package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid mark_read message
// ---------------------------------------------------------------------------

func TestParseClientMessage_MarkRead(t *testing.T) {
	input := []byte(`{"type":"mark_read","conversation_id":"c1","message_ids":["1","2"],"metadata":{"surface":"widget"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMarkRead {
		t.Fatalf("expected type %q, got %q", TypeMarkRead, msgType)
	}

	mr, ok := msg.(MarkReadMsg)
	if !ok {
		t.Fatalf("expected MarkReadMsg, got %T", msg)
	}
	if mr.ConversationID != "c1" {
		t.Errorf("expected conversation_id %q, got %q", "c1", mr.ConversationID)
	}
	if len(mr.MessageIDs) != 2 {
		t.Fatalf("expected 2 message ids, got %d", len(mr.MessageIDs))
	}
	if mr.Metadata["surface"] != "widget" {
		t.Errorf("expected metadata surface=widget, got %v", mr.Metadata)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid typing message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","conversation_id":"c1","is_typing":true,"preview":"hel"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, msgType)
	}

	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if !tm.IsTyping {
		t.Error("expected is_typing true")
	}
	if tm.Preview != "hel" {
		t.Errorf("expected preview %q, got %q", "hel", tm.Preview)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a rate_limited server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_RateLimited(t *testing.T) {
	data, err := NewServerMessage(TypeRateLimited, RateLimitedMsg{RetryAfter: 30})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeRateLimited {
		t.Errorf("expected type %q, got %v", TypeRateLimited, result["type"])
	}
	retryAfter, ok := result["retry_after"].(float64)
	if !ok {
		t.Fatalf("expected retry_after to be a number, got %T", result["retry_after"])
	}
	if int(retryAfter) != 30 {
		t.Errorf("expected retry_after 30, got %v", retryAfter)
	}
}

// ---------------------------------------------------------------------------
// Test: The injected type field wins over a stale one in the payload
// ---------------------------------------------------------------------------

func TestNewServerMessage_OverridesStaleType(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{Type: "garbage"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypePong {
		t.Errorf("expected type %q on the wire, got %v", TypePong, result["type"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only types are rejected from clients
// ---------------------------------------------------------------------------

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"ready"}`)); err == nil {
		t.Fatal("expected error for server-only type from a client, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"subscribe", `{"type":"subscribe","conversation_id":"c1"}`, TypeSubscribe},
		{"unsubscribe", `{"type":"unsubscribe","conversation_id":"c1"}`, TypeUnsubscribe},
		{"typing", `{"type":"typing","conversation_id":"c1","is_typing":true}`, TypeTyping},
		{"mark_read", `{"type":"mark_read","conversation_id":"c1","message_ids":["1"]}`, TypeMarkRead},
		{"engagement", `{"type":"engagement","message_id":"1","time_spent_ms":500}`, TypeEngagement},
		{"presence", `{"type":"presence","status":"away"}`, TypePresence},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
