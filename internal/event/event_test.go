package event

import (
	"strings"
	"testing"
)

func TestNewEncodeParseRoundTrip(t *testing.T) {
	ev, err := New(KindMessageCreated, MessageCreated{
		MessageID:      "m1",
		ConversationID: "c1",
		SenderType:     SenderVisitor,
		Body:           "hello",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if ev.OccurredAt.IsZero() {
		t.Error("expected occurrence timestamp to be set")
	}

	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Kind != KindMessageCreated {
		t.Errorf("expected kind %s, got %s", KindMessageCreated, parsed.Kind)
	}

	var p MessageCreated
	if err := parsed.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.MessageID != "m1" || p.Body != "hello" {
		t.Errorf("payload mangled in transit: %+v", p)
	}
}

func TestParseRejectsMissingKind(t *testing.T) {
	if _, err := Parse([]byte(`{"data":{"message_id":"m1"}}`)); err == nil {
		t.Fatal("expected error for envelope without kind")
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}

func TestDecodeErrorNamesTheKind(t *testing.T) {
	ev := Event{Kind: KindTypingStart, Data: []byte(`{"conversation_id":1}`)}

	var p TypingStart
	err := ev.Decode(&p)
	if err == nil {
		t.Fatal("expected type mismatch error")
	}
	if !strings.Contains(err.Error(), KindTypingStart) {
		t.Errorf("error should name the kind for debugging, got: %v", err)
	}
}

func TestKindsCoversEveryConstant(t *testing.T) {
	want := map[string]bool{
		KindMessageCreated:       false,
		KindMessageStatusUpdated: false,
		KindConversationUpdated:  false,
		KindTypingStart:          false,
		KindTypingStop:           false,
		KindPresenceUpdate:       false,
		KindAssignmentChanged:    false,
		KindReadReceipts:         false,
	}
	for _, k := range Kinds {
		if _, ok := want[k]; !ok {
			t.Errorf("Kinds lists unknown kind %q", k)
		}
		want[k] = true
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("Kinds is missing %q", k)
		}
	}
}
