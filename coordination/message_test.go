package coordination

import (
	"testing"
	"time"
)

func TestMessageHashRoundTrip(t *testing.T) {
	ackTime := time.Date(2026, 3, 14, 10, 30, 1, 0, time.UTC)
	m := &Message{
		ID:           "msg-ab12cd34",
		Type:         TypeReadyForReview,
		FromInstance: "builder",
		ToInstance:   "reviewer",
		Timestamp:    time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		RequiresAck:  true,
		Acknowledged: true,
		AckBy:        "reviewer",
		AckTimestamp: &ackTime,
		AckComment:   "looks good",
		Payload: Payload{
			Subject:     "Review module X",
			Description: "please check the parser",
		},
	}

	got, err := MessageFromHash(m.Hash())
	if err != nil {
		t.Fatalf("MessageFromHash: %v", err)
	}

	if got.ID != m.ID || got.Type != m.Type || got.FromInstance != m.FromInstance ||
		got.ToInstance != m.ToInstance || !got.Timestamp.Equal(m.Timestamp) {
		t.Errorf("identity fields mismatch: got %+v", got)
	}
	if !got.RequiresAck || !got.Acknowledged || got.AckBy != "reviewer" || got.AckComment != "looks good" {
		t.Errorf("ack fields mismatch: got %+v", got)
	}
	if got.AckTimestamp == nil || !got.AckTimestamp.Equal(ackTime) {
		t.Errorf("ack timestamp mismatch: got %v", got.AckTimestamp)
	}
	if got.Payload != m.Payload {
		t.Errorf("payload mismatch: got %+v", got.Payload)
	}
}

func TestMessageHashWireForms(t *testing.T) {
	m := &Message{
		ID:           "msg-00000001",
		Type:         TypeGeneral,
		FromInstance: "a",
		ToInstance:   "b",
		Timestamp:    time.Date(2026, 3, 14, 10, 30, 0, 500_000_000, time.UTC),
	}
	h := m.Hash()

	if h["requires_ack"] != "0" || h["acknowledged"] != "0" {
		t.Errorf("booleans must be 0/1, got requires_ack=%q acknowledged=%q", h["requires_ack"], h["acknowledged"])
	}
	// Sub-second precision is dropped; the wire form carries a trailing Z.
	if h["timestamp"] != "2026-03-14T10:30:00Z" {
		t.Errorf("timestamp wire form: got %q", h["timestamp"])
	}
	if _, ok := h["ack_by"]; ok {
		t.Error("empty ack_by must be omitted from the hash")
	}
}

func TestMessageFromHashRejects(t *testing.T) {
	valid := (&Message{
		ID: "msg-1", Type: TypeGeneral, FromInstance: "a", ToInstance: "b",
		Timestamp: time.Now(),
	}).Hash()

	tests := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"unknown type", func(h map[string]string) { h["type"] = "NOT_A_TYPE" }},
		{"bad timestamp", func(h map[string]string) { h["timestamp"] = "yesterday" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := make(map[string]string, len(valid))
			for k, v := range valid {
				h[k] = v
			}
			tt.mutate(h)
			if _, err := MessageFromHash(h); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

func TestParseTimestampOffsets(t *testing.T) {
	want := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	for _, raw := range []string{"2026-03-14T10:30:00Z", "2026-03-14T10:30:00+00:00"} {
		got, err := ParseTimestamp(raw)
		if err != nil {
			t.Fatalf("ParseTimestamp(%q): %v", raw, err)
		}
		if !got.Equal(want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestParseMessageType(t *testing.T) {
	if _, err := ParseMessageType("DEVOPS_STARTED"); err != nil {
		t.Errorf("valid type rejected: %v", err)
	}
	if _, err := ParseMessageType("banana"); err == nil {
		t.Error("invalid type accepted")
	}
}

func TestMessagePredicates(t *testing.T) {
	m := &Message{ToInstance: BroadcastInstance, RequiresAck: true}
	if !m.IsBroadcast() {
		t.Error("expected broadcast")
	}
	if !m.Pending() {
		t.Error("unacknowledged ack-required message must be pending")
	}
	m.Acknowledged = true
	if m.Pending() {
		t.Error("acknowledged message must not be pending")
	}
}

func TestNotificationRoundTrip(t *testing.T) {
	m := &Message{
		ID:           "msg-ab12cd34",
		Type:         TypeStatusUpdate,
		FromInstance: "builder",
		ToInstance:   "all",
		Timestamp:    time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		RequiresAck:  true,
	}

	data, err := NotificationFor(m).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	n, err := DecodeNotification(data)
	if err != nil {
		t.Fatalf("DecodeNotification: %v", err)
	}
	if n.Event != NotificationEvent {
		t.Errorf("event: got %q, want %q", n.Event, NotificationEvent)
	}
	if n.MessageID != m.ID || n.Type != m.Type || n.From != "builder" || n.To != "all" || !n.RequiresAck {
		t.Errorf("notification fields mismatch: %+v", n)
	}
	if n.Timestamp != "2026-03-14T10:30:00Z" {
		t.Errorf("timestamp: got %q", n.Timestamp)
	}
}

func TestDecodeNotificationRejectsUnknownType(t *testing.T) {
	if _, err := DecodeNotification([]byte(`{"event":"message_published","type":"NOPE"}`)); err == nil {
		t.Error("expected error for unknown message type")
	}
}
