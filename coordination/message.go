package coordination

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType enumerates the coordination event kinds.
type MessageType string

// Coordination message types.
const (
	TypeGeneral               MessageType = "GENERAL"
	TypeReadyForReview        MessageType = "READY_FOR_REVIEW"
	TypeStatusUpdate          MessageType = "STATUS_UPDATE"
	TypeInterfaceUpdate       MessageType = "INTERFACE_UPDATE"
	TypeHeartbeat             MessageType = "HEARTBEAT"
	TypeReviewComplete        MessageType = "REVIEW_COMPLETE"
	TypeDevOpsStarted         MessageType = "DEVOPS_STARTED"
	TypeDevOpsStepUpdate      MessageType = "DEVOPS_STEP_UPDATE"
	TypeDevOpsComplete        MessageType = "DEVOPS_COMPLETE"
	TypeDevOpsFailed          MessageType = "DEVOPS_FAILED"
	TypeSwarmStarted          MessageType = "SWARM_STARTED"
	TypeSwarmReviewerComplete MessageType = "SWARM_REVIEWER_COMPLETE"
	TypeSwarmComplete         MessageType = "SWARM_COMPLETE"
	TypeSwarmFailed           MessageType = "SWARM_FAILED"
)

// ParseMessageType validates a message type string.
func ParseMessageType(s string) (MessageType, error) {
	switch t := MessageType(s); t {
	case TypeGeneral, TypeReadyForReview, TypeStatusUpdate, TypeInterfaceUpdate,
		TypeHeartbeat, TypeReviewComplete,
		TypeDevOpsStarted, TypeDevOpsStepUpdate, TypeDevOpsComplete, TypeDevOpsFailed,
		TypeSwarmStarted, TypeSwarmReviewerComplete, TypeSwarmComplete, TypeSwarmFailed:
		return t, nil
	default:
		return "", fmt.Errorf("unknown message type: %s", s)
	}
}

// Payload is the subject/description body of a message.
type Payload struct {
	Subject     string `json:"subject"`
	Description string `json:"description"`
}

// Message is one coordination event.
type Message struct {
	ID           string      `json:"id"`
	Type         MessageType `json:"type"`
	FromInstance string      `json:"from_instance"`
	ToInstance   string      `json:"to_instance"`
	Timestamp    time.Time   `json:"timestamp"`
	RequiresAck  bool        `json:"requires_ack"`
	Acknowledged bool        `json:"acknowledged"`
	AckBy        string      `json:"ack_by,omitempty"`
	AckTimestamp *time.Time  `json:"ack_timestamp,omitempty"`
	AckComment   string      `json:"ack_comment,omitempty"`
	Payload      Payload     `json:"payload"`
}

// IsBroadcast reports whether the message addresses every instance.
func (m *Message) IsBroadcast() bool {
	return m.ToInstance == BroadcastInstance
}

// Pending reports whether the message awaits acknowledgement.
func (m *Message) Pending() bool {
	return m.RequiresAck && !m.Acknowledged
}

// Wire timestamp layout: second-precision UTC with trailing Z.
const timestampLayout = "2006-01-02T15:04:05Z07:00"

// FormatTimestamp renders t in the substrate's wire form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timestampLayout)
}

// ParseTimestamp parses a wire timestamp, accepting both a trailing Z and an
// explicit +00:00 offset.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Hash field names for the stored message form.
const (
	fieldID           = "id"
	fieldType         = "type"
	fieldFrom         = "from"
	fieldTo           = "to"
	fieldTimestamp    = "timestamp"
	fieldRequiresAck  = "requires_ack"
	fieldAcknowledged = "acknowledged"
	fieldSubject      = "subject"
	fieldDescription  = "description"
	fieldAckBy        = "ack_by"
	fieldAckTimestamp = "ack_timestamp"
	fieldAckComment   = "ack_comment"
)

// wireBool renders a boolean in the substrate's "0"/"1" hash form.
func wireBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Hash encodes the message as a flat string-to-string map for Redis HSET.
// Booleans are "0"/"1"; timestamps are second-precision UTC with trailing Z.
func (m *Message) Hash() map[string]string {
	h := map[string]string{
		fieldID:           m.ID,
		fieldType:         string(m.Type),
		fieldFrom:         m.FromInstance,
		fieldTo:           m.ToInstance,
		fieldTimestamp:    FormatTimestamp(m.Timestamp),
		fieldRequiresAck:  wireBool(m.RequiresAck),
		fieldAcknowledged: wireBool(m.Acknowledged),
		fieldSubject:      m.Payload.Subject,
		fieldDescription:  m.Payload.Description,
	}
	if m.AckBy != "" {
		h[fieldAckBy] = m.AckBy
	}
	if m.AckTimestamp != nil {
		h[fieldAckTimestamp] = FormatTimestamp(*m.AckTimestamp)
	}
	if m.AckComment != "" {
		h[fieldAckComment] = m.AckComment
	}
	return h
}

// MessageFromHash reconstructs a message from its stored hash form. It rejects
// unknown message types and malformed timestamps.
func MessageFromHash(h map[string]string) (*Message, error) {
	msgType, err := ParseMessageType(h[fieldType])
	if err != nil {
		return nil, err
	}

	ts, err := ParseTimestamp(h[fieldTimestamp])
	if err != nil {
		return nil, err
	}

	m := &Message{
		ID:           h[fieldID],
		Type:         msgType,
		FromInstance: h[fieldFrom],
		ToInstance:   h[fieldTo],
		Timestamp:    ts,
		RequiresAck:  h[fieldRequiresAck] == "1",
		Acknowledged: h[fieldAcknowledged] == "1",
		AckBy:        h[fieldAckBy],
		AckComment:   h[fieldAckComment],
		Payload: Payload{
			Subject:     h[fieldSubject],
			Description: h[fieldDescription],
		},
	}

	if raw := h[fieldAckTimestamp]; raw != "" {
		ackTS, err := ParseTimestamp(raw)
		if err != nil {
			return nil, err
		}
		m.AckTimestamp = &ackTS
	}

	return m, nil
}

// NotificationEvent is the event tag carried by every notification.
const NotificationEvent = "message_published"

// Notification is the small pub/sub record describing a just-published
// message. The same JSON form is queued for offline recipients.
type Notification struct {
	Event       string      `json:"event"`
	MessageID   string      `json:"message_id"`
	Type        MessageType `json:"type"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	RequiresAck bool        `json:"requires_ack"`
	Timestamp   string      `json:"timestamp"`
}

// NotificationFor builds the notification record for a published message.
func NotificationFor(m *Message) Notification {
	return Notification{
		Event:       NotificationEvent,
		MessageID:   m.ID,
		Type:        m.Type,
		From:        m.FromInstance,
		To:          m.ToInstance,
		RequiresAck: m.RequiresAck,
		Timestamp:   FormatTimestamp(m.Timestamp),
	}
}

// Encode renders the notification as its JSON wire form.
func (n Notification) Encode() ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return data, nil
}

// DecodeNotification parses a notification wire record, rejecting unknown
// message types.
func DecodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("unmarshal notification: %w", err)
	}
	if _, err := ParseMessageType(string(n.Type)); err != nil {
		return Notification{}, err
	}
	return n, nil
}
