// Package graphcomm is the message bus between the config extraction
// workflow and the search workflow. Every identity owns one Redis stream
// inbox read through a consumer group, which gives at-least-once delivery
// and per-sender ordering.
package graphcomm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type MessageType string

const (
	TypeHandshake      MessageType = "handshake"
	TypeHandshakeAck   MessageType = "handshake_ack"
	TypeConfigRequest  MessageType = "config_request"
	TypeConfigResponse MessageType = "config_response"
	TypeFeedback       MessageType = "feedback"
	TypeStatus         MessageType = "status"
	TypeTelemetry      MessageType = "telemetry"
)

// replyType is the type a handler's reply is sent as.
func replyType(t MessageType) (MessageType, bool) {
	switch t {
	case TypeHandshake:
		return TypeHandshakeAck, true
	case TypeConfigRequest:
		return TypeConfigResponse, true
	}
	return "", false
}

type Message struct {
	ID   string
	Type MessageType
	From string
	To   string
	// CorrelationID is the id of the request a reply answers.
	CorrelationID string
	Domain        string
	Payload       json.RawMessage
	SentAt        time.Time
	Attempt       int

	streamID string
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	return json.Unmarshal(m.Payload, v)
}

func (m Message) values() map[string]any {
	return map[string]any{
		"id":             m.ID,
		"type":           string(m.Type),
		"from":           m.From,
		"to":             m.To,
		"correlation_id": m.CorrelationID,
		"domain":         m.Domain,
		"payload":        string(m.Payload),
		"sent_at":        m.SentAt.UTC().Format(time.RFC3339Nano),
		"attempt":        strconv.Itoa(m.Attempt),
	}
}

func parseMessage(x redis.XMessage) (Message, error) {
	str := func(key string) string {
		s, _ := x.Values[key].(string)
		return s
	}
	m := Message{
		ID:            str("id"),
		Type:          MessageType(str("type")),
		From:          str("from"),
		To:            str("to"),
		CorrelationID: str("correlation_id"),
		Domain:        str("domain"),
		Payload:       json.RawMessage(str("payload")),
		streamID:      x.ID,
	}
	if m.ID == "" || m.Type == "" || m.From == "" {
		return Message{}, fmt.Errorf("stream entry %s is missing id, type or sender", x.ID)
	}
	if raw := str("sent_at"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Message{}, fmt.Errorf("stream entry %s: bad sent_at: %w", x.ID, err)
		}
		m.SentAt = t
	}
	m.Attempt = 1
	if raw := str("attempt"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Message{}, fmt.Errorf("stream entry %s: bad attempt: %w", x.ID, err)
		}
		if n > 0 {
			m.Attempt = n
		}
	}
	return m, nil
}
