package websocket

import (
	"encoding/json"
	"time"

	"github.com/vadymcap/Vasc/internal/domain"
)

type MessageType string

const (
	// TypeChange pushes one accepted change to subscribed clients. The
	// payload is a domain.ChangeEntry.
	TypeChange MessageType = "change"
	TypePing   MessageType = "ping"
	TypePong   MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// DecodeChange extracts the change entry from a TypeChange message.
func DecodeChange(m *Message) (domain.ChangeEntry, error) {
	var entry domain.ChangeEntry
	err := m.UnmarshalPayload(&entry)
	return entry, err
}
