// Package websocket provides WebSocket message types and protocol definitions.
package websocket

import (
	"encoding/json"
)

// Message is the envelope for all typed WebSocket frames. The wire type
// discriminates the payload shape; unknown types are logged by readers, not
// treated as protocol errors.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a typed message with a marshaled payload.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	if payload == nil {
		return &Message{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal
// (maps and plain structs). It panics on marshal errors.
func MustMessage(msgType string, payload interface{}) *Message {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// ParsePayload parses the payload into the given struct.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Encode renders the message as a JSON frame.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a JSON frame into the message.
func (m *Message) Decode(data []byte) error {
	return json.Unmarshal(data, m)
}
