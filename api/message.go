// File: api/message.go
// Author: momentics <momentics@gmail.com>
//
// Application-level message exchanged over a connection.

package api

import (
	"fmt"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
)

// MessageType tells how a message payload is interpreted.
type MessageType int

const (
	MessageText MessageType = iota
	MessageBinary
	// MessageJSON is a text message whose payload is a JSON document.
	MessageJSON
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "TextMessage"
	case MessageBinary:
		return "BinaryMessage"
	case MessageJSON:
		return "JSONMessage"
	}
	return "UnknownMessage"
}

// Message is a complete, reassembled application message.
type Message struct {
	Type    MessageType
	Payload []byte
	// Value holds the decoded document of a MessageJSON.
	Value any
}

func NewTextMessage(s string) *Message {
	return &Message{Type: MessageText, Payload: []byte(s)}
}

func NewBinaryMessage(b []byte) *Message {
	return &Message{Type: MessageBinary, Payload: b}
}

// NewJSONMessage marshals v into a JSON text message.
func NewJSONMessage(v any) (*Message, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MessageJSON, Payload: b, Value: v}, nil
}

// ParseJSONMessage returns a MessageJSON when payload is a valid JSON document.
func ParseJSONMessage(payload []byte) (*Message, bool) {
	if !gjson.ValidBytes(payload) {
		return nil, false
	}
	var v any
	if err := sonic.Unmarshal(payload, &v); err != nil {
		return nil, false
	}
	return &Message{Type: MessageJSON, Payload: payload, Value: v}, true
}

// IsText reports whether the message travels in TEXT frames.
func (m *Message) IsText() bool { return m.Type != MessageBinary }

// Text returns the payload as a string.
func (m *Message) Text() string { return string(m.Payload) }

// ValidUTF8 reports whether a text payload is well formed.
func (m *Message) ValidUTF8() bool {
	return !m.IsText() || utf8.Valid(m.Payload)
}

// Get looks up a gjson path inside a JSON payload.
func (m *Message) Get(path string) gjson.Result {
	return gjson.GetBytes(m.Payload, path)
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	return sonic.Unmarshal(m.Payload, v)
}

func (m *Message) String() string {
	switch m.Type {
	case MessageBinary:
		return fmt.Sprintf("<%s %d bytes>", m.Type, len(m.Payload))
	default:
		return fmt.Sprintf("<%s %q>", m.Type, truncate(m.Payload, 64))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
