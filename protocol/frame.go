// Package protocol
// Author: momentics <momentics@gmail.com>
//
// RFC 6455 frame model, codec, opening handshake and connection state machine.

package protocol

import "fmt"

// Opcode identifies the frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// Header bits and limits.
const (
	FinBit  = 0x80
	RsvMask = 0x70
	MaskBit = 0x80

	MaxControlPayloadLen = 125

	// DefaultMaxFramePayload bounds a single decoded frame.
	DefaultMaxFramePayload int64 = 16 << 20
	// DefaultMaxMessageSize bounds a reassembled message.
	DefaultMaxMessageSize int64 = 64 << 20
)

// IsValid reports whether the opcode is defined by RFC 6455.
func (o Opcode) IsValid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// IsControl reports whether the opcode is a control frame opcode.
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

// IsData reports whether the opcode starts a data message.
func (o Opcode) IsData() bool { return o == OpText || o == OpBinary }

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "CONTINUATION"
	case OpText:
		return "TEXT"
	case OpBinary:
		return "BINARY"
	case OpClose:
		return "CLOSE"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	}
	return fmt.Sprintf("OPCODE(0x%x)", byte(o))
}

// Frame is one decoded or to-be-encoded WebSocket frame. Payload is always
// held unmasked.
type Frame struct {
	Fin     bool
	Rsv     byte // three reserved bits, 0..7
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s fin=%t len=%d", f.Opcode, f.Fin, len(f.Payload))
}
