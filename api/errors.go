// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by the codec, the handshake and the connection layer.

package api

import (
	"errors"
	"fmt"
)

// Connection misuse.
var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrNotOpen          = errors.New("connection is not open")
)

// Handshake failures.
var (
	ErrMalformedRequest   = errors.New("malformed handshake request")
	ErrHeaderTooLarge     = errors.New("handshake header too large")
	ErrMissingHeader      = errors.New("missing handshake header")
	ErrVersionMismatch    = errors.New("unsupported websocket version")
	ErrBadUpgrade         = errors.New("invalid upgrade request")
	ErrBadStatus          = errors.New("unexpected handshake status")
	ErrAcceptMismatch     = errors.New("sec-websocket-accept mismatch")
	ErrUnexpectedProtocol = errors.New("server selected a value that was not offered")
)

// Protocol violations detected on the frame stream.
var (
	ErrReservedBits           = errors.New("reserved bits set")
	ErrUnknownOpcode          = errors.New("unknown opcode")
	ErrMaskDirection          = errors.New("mask bit does not match sender role")
	ErrControlFragmented      = errors.New("fragmented control frame")
	ErrControlTooLong         = errors.New("control frame payload exceeds 125 bytes")
	ErrBadLength              = errors.New("invalid payload length")
	ErrFrameTooLarge          = errors.New("frame payload exceeds limit")
	ErrMessageTooLarge        = errors.New("message exceeds limit")
	ErrInvalidUTF8            = errors.New("invalid utf-8 payload")
	ErrInterleavedMessage     = errors.New("data frame interleaved with fragmented message")
	ErrUnexpectedContinuation = errors.New("continuation frame without message in progress")
	ErrInvalidClosePayload    = errors.New("invalid close payload")
)

// HandshakeError reports a rejected opening handshake.
// Status is the HTTP status a server should answer with, 0 when not applicable.
type HandshakeError struct {
	Err    error
	Reason string
	Status int
}

func (e *HandshakeError) Error() string {
	if e.Reason == "" {
		return "handshake: " + e.Err.Error()
	}
	return "handshake: " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// NewHandshakeError builds a HandshakeError with a formatted reason.
func NewHandshakeError(err error, status int, format string, args ...any) *HandshakeError {
	return &HandshakeError{Err: err, Status: status, Reason: fmt.Sprintf(format, args...)}
}

// ProtocolError is a frame-level violation tagged with the close code
// that must be sent to the peer.
type ProtocolError struct {
	Code CloseCode
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%d): %v", uint16(e.Code), e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError tags err with a close code.
func NewProtocolError(code CloseCode, err error) *ProtocolError {
	return &ProtocolError{Code: code, Err: err}
}

// TransportError wraps a failure of the underlying stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// CloseCodeFor maps an error to the close code reported for it.
// Transport failures have no code.
func CloseCodeFor(err error) CloseCode {
	if err == nil {
		return CloseNormal
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	var te *TransportError
	if errors.As(err, &te) {
		return CloseNone
	}
	return CloseInternalError
}
