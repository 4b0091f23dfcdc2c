// File: protocol/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Binary frame codec. Decoding reads exactly the bytes of one frame from a
// stream, so partial deliveries from the transport are accumulated by
// io.ReadFull rather than misparsed.

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"slices"

	"github.com/momentics/wspy/api"
)

// Encode serializes f as sent by role. Frames from a client are always
// masked with a fresh key; f.Masked forces masking for any role.
// f.Payload is not modified.
func Encode(f *Frame, role api.Role) ([]byte, error) {
	return AppendEncode(nil, f, role)
}

// AppendEncode is Encode appending the wire bytes to dst.
func AppendEncode(dst []byte, f *Frame, role api.Role) ([]byte, error) {
	if role.MustMask() || f.Masked {
		return encode(dst, f, true, NewMaskKey())
	}
	return encode(dst, f, false, [4]byte{})
}

// EncodeWithKey serializes f masked with key.
func EncodeWithKey(f *Frame, key [4]byte) ([]byte, error) {
	return encode(nil, f, true, key)
}

// EncodedLen returns the wire size of f.
func EncodedLen(f *Frame, masked bool) int {
	n := len(f.Payload)
	size := 2 + n
	switch {
	case n > 0xFFFF:
		size += 8
	case n > 125:
		size += 2
	}
	if masked {
		size += 4
	}
	return size
}

func encode(dst []byte, f *Frame, masked bool, key [4]byte) ([]byte, error) {
	if err := validateOutgoing(f); err != nil {
		return dst, err
	}
	n := len(f.Payload)

	start, size := len(dst), EncodedLen(f, masked)
	dst = slices.Grow(dst, size)[:start+size]
	out := dst[start:]

	b0 := byte(f.Opcode) | (f.Rsv&0x7)<<4
	if f.Fin {
		b0 |= FinBit
	}
	out[0] = b0

	var maskBit byte
	if masked {
		maskBit = MaskBit
	}
	off := 2
	switch {
	case n <= 125:
		out[1] = byte(n) | maskBit
	case n <= 0xFFFF:
		out[1] = 126 | maskBit
		binary.BigEndian.PutUint16(out[2:], uint16(n))
		off += 2
	default:
		out[1] = 127 | maskBit
		binary.BigEndian.PutUint64(out[2:], uint64(n))
		off += 8
	}

	if masked {
		copy(out[off:], key[:])
		off += 4
	}
	copy(out[off:], f.Payload)
	if masked {
		MaskBytes(key, 0, out[off:])
	}
	return dst, nil
}

func validateOutgoing(f *Frame) error {
	if f.Rsv > 7 {
		return api.NewProtocolError(api.CloseProtocolError, api.ErrReservedBits)
	}
	if !f.Opcode.IsValid() {
		return api.NewProtocolError(api.CloseProtocolError, api.ErrUnknownOpcode)
	}
	if f.Opcode.IsControl() {
		if !f.Fin {
			return api.NewProtocolError(api.CloseProtocolError, api.ErrControlFragmented)
		}
		if len(f.Payload) > MaxControlPayloadLen {
			return api.NewProtocolError(api.CloseProtocolError, api.ErrControlTooLong)
		}
	}
	return nil
}

// Decode reads one frame addressed to role, with the default payload cap.
func Decode(r io.Reader, role api.Role) (*Frame, error) {
	return DecodeLimit(r, role, DefaultMaxFramePayload)
}

// DecodeLimit reads one frame addressed to role. A server only accepts
// masked frames and a client only unmasked ones. maxPayload <= 0 disables
// the cap. Violations are *api.ProtocolError; stream failures are
// *api.TransportError.
func DecodeLimit(r io.Reader, role api.Role, maxPayload int64) (*Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &api.TransportError{Op: "read", Err: err}
	}

	f := &Frame{
		Fin:    hdr[0]&FinBit != 0,
		Rsv:    (hdr[0] & RsvMask) >> 4,
		Opcode: Opcode(hdr[0] & 0x0F),
		Masked: hdr[1]&MaskBit != 0,
	}
	if f.Rsv != 0 {
		return nil, api.NewProtocolError(api.CloseProtocolError, api.ErrReservedBits)
	}
	if !f.Opcode.IsValid() {
		return nil, api.NewProtocolError(api.CloseProtocolError, api.ErrUnknownOpcode)
	}

	length := int64(hdr[1] & 0x7F)
	if f.Opcode.IsControl() {
		if !f.Fin {
			return nil, api.NewProtocolError(api.CloseProtocolError, api.ErrControlFragmented)
		}
		if length > MaxControlPayloadLen {
			return nil, api.NewProtocolError(api.CloseProtocolError, api.ErrControlTooLong)
		}
	}
	// The peer's role dictates masking.
	if f.Masked != role.Peer().MustMask() {
		return nil, api.NewProtocolError(api.CloseProtocolError, api.ErrMaskDirection)
	}

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, &api.TransportError{Op: "read", Err: err}
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, &api.TransportError{Op: "read", Err: err}
		}
		u := binary.BigEndian.Uint64(ext[:])
		if u>>63 != 0 {
			return nil, api.NewProtocolError(api.CloseProtocolError, api.ErrBadLength)
		}
		length = int64(u)
	}
	if maxPayload > 0 && length > maxPayload {
		return nil, api.NewProtocolError(api.CloseMessageTooBig, api.ErrFrameTooLarge)
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.MaskKey[:]); err != nil {
			return nil, &api.TransportError{Op: "read", Err: err}
		}
	}

	payload, err := readPayload(r, length)
	if err != nil {
		return nil, &api.TransportError{Op: "read", Err: err}
	}
	f.Payload = payload
	if f.Masked {
		MaskBytes(f.MaskKey, 0, f.Payload)
	}
	return f, nil
}

// payloadChunk bounds the up-front allocation for a payload. Longer
// payloads grow with the bytes that actually arrive, so an uncapped
// decoder never trusts a peer-declared length.
const payloadChunk = 1 << 20

func readPayload(r io.Reader, length int64) ([]byte, error) {
	if length <= payloadChunk {
		b := make([]byte, length)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	var buf bytes.Buffer
	buf.Grow(payloadChunk)
	n, err := io.CopyN(&buf, r, length)
	if n < length {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}
