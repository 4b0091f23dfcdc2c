package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wspy/api"
)

func requireProtocolError(t *testing.T, err error, code api.CloseCode, target error) {
	t.Helper()
	var pe *api.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, code, pe.Code)
	assert.ErrorIs(t, err, target)
}

func TestFrameRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 1000, 65535, 65536, 70000}
	ops := []Opcode{OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong}
	for _, role := range []api.Role{api.RoleClient, api.RoleServer} {
		for _, op := range ops {
			for _, fin := range []bool{true, false} {
				for _, n := range sizes {
					if op.IsControl() && (!fin || n > MaxControlPayloadLen) {
						continue
					}
					payload := bytes.Repeat([]byte{'a' + byte(n%26)}, n)
					in := &Frame{Fin: fin, Opcode: op, Payload: payload}

					b, err := Encode(in, role)
					require.NoError(t, err)

					out, err := Decode(bytes.NewReader(b), role.Peer())
					require.NoError(t, err, "%s %s fin=%t n=%d", role, op, fin, n)
					assert.Equal(t, in.Fin, out.Fin)
					assert.Equal(t, in.Opcode, out.Opcode)
					assert.Equal(t, role.MustMask(), out.Masked)
					assert.Equal(t, payload, out.Payload)
				}
			}
		}
	}
}

func TestEncodeKnownVectors(t *testing.T) {
	b, err := Encode(&Frame{Fin: true, Opcode: OpText, Payload: []byte("Hello")}, api.RoleServer)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'}, b)

	b, err = EncodeWithKey(&Frame{Fin: true, Opcode: OpText, Payload: []byte("Hello")}, [4]byte{0x37, 0xfa, 0x21, 0x3d})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}, b)

	f, err := Decode(bytes.NewReader(b), api.RoleServer)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(f.Payload))
	assert.Equal(t, [4]byte{0x37, 0xfa, 0x21, 0x3d}, f.MaskKey)
}

func TestEncodeLengthClasses(t *testing.T) {
	cases := []struct {
		n       int
		marker  byte
		hdrSize int
	}{
		{125, 125, 2},
		{126, 126, 4},
		{65535, 126, 4},
		{65536, 127, 10},
	}
	for _, tc := range cases {
		b, err := Encode(&Frame{Fin: true, Opcode: OpBinary, Payload: make([]byte, tc.n)}, api.RoleServer)
		require.NoError(t, err)
		assert.Equal(t, tc.marker, b[1]&0x7F, "n=%d", tc.n)
		assert.Len(t, b, tc.hdrSize+tc.n, "n=%d", tc.n)
	}
}

func TestEncodeDoesNotMutatePayload(t *testing.T) {
	payload := []byte("unchanged")
	_, err := Encode(&Frame{Fin: true, Opcode: OpText, Payload: payload}, api.RoleClient)
	require.NoError(t, err)
	assert.Equal(t, "unchanged", string(payload))
}

func TestEncodeForcedMask(t *testing.T) {
	b, err := Encode(&Frame{Fin: true, Opcode: OpText, Masked: true, Payload: []byte("x")}, api.RoleServer)
	require.NoError(t, err)
	assert.NotZero(t, b[1]&MaskBit)
}

func TestEncodeRejectsInvalidControl(t *testing.T) {
	_, err := Encode(&Frame{Fin: false, Opcode: OpPing}, api.RoleServer)
	requireProtocolError(t, err, api.CloseProtocolError, api.ErrControlFragmented)

	_, err = Encode(&Frame{Fin: true, Opcode: OpClose, Payload: make([]byte, 126)}, api.RoleServer)
	requireProtocolError(t, err, api.CloseProtocolError, api.ErrControlTooLong)

	_, err = Encode(&Frame{Fin: true, Opcode: Opcode(0x3)}, api.RoleServer)
	requireProtocolError(t, err, api.CloseProtocolError, api.ErrUnknownOpcode)
}

func TestDecodeViolations(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	masked := func(b ...byte) []byte { return append(b, key...) }

	cases := []struct {
		name   string
		input  []byte
		code   api.CloseCode
		target error
	}{
		{"rsv bits", masked(0xC1, 0x80), api.CloseProtocolError, api.ErrReservedBits},
		{"unknown opcode", masked(0x83, 0x80), api.CloseProtocolError, api.ErrUnknownOpcode},
		{"unmasked from client", []byte{0x81, 0x00}, api.CloseProtocolError, api.ErrMaskDirection},
		{"fragmented close", masked(0x08, 0x80), api.CloseProtocolError, api.ErrControlFragmented},
		{"oversized close", []byte{0x88, 0x80 | 126, 0x00, 0xC8}, api.CloseProtocolError, api.ErrControlTooLong},
		{"64-bit msb", []byte{0x82, 0x80 | 127, 0x80, 0, 0, 0, 0, 0, 0, 0}, api.CloseProtocolError, api.ErrBadLength},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tc.input), api.RoleServer)
			requireProtocolError(t, err, tc.code, tc.target)
		})
	}
}

func TestDecodeMaskedToClient(t *testing.T) {
	b, err := EncodeWithKey(&Frame{Fin: true, Opcode: OpText, Payload: []byte("x")}, [4]byte{9, 9, 9, 9})
	require.NoError(t, err)
	_, err = Decode(bytes.NewReader(b), api.RoleClient)
	requireProtocolError(t, err, api.CloseProtocolError, api.ErrMaskDirection)
}

func TestDecodeLimit(t *testing.T) {
	b, err := Encode(&Frame{Fin: true, Opcode: OpBinary, Payload: make([]byte, 64)}, api.RoleClient)
	require.NoError(t, err)
	_, err = DecodeLimit(bytes.NewReader(b), api.RoleServer, 32)
	requireProtocolError(t, err, api.CloseMessageTooBig, api.ErrFrameTooLarge)

	_, err = DecodeLimit(bytes.NewReader(b), api.RoleServer, 0)
	require.NoError(t, err)
}

func TestDecodeUncappedHugeLength(t *testing.T) {
	// 2^50 bytes declared, ten delivered.
	hdr := []byte{0x82, MaskBit | 127, 0, 0x04, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4}
	r := io.MultiReader(bytes.NewReader(hdr), bytes.NewReader(make([]byte, 10)))

	var f *Frame
	var err error
	require.NotPanics(t, func() { f, err = DecodeLimit(r, api.RoleServer, 0) })
	assert.Nil(t, f)
	var te *api.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeUncappedLargePayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, payloadChunk+17)
	b, err := Encode(&Frame{Fin: true, Opcode: OpBinary, Payload: payload}, api.RoleClient)
	require.NoError(t, err)

	f, err := DecodeLimit(iotest.HalfReader(bytes.NewReader(b)), api.RoleServer, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, f.Payload)
}

func TestDecodePartialDelivery(t *testing.T) {
	payload := []byte(strings.Repeat("partial ", 40))
	b, err := Encode(&Frame{Fin: true, Opcode: OpText, Payload: payload}, api.RoleClient)
	require.NoError(t, err)

	f, err := Decode(iotest.OneByteReader(bytes.NewReader(b)), api.RoleServer)
	require.NoError(t, err)
	assert.Equal(t, payload, f.Payload)
}

func TestDecodeTruncated(t *testing.T) {
	b, err := Encode(&Frame{Fin: true, Opcode: OpText, Payload: []byte("truncated")}, api.RoleClient)
	require.NoError(t, err)

	for _, n := range []int{0, 1, 4, len(b) - 1} {
		_, err := Decode(bytes.NewReader(b[:n]), api.RoleServer)
		var te *api.TransportError
		require.ErrorAs(t, err, &te, "n=%d", n)
		if n == 0 {
			assert.ErrorIs(t, err, io.EOF)
		} else {
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		}
	}
}

func TestMaskBytesInverse(t *testing.T) {
	key := NewMaskKey()
	orig := []byte("the quick brown fox")
	b := append([]byte(nil), orig...)

	MaskBytes(key, 0, b)
	assert.NotEqual(t, orig, b)
	MaskBytes(key, 0, b)
	assert.Equal(t, orig, b)

	// Masking in two pieces matches masking at once.
	split := append([]byte(nil), orig...)
	pos := MaskBytes(key, 0, split[:7])
	MaskBytes(key, pos, split[7:])
	whole := append([]byte(nil), orig...)
	MaskBytes(key, 0, whole)
	assert.Equal(t, whole, split)
}

func TestClosePayload(t *testing.T) {
	code, reason, err := ParseClosePayload(nil)
	require.NoError(t, err)
	assert.Equal(t, api.CloseNone, code)
	assert.Empty(t, reason)

	code, reason, err = ParseClosePayload(BuildClosePayload(api.CloseGoingAway, "bye"))
	require.NoError(t, err)
	assert.Equal(t, api.CloseGoingAway, code)
	assert.Equal(t, "bye", reason)

	_, _, err = ParseClosePayload([]byte{0x03})
	requireProtocolError(t, err, api.CloseProtocolError, api.ErrInvalidClosePayload)

	_, _, err = ParseClosePayload([]byte{0x03, 0xE8, 0xff})
	requireProtocolError(t, err, api.CloseInvalidData, api.ErrInvalidUTF8)

	assert.Nil(t, BuildClosePayload(api.CloseNone, "ignored"))
	long := BuildClosePayload(api.CloseNormal, strings.Repeat("é", 100))
	assert.LessOrEqual(t, len(long), MaxControlPayloadLen)
	_, _, err = ParseClosePayload(long)
	require.NoError(t, err)
}

func TestOpcodeHelpers(t *testing.T) {
	assert.True(t, OpPing.IsControl())
	assert.False(t, OpText.IsControl())
	assert.True(t, OpBinary.IsData())
	assert.False(t, OpContinuation.IsData())
	assert.False(t, Opcode(0xB).IsValid())
	assert.Equal(t, "CLOSE", OpClose.String())
	assert.Equal(t, "OPCODE(0x3)", Opcode(3).String())
}

func TestFragment(t *testing.T) {
	frames := Fragment(OpText, []byte("HelloWorld"), 5)
	require.Len(t, frames, 2)
	assert.Equal(t, OpText, frames[0].Opcode)
	assert.False(t, frames[0].Fin)
	assert.Equal(t, "Hello", string(frames[0].Payload))
	assert.Equal(t, OpContinuation, frames[1].Opcode)
	assert.True(t, frames[1].Fin)
	assert.Equal(t, "World", string(frames[1].Payload))

	frames = Fragment(OpBinary, []byte("abcdefg"), 3)
	require.Len(t, frames, 3)
	assert.Equal(t, []bool{false, false, true}, []bool{frames[0].Fin, frames[1].Fin, frames[2].Fin})
	assert.Equal(t, "g", string(frames[2].Payload))

	frames = Fragment(OpText, []byte("small"), 0)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Fin)

	frames = Fragment(OpText, nil, 4)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Fin)
}

func TestAssembler(t *testing.T) {
	a := newAssembler(10)
	requireProtocolError(t, a.add([]byte("x")), api.CloseProtocolError, api.ErrUnexpectedContinuation)

	require.NoError(t, a.start(OpText, []byte("Hel")))
	requireProtocolError(t, a.start(OpBinary, nil), api.CloseProtocolError, api.ErrInterleavedMessage)
	require.NoError(t, a.add(nil))
	require.NoError(t, a.add([]byte("lo")))
	op, b := a.finish()
	assert.Equal(t, OpText, op)
	assert.Equal(t, "Hello", string(b))
	assert.False(t, a.active())

	require.NoError(t, a.start(OpBinary, make([]byte, 8)))
	requireProtocolError(t, a.add(make([]byte, 8)), api.CloseMessageTooBig, api.ErrMessageTooLarge)
}

func TestAssemblerRelease(t *testing.T) {
	a := acquireAssembler(100)
	assert.Equal(t, int64(100), a.limit)
	require.NoError(t, a.start(OpBinary, []byte{1, 2, 3}))
	releaseAssembler(a)

	// Whatever the pool hands out next starts idle.
	b := acquireAssembler(5)
	defer releaseAssembler(b)
	assert.False(t, b.active())
	assert.Zero(t, b.size)
	assert.Zero(t, b.frags.Length())
	assert.Equal(t, int64(5), b.limit)
	require.NoError(t, b.start(OpText, []byte("ab")))
	requireProtocolError(t, b.add([]byte("cdef")), api.CloseMessageTooBig, api.ErrMessageTooLarge)
}

func TestAppendEncodeReusesBuffer(t *testing.T) {
	f := &Frame{Fin: true, Opcode: OpBinary, Payload: bytes.Repeat([]byte{7}, 300)}
	want, err := Encode(f, api.RoleServer)
	require.NoError(t, err)
	assert.Equal(t, len(want), EncodedLen(f, false))

	buf := make([]byte, 3, 1024)
	copy(buf, "abc")
	got, err := AppendEncode(buf, f, api.RoleServer)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got[:3]))
	assert.Equal(t, want, got[3:])
	assert.Equal(t, &buf[0], &got[0])
}
