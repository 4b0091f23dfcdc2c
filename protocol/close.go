package protocol

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/momentics/wspy/api"
)

// ParseClosePayload extracts the status code and reason of a CLOSE frame.
// An empty payload yields CloseNone and an empty reason.
func ParseClosePayload(p []byte) (api.CloseCode, string, error) {
	switch {
	case len(p) == 0:
		return api.CloseNone, "", nil
	case len(p) == 1:
		return api.CloseNone, "", api.NewProtocolError(api.CloseProtocolError, api.ErrInvalidClosePayload)
	}
	code := api.CloseCode(binary.BigEndian.Uint16(p))
	reason := p[2:]
	if !utf8.Valid(reason) {
		return code, "", api.NewProtocolError(api.CloseInvalidData, api.ErrInvalidUTF8)
	}
	return code, string(reason), nil
}

// BuildClosePayload encodes code and reason. CloseNone produces an empty
// payload. The reason is cut so the payload fits a control frame.
func BuildClosePayload(code api.CloseCode, reason string) []byte {
	if code == api.CloseNone {
		return nil
	}
	if len(reason) > MaxControlPayloadLen-2 {
		reason = truncateUTF8(reason, MaxControlPayloadLen-2)
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	copy(p[2:], reason)
	return p
}

func truncateUTF8(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
