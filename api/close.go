package api

import "strconv"

// CloseCode is the 16-bit status carried in a CLOSE frame.
type CloseCode uint16

const (
	// CloseNone marks a CLOSE frame (or a transport teardown) without a code.
	CloseNone CloseCode = 0

	CloseNormal            CloseCode = 1000
	CloseGoingAway         CloseCode = 1001
	CloseProtocolError     CloseCode = 1002
	CloseUnsupportedData   CloseCode = 1003
	CloseNoStatus          CloseCode = 1005
	CloseAbnormal          CloseCode = 1006
	CloseInvalidData       CloseCode = 1007
	ClosePolicyViolation   CloseCode = 1008
	CloseMessageTooBig     CloseCode = 1009
	CloseMissingExtensions CloseCode = 1010
	CloseInternalError     CloseCode = 1011
	CloseTLSHandshake      CloseCode = 1015
)

// Valid reports whether the code may appear on the wire in a CLOSE frame.
// 1005, 1006 and 1015 are reserved for local reporting only.
func (c CloseCode) Valid() bool {
	switch {
	case c >= 1000 && c <= 1003:
		return true
	case c >= 1007 && c <= 1011:
		return true
	case c >= 3000 && c <= 4999:
		return true
	}
	return false
}

func (c CloseCode) String() string {
	switch c {
	case CloseNone:
		return "none"
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going away"
	case CloseProtocolError:
		return "protocol error"
	case CloseUnsupportedData:
		return "unsupported data"
	case CloseNoStatus:
		return "no status"
	case CloseAbnormal:
		return "abnormal closure"
	case CloseInvalidData:
		return "invalid data"
	case ClosePolicyViolation:
		return "policy violation"
	case CloseMessageTooBig:
		return "message too big"
	case CloseMissingExtensions:
		return "missing extensions"
	case CloseInternalError:
		return "internal error"
	case CloseTLSHandshake:
		return "tls handshake"
	}
	return "code " + strconv.Itoa(int(c))
}
