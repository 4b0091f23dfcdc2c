// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

// Role selects which side of the connection an endpoint plays.
// It decides the masking direction of frames.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// MustMask reports whether frames sent by this role carry a mask.
func (r Role) MustMask() bool { return r == RoleClient }

// Peer returns the role of the remote endpoint.
func (r Role) Peer() Role {
	if r == RoleClient {
		return RoleServer
	}
	return RoleClient
}

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// State enumerates the lifecycle of a WebSocket connection.
// Transitions are linear: Handshaking -> Open -> Closing -> Closed.
type State int32

const (
	StateHandshaking State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnStats is a point-in-time view of per-connection traffic counters.
type ConnStats struct {
	FramesIn  uint64
	FramesOut uint64
	BytesIn   uint64
	BytesOut  uint64
	Messages  uint64
}
