// File: api/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "net"

// Conn is the application's view of a WebSocket connection.
type Conn interface {
	ID() string
	Role() Role
	State() State
	Path() string
	RemoteAddr() net.Addr
	Protocols() []string
	Extensions() []string

	Send(msg *Message, opts ...SendOption) error
	Ping(payload []byte) error
	Close(code CloseCode, reason string) error

	Stats() ConnStats
	Done() <-chan struct{}
}

// SendOptions controls how one message is framed.
type SendOptions struct {
	// FragmentSize splits the payload into frames of at most this many bytes.
	// Zero sends the message as a single frame.
	FragmentSize int
	// Mask forces masking even when the role does not require it.
	Mask bool
}

// SendOption mutates SendOptions.
type SendOption func(*SendOptions)

func WithFragmentSize(n int) SendOption {
	return func(o *SendOptions) { o.FragmentSize = n }
}

func WithMask() SendOption {
	return func(o *SendOptions) { o.Mask = true }
}

// ApplySendOptions folds opts into a SendOptions value.
func ApplySendOptions(opts ...SendOption) SendOptions {
	var o SendOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
