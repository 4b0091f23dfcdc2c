// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the callback contract
// and loopback streams.

package fake

import (
	"sync"
	"time"

	"github.com/momentics/wspy/api"
)

const eventBuffer = 1024

// CloseEvent is a recorded OnClose call.
type CloseEvent struct {
	Conn   api.Conn
	Code   api.CloseCode
	Reason string
}

// Handler records every callback on buffered channels. Hooks run after
// the event is recorded.
type Handler struct {
	Opened   chan api.Conn
	Messages chan *api.Message
	Pings    chan []byte
	Pongs    chan []byte
	Errors   chan error
	Closed   chan CloseEvent

	// Echo sends every received message back on the same connection.
	Echo bool

	OnMessageFn func(c api.Conn, msg *api.Message)
	OnCloseFn   func(c api.Conn, code api.CloseCode, reason string)

	mu     sync.Mutex
	closes int
}

var _ api.Handler = (*Handler)(nil)

// NewHandler creates a recording handler.
func NewHandler() *Handler {
	return &Handler{
		Opened:   make(chan api.Conn, eventBuffer),
		Messages: make(chan *api.Message, eventBuffer),
		Pings:    make(chan []byte, eventBuffer),
		Pongs:    make(chan []byte, eventBuffer),
		Errors:   make(chan error, eventBuffer),
		Closed:   make(chan CloseEvent, eventBuffer),
	}
}

func (h *Handler) OnOpen(c api.Conn) { h.Opened <- c }

func (h *Handler) OnMessage(c api.Conn, msg *api.Message) {
	h.Messages <- msg
	if h.Echo {
		_ = c.Send(msg)
	}
	if h.OnMessageFn != nil {
		h.OnMessageFn(c, msg)
	}
}

func (h *Handler) OnPing(c api.Conn, payload []byte) { h.Pings <- append([]byte(nil), payload...) }

func (h *Handler) OnPong(c api.Conn, payload []byte) { h.Pongs <- append([]byte(nil), payload...) }

func (h *Handler) OnError(c api.Conn, err error) { h.Errors <- err }

func (h *Handler) OnClose(c api.Conn, code api.CloseCode, reason string) {
	h.mu.Lock()
	h.closes++
	h.mu.Unlock()
	h.Closed <- CloseEvent{Conn: c, Code: code, Reason: reason}
	if h.OnCloseFn != nil {
		h.OnCloseFn(c, code, reason)
	}
}

// CloseCount returns how many times OnClose ran.
func (h *Handler) CloseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

// WaitMessage returns the next message or false after d.
func (h *Handler) WaitMessage(d time.Duration) (*api.Message, bool) {
	select {
	case m := <-h.Messages:
		return m, true
	case <-time.After(d):
		return nil, false
	}
}

// WaitClose returns the next close event or false after d.
func (h *Handler) WaitClose(d time.Duration) (CloseEvent, bool) {
	select {
	case ev := <-h.Closed:
		return ev, true
	case <-time.After(d):
		return CloseEvent{}, false
	}
}

// WaitError returns the next reported error or nil after d.
func (h *Handler) WaitError(d time.Duration) error {
	select {
	case err := <-h.Errors:
		return err
	case <-time.After(d):
		return nil
	}
}

// WaitOpen returns the next opened connection or nil after d.
func (h *Handler) WaitOpen(d time.Duration) api.Conn {
	select {
	case c := <-h.Opened:
		return c
	case <-time.After(d):
		return nil
	}
}
