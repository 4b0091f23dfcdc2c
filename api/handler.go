// File: api/handler.go
// Package api defines the callback contract between the engine and the application.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Logger is the leveled logging surface the engine writes to.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Handler receives connection events. All callbacks for one connection run
// on that connection's goroutine, in wire order.
type Handler interface {
	OnOpen(c Conn)
	OnMessage(c Conn, msg *Message)
	OnPing(c Conn, payload []byte)
	OnPong(c Conn, payload []byte)
	// OnClose fires exactly once. code is CloseNone when the peer sent no
	// code or the transport failed.
	OnClose(c Conn, code CloseCode, reason string)
	OnError(c Conn, err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil slots log the event.
type HandlerFuncs struct {
	Log     Logger
	Open    func(c Conn)
	Message func(c Conn, msg *Message)
	Ping    func(c Conn, payload []byte)
	Pong    func(c Conn, payload []byte)
	Close   func(c Conn, code CloseCode, reason string)
	Error   func(c Conn, err error)
}

var _ Handler = (*HandlerFuncs)(nil)

func (h *HandlerFuncs) OnOpen(c Conn) {
	if h.Open != nil {
		h.Open(c)
		return
	}
	h.logf("connection %s opened from %v", c.ID(), c.RemoteAddr())
}

func (h *HandlerFuncs) OnMessage(c Conn, msg *Message) {
	if h.Message != nil {
		h.Message(c, msg)
		return
	}
	h.logf("connection %s received %s", c.ID(), msg)
}

func (h *HandlerFuncs) OnPing(c Conn, payload []byte) {
	if h.Ping != nil {
		h.Ping(c, payload)
		return
	}
	h.logf("connection %s ping %q", c.ID(), payload)
}

func (h *HandlerFuncs) OnPong(c Conn, payload []byte) {
	if h.Pong != nil {
		h.Pong(c, payload)
		return
	}
	h.logf("connection %s pong %q", c.ID(), payload)
}

func (h *HandlerFuncs) OnClose(c Conn, code CloseCode, reason string) {
	if h.Close != nil {
		h.Close(c, code, reason)
		return
	}
	h.logf("connection %s closed: %d %q", c.ID(), uint16(code), reason)
}

func (h *HandlerFuncs) OnError(c Conn, err error) {
	if h.Error != nil {
		h.Error(c, err)
		return
	}
	if h.Log != nil {
		h.Log.Errorf("connection %s error: %v", c.ID(), err)
	}
}

func (h *HandlerFuncs) logf(format string, args ...any) {
	if h.Log != nil {
		h.Log.Infof(format, args...)
	}
}
