// File: protocol/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection state machine. One goroutine runs Serve per connection and
// dispatches every received frame in order; writes from any goroutine are
// serialized per connection.

package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/momentics/wspy/api"
	"github.com/momentics/wspy/internal/pool"
)

// DefaultCloseTimeout bounds the wait for the peer's CLOSE echo.
const DefaultCloseTimeout = 5 * time.Second

// Conn is a WebSocket connection over a stream.
type Conn struct {
	id     string
	role   api.Role
	stream net.Conn
	br     *bufio.Reader
	state  atomic.Int32

	handler api.Handler
	log     api.Logger

	path       string
	protocols  []string
	extensions []string

	wmu    sync.Mutex // one frame at a time on the wire
	sendMu sync.Mutex // one data message at a time

	closeTimeout time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxFrame     int64
	maxMessage   int64
	parseJSON    bool
	onTeardown   func(*Conn)

	closeSent  atomic.Bool
	timerMu    sync.Mutex
	closeTimer *time.Timer
	finishOnce sync.Once
	done       chan struct{}

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	messages  atomic.Uint64
}

var _ api.Conn = (*Conn)(nil)

// ConnOption configures a Conn.
type ConnOption func(*Conn)

func WithHandler(h api.Handler) ConnOption { return func(c *Conn) { c.handler = h } }

func WithLogger(l api.Logger) ConnOption { return func(c *Conn) { c.log = l } }

func WithID(id string) ConnOption { return func(c *Conn) { c.id = id } }

// WithReader supplies a reader that may already hold bytes read from the stream.
func WithReader(br *bufio.Reader) ConnOption { return func(c *Conn) { c.br = br } }

func WithCloseTimeout(d time.Duration) ConnOption { return func(c *Conn) { c.closeTimeout = d } }

func WithReadTimeout(d time.Duration) ConnOption { return func(c *Conn) { c.readTimeout = d } }

func WithWriteTimeout(d time.Duration) ConnOption { return func(c *Conn) { c.writeTimeout = d } }

func WithMaxFramePayload(n int64) ConnOption { return func(c *Conn) { c.maxFrame = n } }

func WithMaxMessageSize(n int64) ConnOption { return func(c *Conn) { c.maxMessage = n } }

// WithJSON delivers valid JSON text messages as api.MessageJSON.
func WithJSON(enabled bool) ConnOption { return func(c *Conn) { c.parseJSON = enabled } }

// WithTeardown registers fn to run once the connection is CLOSED, before OnClose.
func WithTeardown(fn func(*Conn)) ConnOption { return func(c *Conn) { c.onTeardown = fn } }

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// NewConn wraps stream in the HANDSHAKING state.
func NewConn(stream net.Conn, role api.Role, opts ...ConnOption) *Conn {
	c := &Conn{
		role:         role,
		stream:       stream,
		closeTimeout: DefaultCloseTimeout,
		maxFrame:     DefaultMaxFramePayload,
		maxMessage:   DefaultMaxMessageSize,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.br == nil {
		c.br = bufio.NewReader(stream)
	}
	if c.log == nil {
		c.log = nopLogger{}
	}
	if c.handler == nil {
		c.handler = &api.HandlerFuncs{Log: c.log}
	}
	return c
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) Role() api.Role        { return c.role }
func (c *Conn) State() api.State      { return api.State(c.state.Load()) }
func (c *Conn) Path() string          { return c.path }
func (c *Conn) RemoteAddr() net.Addr  { return c.stream.RemoteAddr() }
func (c *Conn) Protocols() []string   { return c.protocols }
func (c *Conn) Extensions() []string  { return c.extensions }
func (c *Conn) Done() <-chan struct{} { return c.done }
func (c *Conn) Handler() api.Handler  { return c.handler }

// Stream exposes the underlying transport.
func (c *Conn) Stream() net.Conn { return c.stream }

func (c *Conn) transition(from, to api.State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Stats returns the traffic counters.
func (c *Conn) Stats() api.ConnStats {
	return api.ConnStats{
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
		Messages:  c.messages.Load(),
	}
}

// AcceptHandshake runs the server side of the opening handshake and moves
// the connection to OPEN once the 101 response has been written.
func (c *Conn) AcceptHandshake(cfg ServerHandshake) error {
	if c.State() != api.StateHandshaking {
		return api.ErrNotOpen
	}
	hs, err := NegotiateServer(c.br, c.stream, cfg)
	if err != nil {
		return err
	}
	c.applyHandshake(hs)
	return nil
}

// StartHandshake runs the client side of the opening handshake.
func (c *Conn) StartHandshake(cfg ClientHandshake) error {
	if c.State() != api.StateHandshaking {
		return api.ErrNotOpen
	}
	hs, err := NegotiateClient(c.br, c.stream, cfg)
	if err != nil {
		return err
	}
	c.applyHandshake(hs)
	return nil
}

func (c *Conn) applyHandshake(hs *Handshake) {
	c.path = hs.Path
	c.protocols = hs.Protocols
	c.extensions = hs.Extensions
	c.transition(api.StateHandshaking, api.StateOpen)
}

// Serve runs the receive loop until the connection is CLOSED.
func (c *Conn) Serve() {
	switch c.State() {
	case api.StateHandshaking:
		c.abort()
		return
	case api.StateClosed:
		return
	}
	// A connection already CLOSING still reads until the peer's echo or
	// the close timer ends it.
	defer func() {
		if r := recover(); r != nil {
			c.fail(api.NewProtocolError(api.CloseInternalError, fmt.Errorf("handler panic: %v", r)))
		}
	}()

	asm := acquireAssembler(c.maxMessage)
	defer releaseAssembler(asm)
	for {
		if c.readTimeout > 0 {
			_ = c.stream.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		f, err := DecodeLimit(c.br, c.role, c.maxFrame)
		if err != nil {
			c.fail(err)
			return
		}
		c.framesIn.Add(1)
		c.bytesIn.Add(uint64(len(f.Payload)))

		closed, err := c.handleFrame(f, asm)
		if err != nil {
			c.fail(err)
			return
		}
		if closed {
			return
		}
	}
}

func (c *Conn) handleFrame(f *Frame, asm *assembler) (bool, error) {
	switch f.Opcode {
	case OpText, OpBinary:
		if f.Fin {
			if asm.active() {
				return false, api.NewProtocolError(api.CloseProtocolError, api.ErrInterleavedMessage)
			}
			return false, c.deliver(f.Opcode, f.Payload)
		}
		return false, asm.start(f.Opcode, f.Payload)

	case OpContinuation:
		if err := asm.add(f.Payload); err != nil {
			return false, err
		}
		if f.Fin {
			op, payload := asm.finish()
			return false, c.deliver(op, payload)
		}
		return false, nil

	case OpPing:
		c.handler.OnPing(c, f.Payload)
		// writeFrame drops the PONG once our CLOSE is on the wire.
		err := c.writeFrame(&Frame{Fin: true, Opcode: OpPong, Payload: f.Payload})
		if err != nil && !errors.Is(err, api.ErrConnectionClosed) {
			return false, err
		}
		return false, nil

	case OpPong:
		c.handler.OnPong(c, f.Payload)
		return false, nil

	case OpClose:
		code, reason, err := ParseClosePayload(f.Payload)
		if err != nil {
			return false, err
		}
		if c.transition(api.StateOpen, api.StateClosing) {
			echo := code
			if !echo.Valid() {
				echo = api.CloseNormal
			}
			c.closeSent.Store(true)
			if err := c.writeFrame(&Frame{Fin: true, Opcode: OpClose, Payload: BuildClosePayload(echo, "")}); err != nil {
				c.log.Debugf("connection %s: close echo failed: %v", c.id, err)
			}
		}
		c.finish(nil, code, reason)
		return true, nil
	}
	return false, api.NewProtocolError(api.CloseProtocolError, api.ErrUnknownOpcode)
}

func (c *Conn) deliver(op Opcode, payload []byte) error {
	var msg *api.Message
	if op == OpText {
		if !utf8.Valid(payload) {
			return api.NewProtocolError(api.CloseInvalidData, api.ErrInvalidUTF8)
		}
		if c.parseJSON {
			if m, ok := api.ParseJSONMessage(payload); ok {
				msg = m
			}
		}
		if msg == nil {
			msg = &api.Message{Type: api.MessageText, Payload: payload}
		}
	} else {
		msg = &api.Message{Type: api.MessageBinary, Payload: payload}
	}
	c.messages.Add(1)
	c.handler.OnMessage(c, msg)
	return nil
}

// fail tears the connection down after a receive-side error.
func (c *Conn) fail(err error) {
	if _, ok := err.(*api.TransportError); ok {
		if c.closeSent.Load() {
			// We initiated the close and the peer hung up or the close
			// timer fired.
			c.finish(nil, api.CloseNone, "")
			return
		}
		c.finish(err, api.CloseNone, "")
		return
	}

	code := api.CloseCodeFor(err)
	reason := ""
	if pe, ok := err.(*api.ProtocolError); ok {
		reason = pe.Err.Error()
	}
	if c.transition(api.StateOpen, api.StateClosing) {
		c.closeSent.Store(true)
		if werr := c.writeFrame(&Frame{Fin: true, Opcode: OpClose, Payload: BuildClosePayload(code, reason)}); werr != nil {
			c.log.Debugf("connection %s: close after error failed: %v", c.id, werr)
		}
	}
	c.finish(err, code, reason)
}

// finish moves to CLOSED and runs teardown and callbacks exactly once.
func (c *Conn) finish(err error, code api.CloseCode, reason string) {
	c.finishOnce.Do(func() {
		defer close(c.done)
		c.state.Store(int32(api.StateClosed))
		c.stopCloseTimer()
		_ = c.stream.Close()
		if c.onTeardown != nil {
			c.onTeardown(c)
		}
		if err != nil {
			c.handler.OnError(c, err)
		}
		c.handler.OnClose(c, code, reason)
	})
}

// abort closes a connection that never opened. No callbacks run.
func (c *Conn) abort() {
	c.finishOnce.Do(func() {
		defer close(c.done)
		c.state.Store(int32(api.StateClosed))
		_ = c.stream.Close()
		if c.onTeardown != nil {
			c.onTeardown(c)
		}
	})
}

// Close starts the closing handshake. The stream is force-closed if the
// peer does not answer within the close timeout. Calling Close on a
// connection that is already closing is a no-op.
func (c *Conn) Close(code api.CloseCode, reason string) error {
	if !c.transition(api.StateOpen, api.StateClosing) {
		if c.transition(api.StateHandshaking, api.StateClosed) {
			c.abort()
		}
		return nil
	}
	c.closeSent.Store(true)
	c.armCloseTimer()
	if err := c.writeFrame(&Frame{Fin: true, Opcode: OpClose, Payload: BuildClosePayload(code, reason)}); err != nil {
		_ = c.stream.Close()
		return err
	}
	return nil
}

func (c *Conn) armCloseTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.closeTimer != nil || c.closeTimeout <= 0 {
		return
	}
	c.closeTimer = time.AfterFunc(c.closeTimeout, func() {
		c.log.Debugf("connection %s: close timeout, dropping stream", c.id)
		_ = c.stream.Close()
	})
}

func (c *Conn) stopCloseTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
}

// Send writes msg, fragmented according to opts.
func (c *Conn) Send(msg *api.Message, opts ...api.SendOption) error {
	switch c.State() {
	case api.StateHandshaking:
		return api.ErrNotOpen
	case api.StateClosing, api.StateClosed:
		return api.ErrConnectionClosed
	}
	if !msg.ValidUTF8() {
		return api.NewProtocolError(api.CloseInvalidData, api.ErrInvalidUTF8)
	}
	o := api.ApplySendOptions(opts...)
	op := OpBinary
	if msg.IsText() {
		op = OpText
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, f := range Fragment(op, msg.Payload, o.FragmentSize) {
		f.Masked = o.Mask
		if err := c.writeFrame(f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) SendText(s string) error { return c.Send(api.NewTextMessage(s)) }

func (c *Conn) SendBinary(b []byte) error { return c.Send(api.NewBinaryMessage(b)) }

// SendJSON marshals v and sends it as a text message.
func (c *Conn) SendJSON(v any) error {
	msg, err := api.NewJSONMessage(v)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Ping sends a PING control frame.
func (c *Conn) Ping(payload []byte) error {
	if c.State() != api.StateOpen {
		return api.ErrConnectionClosed
	}
	return c.writeFrame(&Frame{Fin: true, Opcode: OpPing, Payload: payload})
}

// Pong sends an unsolicited PONG control frame.
func (c *Conn) Pong(payload []byte) error {
	if c.State() != api.StateOpen {
		return api.ErrConnectionClosed
	}
	return c.writeFrame(&Frame{Fin: true, Opcode: OpPong, Payload: payload})
}

// Fragment splits payload into frames of at most size bytes. The first
// frame carries op, the rest are continuations and only the last has FIN.
func Fragment(op Opcode, payload []byte, size int) []*Frame {
	if size <= 0 || len(payload) <= size {
		return []*Frame{{Fin: true, Opcode: op, Payload: payload}}
	}
	frames := make([]*Frame, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); off += size {
		end := min(off+size, len(payload))
		f := &Frame{Opcode: OpContinuation, Payload: payload[off:end]}
		if off == 0 {
			f.Opcode = op
		}
		frames = append(frames, f)
	}
	frames[len(frames)-1].Fin = true
	return frames
}

func (c *Conn) writeFrame(f *Frame) error {
	masked := c.role.MustMask() || f.Masked
	buf := pool.Default().Get(EncodedLen(f, masked))
	defer func() { pool.Default().Put(buf) }()
	b, err := AppendEncode(buf, f, c.role)
	if err != nil {
		return err
	}
	buf = b

	c.wmu.Lock()
	defer c.wmu.Unlock()
	state := c.State()
	if state == api.StateClosed || (f.Opcode != OpClose && state != api.StateOpen) {
		return api.ErrConnectionClosed
	}
	if c.writeTimeout > 0 {
		_ = c.stream.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.stream.Write(b); err != nil {
		return &api.TransportError{Op: "write", Err: err}
	}
	c.framesOut.Add(1)
	c.bytesOut.Add(uint64(len(f.Payload)))
	return nil
}

func (c *Conn) String() string {
	return fmt.Sprintf("<Conn %s %s %s>", c.id, c.role, c.State())
}
