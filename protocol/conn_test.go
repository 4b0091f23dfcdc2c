package protocol

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wspy/api"
	"github.com/momentics/wspy/fake"
)

const wait = 2 * time.Second

// openConn returns a connection already in the OPEN state.
func openConn(stream net.Conn, role api.Role, opts ...ConnOption) *Conn {
	c := NewConn(stream, role, opts...)
	c.transition(api.StateHandshaking, api.StateOpen)
	return c
}

// servedPair returns a served server connection and the raw client stream.
func servedPair(t *testing.T, opts ...ConnOption) (*Conn, *fake.Handler, net.Conn) {
	t.Helper()
	cli, srv, err := fake.TCPPair()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	h := fake.NewHandler()
	c := openConn(srv, api.RoleServer, append([]ConnOption{WithHandler(h)}, opts...)...)
	go c.Serve()
	return c, h, cli
}

func writeRaw(t *testing.T, w net.Conn, f *Frame) {
	t.Helper()
	b, err := Encode(f, api.RoleClient)
	require.NoError(t, err)
	_, err = w.Write(b)
	require.NoError(t, err)
}

func readRaw(t *testing.T, r net.Conn) *Frame {
	t.Helper()
	require.NoError(t, r.SetReadDeadline(time.Now().Add(wait)))
	f, err := Decode(r, api.RoleClient)
	require.NoError(t, err)
	return f
}

func requireClose(t *testing.T, h *fake.Handler) fake.CloseEvent {
	t.Helper()
	ev, ok := h.WaitClose(wait)
	require.True(t, ok, "OnClose not called")
	return ev
}

func TestConnFragmentedSend(t *testing.T) {
	c, _, cli := servedPair(t)

	require.NoError(t, c.Send(api.NewTextMessage("HelloWorld"), api.WithFragmentSize(5)))

	f1 := readRaw(t, cli)
	assert.Equal(t, OpText, f1.Opcode)
	assert.False(t, f1.Fin)
	assert.Equal(t, "Hello", string(f1.Payload))

	f2 := readRaw(t, cli)
	assert.Equal(t, OpContinuation, f2.Opcode)
	assert.True(t, f2.Fin)
	assert.Equal(t, "World", string(f2.Payload))
}

func TestConnReassemblesFragments(t *testing.T) {
	_, h, cli := servedPair(t)

	writeRaw(t, cli, &Frame{Opcode: OpText, Payload: []byte("Hello")})
	writeRaw(t, cli, &Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("World")})

	msg, ok := h.WaitMessage(wait)
	require.True(t, ok)
	assert.Equal(t, api.MessageText, msg.Type)
	assert.Equal(t, "HelloWorld", msg.Text())
}

func TestConnPingBetweenFragments(t *testing.T) {
	_, h, cli := servedPair(t)

	writeRaw(t, cli, &Frame{Opcode: OpBinary, Payload: []byte{1, 2}})
	writeRaw(t, cli, &Frame{Fin: true, Opcode: OpPing, Payload: []byte("p")})

	select {
	case p := <-h.Pings:
		assert.Equal(t, "p", string(p))
	case <-time.After(wait):
		t.Fatal("ping not delivered before the message completed")
	}
	pong := readRaw(t, cli)
	assert.Equal(t, OpPong, pong.Opcode)
	assert.Equal(t, "p", string(pong.Payload))

	writeRaw(t, cli, &Frame{Fin: true, Opcode: OpContinuation, Payload: []byte{3}})
	msg, ok := h.WaitMessage(wait)
	require.True(t, ok)
	assert.Equal(t, api.MessageBinary, msg.Type)
	assert.Equal(t, []byte{1, 2, 3}, msg.Payload)
}

func TestConnProtocolViolations(t *testing.T) {
	cases := []struct {
		name   string
		frames []*Frame
		opts   []ConnOption
		code   api.CloseCode
		target error
	}{
		{
			name: "interleaved data",
			frames: []*Frame{
				{Opcode: OpText, Payload: []byte("a")},
				{Fin: true, Opcode: OpBinary, Payload: []byte("b")},
			},
			code:   api.CloseProtocolError,
			target: api.ErrInterleavedMessage,
		},
		{
			name:   "orphan continuation",
			frames: []*Frame{{Fin: true, Opcode: OpContinuation, Payload: []byte("x")}},
			code:   api.CloseProtocolError,
			target: api.ErrUnexpectedContinuation,
		},
		{
			name:   "invalid utf-8",
			frames: []*Frame{{Fin: true, Opcode: OpText, Payload: []byte{0xff, 0xfe}}},
			code:   api.CloseInvalidData,
			target: api.ErrInvalidUTF8,
		},
		{
			name: "message too big",
			frames: []*Frame{
				{Opcode: OpBinary, Payload: make([]byte, 6)},
				{Fin: true, Opcode: OpContinuation, Payload: make([]byte, 6)},
			},
			opts:   []ConnOption{WithMaxMessageSize(10)},
			code:   api.CloseMessageTooBig,
			target: api.ErrMessageTooLarge,
		},
		{
			name:   "one byte close payload",
			frames: []*Frame{{Fin: true, Opcode: OpClose, Payload: []byte{0x03}}},
			code:   api.CloseProtocolError,
			target: api.ErrInvalidClosePayload,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, h, cli := servedPair(t, tc.opts...)
			for _, f := range tc.frames {
				writeRaw(t, cli, f)
			}

			err := h.WaitError(wait)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.target)
			assert.Equal(t, tc.code, api.CloseCodeFor(err))

			ev := requireClose(t, h)
			assert.Equal(t, tc.code, ev.Code)

			f := readRaw(t, cli)
			require.Equal(t, OpClose, f.Opcode)
			code, _, perr := ParseClosePayload(f.Payload)
			require.NoError(t, perr)
			assert.Equal(t, tc.code, code)

			<-c.Done()
			assert.Equal(t, api.StateClosed, c.State())
		})
	}
}

func TestConnDecodeViolationSendsClose(t *testing.T) {
	_, h, cli := servedPair(t)

	// Unmasked frame from a client.
	_, err := cli.Write([]byte{0x81, 0x01, 'x'})
	require.NoError(t, err)

	assert.ErrorIs(t, h.WaitError(wait), api.ErrMaskDirection)
	assert.Equal(t, api.CloseProtocolError, requireClose(t, h).Code)
}

func TestConnPeerInitiatedClose(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		code    api.CloseCode
		reason  string
		echo    api.CloseCode
	}{
		{"going away", BuildClosePayload(api.CloseGoingAway, "later"), api.CloseGoingAway, "later", api.CloseGoingAway},
		{"no code", nil, api.CloseNone, "", api.CloseNormal},
		{"reserved code", BuildClosePayload(api.CloseNoStatus, ""), api.CloseNoStatus, "", api.CloseNormal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, h, cli := servedPair(t)
			writeRaw(t, cli, &Frame{Fin: true, Opcode: OpClose, Payload: tc.payload})

			echo := readRaw(t, cli)
			require.Equal(t, OpClose, echo.Opcode)
			code, _, err := ParseClosePayload(echo.Payload)
			require.NoError(t, err)
			assert.Equal(t, tc.echo, code)

			ev := requireClose(t, h)
			assert.Equal(t, tc.code, ev.Code)
			assert.Equal(t, tc.reason, ev.Reason)
			assert.Nil(t, h.WaitError(50*time.Millisecond))

			<-c.Done()
			assert.Equal(t, api.StateClosed, c.State())
			assert.ErrorIs(t, c.Send(api.NewTextMessage("late")), api.ErrConnectionClosed)
		})
	}
}

func TestConnCloseHandshakeBothSides(t *testing.T) {
	cliStream, srvStream, err := fake.TCPPair()
	require.NoError(t, err)

	sh, ch := fake.NewHandler(), fake.NewHandler()
	srv := openConn(srvStream, api.RoleServer, WithHandler(sh))
	cli := openConn(cliStream, api.RoleClient, WithHandler(ch))
	go srv.Serve()
	go cli.Serve()

	require.NoError(t, srv.Close(api.CloseNormal, "bye"))
	assert.Equal(t, api.StateClosing, srv.State())
	assert.ErrorIs(t, srv.Send(api.NewTextMessage("x")), api.ErrConnectionClosed)

	cev := requireClose(t, ch)
	assert.Equal(t, api.CloseNormal, cev.Code)
	assert.Equal(t, "bye", cev.Reason)

	sev := requireClose(t, sh)
	assert.Equal(t, api.CloseNormal, sev.Code)

	<-srv.Done()
	<-cli.Done()
	assert.Equal(t, api.StateClosed, srv.State())
	assert.Equal(t, api.StateClosed, cli.State())
	assert.Nil(t, sh.WaitError(50*time.Millisecond))
	assert.Nil(t, ch.WaitError(50*time.Millisecond))

	require.NoError(t, srv.Close(api.CloseNormal, "again"))
	assert.Equal(t, 1, sh.CloseCount())
}

func TestConnCloseTimeout(t *testing.T) {
	c, h, cli := servedPair(t, WithCloseTimeout(100*time.Millisecond))

	require.NoError(t, c.Close(api.CloseGoingAway, ""))
	f := readRaw(t, cli)
	require.Equal(t, OpClose, f.Opcode)

	// The peer never answers.
	ev := requireClose(t, h)
	assert.Equal(t, api.CloseNone, ev.Code)
	assert.Nil(t, h.WaitError(50*time.Millisecond))
}

func TestConnTransportError(t *testing.T) {
	c, h, cli := servedPair(t)
	require.NoError(t, cli.Close())

	err := h.WaitError(wait)
	var te *api.TransportError
	require.ErrorAs(t, err, &te)

	ev := requireClose(t, h)
	assert.Equal(t, api.CloseNone, ev.Code)
	<-c.Done()
}

func TestConnTeardownBeforeOnClose(t *testing.T) {
	var tornDown atomic.Bool
	c, h, cli := servedPair(t, WithTeardown(func(*Conn) { tornDown.Store(true) }))
	seen := make(chan bool, 1)
	h.OnCloseFn = func(api.Conn, api.CloseCode, string) { seen <- tornDown.Load() }

	writeRaw(t, cli, &Frame{Fin: true, Opcode: OpClose, Payload: BuildClosePayload(api.CloseNormal, "")})
	select {
	case ok := <-seen:
		assert.True(t, ok)
	case <-time.After(wait):
		t.Fatal("OnClose not called")
	}
	<-c.Done()
}

func TestConnHandlerPanic(t *testing.T) {
	_, h, cli := servedPair(t)
	h.OnMessageFn = func(api.Conn, *api.Message) { panic("boom") }

	writeRaw(t, cli, &Frame{Fin: true, Opcode: OpText, Payload: []byte("x")})

	assert.Equal(t, api.CloseInternalError, requireClose(t, h).Code)
	f := readRaw(t, cli)
	require.Equal(t, OpClose, f.Opcode)
	code, _, err := ParseClosePayload(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, api.CloseInternalError, code)
}

func TestConnJSON(t *testing.T) {
	_, h, cli := servedPair(t, WithJSON(true))

	writeRaw(t, cli, &Frame{Fin: true, Opcode: OpText, Payload: []byte(`{"op":"hi","n":2}`)})
	writeRaw(t, cli, &Frame{Fin: true, Opcode: OpText, Payload: []byte(`plain`)})

	msg, ok := h.WaitMessage(wait)
	require.True(t, ok)
	assert.Equal(t, api.MessageJSON, msg.Type)
	assert.Equal(t, "hi", msg.Get("op").String())
	assert.NotNil(t, msg.Value)

	msg, ok = h.WaitMessage(wait)
	require.True(t, ok)
	assert.Equal(t, api.MessageText, msg.Type)
}

func TestConnSendJSONAndStats(t *testing.T) {
	c, _, cli := servedPair(t)

	require.NoError(t, c.SendJSON(map[string]string{"k": "v"}))
	f := readRaw(t, cli)
	assert.Equal(t, OpText, f.Opcode)
	assert.JSONEq(t, `{"k":"v"}`, string(f.Payload))

	require.NoError(t, c.SendBinary([]byte{1, 2, 3}))
	f = readRaw(t, cli)
	assert.Equal(t, OpBinary, f.Opcode)

	st := c.Stats()
	assert.Equal(t, uint64(2), st.FramesOut)
	assert.Equal(t, uint64(len(f.Payload)+len(`{"k":"v"}`)), st.BytesOut)
}

func TestConnSendMasked(t *testing.T) {
	c, _, cli := servedPair(t)
	require.NoError(t, c.Send(api.NewTextMessage("m"), api.WithMask()))

	// A server frame with the mask bit set violates the direction rule
	// for a client decoder.
	require.NoError(t, cli.SetReadDeadline(time.Now().Add(wait)))
	_, err := Decode(cli, api.RoleClient)
	assert.ErrorIs(t, err, api.ErrMaskDirection)
}

func TestConnSendInvalidUTF8(t *testing.T) {
	c, _, _ := servedPair(t)
	err := c.Send(api.NewTextMessage("\xff"))
	assert.ErrorIs(t, err, api.ErrInvalidUTF8)
	assert.Zero(t, c.Stats().FramesOut)
}

func TestConnNotOpen(t *testing.T) {
	cli, srv, err := fake.TCPPair()
	require.NoError(t, err)
	defer cli.Close()

	c := NewConn(srv, api.RoleServer)
	assert.Equal(t, api.StateHandshaking, c.State())
	assert.ErrorIs(t, c.Send(api.NewTextMessage("x")), api.ErrNotOpen)
	assert.ErrorIs(t, c.Ping(nil), api.ErrConnectionClosed)

	require.NoError(t, c.Close(api.CloseNormal, ""))
	<-c.Done()
	assert.Equal(t, api.StateClosed, c.State())
}

func TestConnHandshakeAndPing(t *testing.T) {
	cliStream, srvStream, err := fake.TCPPair()
	require.NoError(t, err)

	sh, ch := fake.NewHandler(), fake.NewHandler()
	sh.Echo = true
	srv := NewConn(srvStream, api.RoleServer, WithHandler(sh))
	cli := NewConn(cliStream, api.RoleClient, WithHandler(ch))

	accepted := make(chan error, 1)
	go func() { accepted <- srv.AcceptHandshake(ServerHandshake{Protocols: []string{"chat"}}) }()

	require.NoError(t, cli.StartHandshake(ClientHandshake{
		Host:      "127.0.0.1",
		Path:      "/echo",
		Protocols: []string{"v1", "chat"},
	}))
	require.NoError(t, <-accepted)

	assert.Equal(t, api.StateOpen, srv.State())
	assert.Equal(t, api.StateOpen, cli.State())
	assert.Equal(t, "/echo", srv.Path())
	assert.Equal(t, []string{"chat"}, srv.Protocols())
	assert.Equal(t, []string{"chat"}, cli.Protocols())

	go srv.Serve()
	go cli.Serve()

	require.NoError(t, cli.Send(api.NewTextMessage("echo me"), api.WithFragmentSize(3)))
	msg, ok := ch.WaitMessage(wait)
	require.True(t, ok)
	assert.Equal(t, "echo me", msg.Text())

	require.NoError(t, cli.Ping([]byte("hb")))
	select {
	case p := <-ch.Pongs:
		assert.Equal(t, "hb", string(p))
	case <-time.After(wait):
		t.Fatal("pong not received")
	}

	require.NoError(t, cli.Close(api.CloseNormal, "done"))
	assert.Equal(t, api.CloseNormal, requireClose(t, sh).Code)
	assert.Equal(t, api.CloseNormal, requireClose(t, ch).Code)
}

func TestConnCloseBeforeServe(t *testing.T) {
	cli, srv, err := fake.TCPPair()
	require.NoError(t, err)
	defer cli.Close()

	h := fake.NewHandler()
	c := openConn(srv, api.RoleServer, WithHandler(h))
	require.NoError(t, c.Close(api.CloseNormal, "bye"))

	f := readRaw(t, cli)
	require.Equal(t, OpClose, f.Opcode)
	// The echo is queued before the receive loop starts.
	writeRaw(t, cli, &Frame{Fin: true, Opcode: OpClose, Payload: BuildClosePayload(api.CloseNormal, "")})

	go c.Serve()
	ev := requireClose(t, h)
	assert.Equal(t, api.CloseNormal, ev.Code)
	assert.Nil(t, h.WaitError(50*time.Millisecond))
	<-c.Done()
	assert.Equal(t, api.StateClosed, c.State())
	assert.Equal(t, 1, h.CloseCount())
}

func TestConnCloseBeforeServeTimesOut(t *testing.T) {
	cli, srv, err := fake.TCPPair()
	require.NoError(t, err)
	defer cli.Close()

	h := fake.NewHandler()
	c := openConn(srv, api.RoleServer, WithHandler(h), WithCloseTimeout(100*time.Millisecond))
	require.NoError(t, c.Close(api.CloseGoingAway, ""))
	go c.Serve()

	assert.Equal(t, api.CloseNone, requireClose(t, h).Code)
	<-c.Done()
}

func TestConnNoPongAfterClose(t *testing.T) {
	c, h, cli := servedPair(t)
	require.NoError(t, c.Close(api.CloseNormal, ""))
	require.Equal(t, OpClose, readRaw(t, cli).Opcode)

	writeRaw(t, cli, &Frame{Fin: true, Opcode: OpPing, Payload: []byte("late")})
	select {
	case <-h.Pings:
	case <-time.After(wait):
		t.Fatal("ping not delivered while closing")
	}
	writeRaw(t, cli, &Frame{Fin: true, Opcode: OpClose, Payload: BuildClosePayload(api.CloseNormal, "")})
	assert.Equal(t, api.CloseNormal, requireClose(t, h).Code)
	assert.Nil(t, h.WaitError(50*time.Millisecond))

	// Nothing but end of stream follows our CLOSE.
	require.NoError(t, cli.SetReadDeadline(time.Now().Add(wait)))
	_, err := Decode(cli, api.RoleClient)
	var te *api.TransportError
	assert.ErrorAs(t, err, &te)
}
