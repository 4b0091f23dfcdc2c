// File: server/server.go
// Package server implements the listener, accept loop, connection registry
// and graceful shutdown of a WebSocket server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/momentics/wspy/api"
	"github.com/momentics/wspy/control"
	"github.com/momentics/wspy/internal/registry"
	"github.com/momentics/wspy/protocol"
)

var (
	ErrServerClosed = errors.New("server closed")
	ErrNoListener   = errors.New("server has no listener")
)

// NewServer builds a Server. A nil cfg uses DefaultConfig; a nil handler
// logs every event.
func NewServer(cfg *Config, handler api.Handler, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		handler: handler,
		probes:  control.NewDebugProbes(),
		conns:   registry.New[*protocol.Conn](cfg.RegistryShards),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = control.NewLogger(control.ParseLevel(cfg.LogLevel)).Named("server")
	}
	if s.metrics == nil {
		s.metrics = control.NewMetricsRegistry()
	}
	if s.handler == nil {
		s.handler = &api.HandlerFuncs{Log: s.log}
	}

	control.RegisterRuntimeProbes(s.probes)
	s.probes.RegisterProbe("server.connections", func() any { return s.conns.Len() })
	s.probes.RegisterProbe("server.addr", func() any {
		if a := s.Addr(); a != nil {
			return a.String()
		}
		return ""
	})
	return s, nil
}

// Serve accepts connections on ln until the listener is closed. Each
// connection is handshaken and served on its own goroutine. Serve returns
// nil once the server is shutting down.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.closing.Load() {
		_ = ln.Close()
		return ErrServerClosed
	}

	s.log.Infof("listening on %s", ln.Addr())
	bo := acceptBackoff()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			d := bo.NextBackOff()
			s.log.Warnf("accept: %v; retrying in %v", err, d)
			time.Sleep(d)
			continue
		}
		bo.Reset()

		// inflight.Add must not race QuitGracefully's Wait; both sides
		// agree on closing under s.mu.
		s.mu.Lock()
		if s.closing.Load() {
			s.mu.Unlock()
			_ = raw.Close()
			return nil
		}
		s.inflight.Add(1)
		s.mu.Unlock()

		s.metrics.Add(control.MetricConnectionsAccepted, 1)
		go s.handleConn(raw)
	}
}

// acceptBackoff paces retries after temporary accept failures.
func acceptBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (s *Server) handleConn(raw net.Conn) {
	defer s.inflight.Done()

	stream := raw
	if s.tlsConfig != nil {
		stream = tls.Server(raw, s.tlsConfig)
	}
	if s.cfg.HandshakeTimeout > 0 {
		_ = stream.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}

	handler := s.handler
	overLimit := s.cfg.MaxConnections > 0 && s.conns.Len() >= s.cfg.MaxConnections
	if overLimit {
		// The application never sees a connection it did not admit.
		handler = &api.HandlerFuncs{Log: s.log}
	}
	c := protocol.NewConn(stream, api.RoleServer, s.connOptions(handler)...)

	err := c.AcceptHandshake(protocol.ServerHandshake{
		Protocols:     s.cfg.Protocols,
		Extensions:    s.cfg.Extensions,
		MaxHeaderSize: s.cfg.MaxHandshakeHeaderSize,
	})
	if err != nil {
		s.metrics.Add(control.MetricHandshakesFailed, 1)
		var herr *api.HandshakeError
		if errors.As(err, &herr) {
			s.log.Warnf("handshake from %s rejected: %v", raw.RemoteAddr(), err)
			_ = protocol.WriteRejection(stream, herr)
		} else {
			s.log.Debugf("handshake from %s failed: %v", raw.RemoteAddr(), err)
		}
		_ = stream.Close()
		return
	}
	_ = stream.SetDeadline(time.Time{})

	if overLimit {
		s.metrics.Add(control.MetricConnectionsRejected, 1)
		s.log.Warnf("connection %s from %s rejected: limit of %d reached", c.ID(), raw.RemoteAddr(), s.cfg.MaxConnections)
		_ = c.Close(api.ClosePolicyViolation, "too many connections")
		c.Serve()
		return
	}

	s.conns.Add(c.ID(), c)
	s.metrics.Set(control.MetricConnectionsActive, int64(s.conns.Len()))
	s.log.Debugf("connection %s opened from %s path=%s", c.ID(), raw.RemoteAddr(), c.Path())

	s.handler.OnOpen(c)
	if s.closing.Load() {
		// Registered after the shutdown snapshot was taken.
		_ = c.Close(api.CloseGoingAway, "server shutting down")
	}
	c.Serve()
}

func (s *Server) connOptions(handler api.Handler) []protocol.ConnOption {
	opts := []protocol.ConnOption{
		protocol.WithHandler(&metricsHandler{Handler: handler, metrics: s.metrics}),
		protocol.WithLogger(s.log),
		protocol.WithCloseTimeout(s.cfg.CloseTimeout),
		protocol.WithReadTimeout(s.cfg.ReadTimeout),
		protocol.WithWriteTimeout(s.cfg.WriteTimeout),
		protocol.WithMaxFramePayload(s.cfg.MaxFramePayload),
		protocol.WithMaxMessageSize(s.cfg.MaxMessageSize),
		protocol.WithJSON(s.cfg.ParseJSON),
		protocol.WithTeardown(s.teardown),
	}
	return append(opts, s.connOpts...)
}

// metricsHandler counts protocol violations before forwarding OnError.
type metricsHandler struct {
	api.Handler
	metrics *control.MetricsRegistry
}

func (h *metricsHandler) OnError(c api.Conn, err error) {
	var pe *api.ProtocolError
	if errors.As(err, &pe) {
		h.metrics.Add(control.MetricProtocolErrors, 1)
	}
	h.Handler.OnError(c, err)
}

// teardown runs on the connection goroutine once it is CLOSED.
func (s *Server) teardown(c *protocol.Conn) {
	if !s.conns.Remove(c.ID()) {
		return
	}
	s.metrics.Add(control.MetricConnectionsClosed, 1)
	s.metrics.Set(control.MetricConnectionsActive, int64(s.conns.Len()))
}

// Addr returns the listener address, or nil before listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections returns a snapshot of the open connections.
func (s *Server) Connections() []*protocol.Conn { return s.conns.Snapshot() }

// Connection looks up a registered connection by ID.
func (s *Server) Connection(id string) (*protocol.Conn, bool) { return s.conns.Get(id) }

// Len returns the number of registered connections.
func (s *Server) Len() int { return s.conns.Len() }

// Metrics exposes server counters.
func (s *Server) Metrics() *control.MetricsRegistry { return s.metrics }

// DumpState returns the output of every debug probe.
func (s *Server) DumpState() map[string]any { return s.probes.DumpState() }

// Config returns the configuration the server runs with.
func (s *Server) Config() *Config { return s.cfg }

// Broadcast sends msg to every registered connection. Connections that
// close concurrently are skipped; other failures are joined.
func (s *Server) Broadcast(msg *api.Message, opts ...api.SendOption) error {
	var errs []error
	s.conns.Range(func(c *protocol.Conn) {
		if err := c.Send(msg, opts...); err != nil && !errors.Is(err, api.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
