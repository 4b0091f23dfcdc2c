// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"
	"net"

	"github.com/momentics/wspy/api"
	"github.com/momentics/wspy/control"
	"github.com/momentics/wspy/protocol"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithLogger replaces the logger built from Config.LogLevel.
func WithLogger(l api.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithTLSConfig serves wss:// by wrapping every accepted stream before the handshake.
func WithTLSConfig(cfg *tls.Config) ServerOption {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// WithMetrics records server counters into an existing registry.
func WithMetrics(m *control.MetricsRegistry) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithListener serves on an already bound listener.
func WithListener(ln net.Listener) ServerOption {
	return func(s *Server) {
		s.listener = ln
	}
}

// WithConnOptions appends options applied to every accepted connection.
func WithConnOptions(opts ...protocol.ConnOption) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}
