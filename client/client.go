// File: client/client.go
// Package client dials ws:// and wss:// endpoints and returns a served
// client-role connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/yanun0323/errors"

	"github.com/momentics/wspy/api"
	"github.com/momentics/wspy/control"
	"github.com/momentics/wspy/protocol"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config holds all configurable parameters for the WebSocket client.
type Config struct {
	Origin     string
	Protocols  []string
	Extensions []string
	Header     http.Header

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	Retries          uint64        // reconnect attempts after the first (0 = no retries)
	Heartbeat        time.Duration // send a PING every interval (0 = disabled)

	TLSConfig   *tls.Config
	Log         api.Logger
	ConnOptions []protocol.ConnOption
}

// Option mutates Config.
type Option func(*Config)

func WithOrigin(origin string) Option { return func(c *Config) { c.Origin = origin } }

func WithProtocols(p ...string) Option { return func(c *Config) { c.Protocols = p } }

func WithExtensions(e ...string) Option { return func(c *Config) { c.Extensions = e } }

func WithHeader(h http.Header) Option { return func(c *Config) { c.Header = h } }

func WithRetries(n uint64) Option { return func(c *Config) { c.Retries = n } }

func WithHeartbeat(d time.Duration) Option { return func(c *Config) { c.Heartbeat = d } }

func WithTLSConfig(cfg *tls.Config) Option { return func(c *Config) { c.TLSConfig = cfg } }

func WithLogger(l api.Logger) Option { return func(c *Config) { c.Log = l } }

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) { c.HandshakeTimeout = d }
}

func WithConnOptions(opts ...protocol.ConnOption) Option {
	return func(c *Config) { c.ConnOptions = append(c.ConnOptions, opts...) }
}

// Dial connects to rawURL, performs the opening handshake and starts the
// receive loop. handler.OnOpen runs on the connection's goroutine ahead
// of every other callback. TCP and TLS
// failures are retried with exponential backoff; a rejected handshake is not.
func Dial(ctx context.Context, rawURL string, handler api.Handler, opts ...Option) (*protocol.Conn, error) {
	cfg := Config{
		DialTimeout:      DefaultDialTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Log == nil {
		cfg.Log = control.NewLogger(control.LevelInfo).Named("client")
	}
	if handler == nil {
		handler = &api.HandlerFuncs{Log: cfg.Log}
	}

	target, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}

	var conn *protocol.Conn
	operation := func() error {
		c, err := connect(ctx, target, handler, &cfg)
		if err != nil {
			if _, ok := err.(*api.HandshakeError); ok {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.Retries), ctx)
	notify := func(err error, d time.Duration) {
		cfg.Log.Warnf("dial %s: %v; retrying in %v", target.String(), err, d)
	}
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return nil, err
	}

	go func() {
		handler.OnOpen(conn)
		conn.Serve()
	}()
	if cfg.Heartbeat > 0 {
		go heartbeat(conn, cfg.Heartbeat, cfg.Log)
	}
	return conn, nil
}

type endpoint struct {
	url  *url.URL
	addr string
	host string
	tls  bool
}

func (e endpoint) String() string { return e.url.String() }

func parseURL(rawURL string) (endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return endpoint{}, errors.Wrap(err, "parse url").With("url", rawURL)
	}
	e := endpoint{url: u, host: u.Host}
	port := u.Port()
	switch u.Scheme {
	case "ws":
		if port == "" {
			port = "80"
		}
	case "wss":
		e.tls = true
		if port == "" {
			port = "443"
		}
	default:
		return endpoint{}, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return endpoint{}, errors.Errorf("missing host in %q", rawURL)
	}
	e.addr = net.JoinHostPort(u.Hostname(), port)
	return e, nil
}

func connect(ctx context.Context, target endpoint, handler api.Handler, cfg *Config) (*protocol.Conn, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", target.addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial").With("addr", target.addr)
	}

	stream := raw
	if target.tls {
		tc := cfg.TLSConfig
		if tc == nil {
			tc = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if tc.ServerName == "" {
			tc = tc.Clone()
			tc.ServerName = target.url.Hostname()
		}
		tlsConn := tls.Client(raw, tc)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, errors.Wrap(err, "tls handshake")
		}
		stream = tlsConn
	}

	if cfg.HandshakeTimeout > 0 {
		_ = stream.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}
	opts := append([]protocol.ConnOption{
		protocol.WithHandler(handler),
		protocol.WithLogger(cfg.Log),
	}, cfg.ConnOptions...)
	c := protocol.NewConn(stream, api.RoleClient, opts...)

	path := target.url.RequestURI()
	err = c.StartHandshake(protocol.ClientHandshake{
		Host:       target.host,
		Path:       path,
		Origin:     cfg.Origin,
		Protocols:  cfg.Protocols,
		Extensions: cfg.Extensions,
		Header:     cfg.Header,
	})
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	_ = stream.SetDeadline(time.Time{})
	return c, nil
}

// heartbeat pings until the connection leaves OPEN.
func heartbeat(c *protocol.Conn, every time.Duration, log api.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-t.C:
			if err := c.Ping(nil); err != nil {
				log.Debugf("connection %s: heartbeat stopped: %v", c.ID(), err)
				return
			}
		}
	}
}
