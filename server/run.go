// File: server/run.go
// Package server implements startup, the blocking run loop and graceful
// shutdown.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"net"

	"github.com/yanun0323/errors"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/wspy/api"
)

// Listen binds the configured address. SO_REUSEADDR is set when
// Config.ReuseAddr is true.
func (s *Server) Listen() (net.Listener, error) {
	lc := net.ListenConfig{}
	if s.cfg.ReuseAddr {
		lc.Control = reuseAddrControl
	}
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrap(err, "listen").With("addr", s.cfg.ListenAddr)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln, nil
}

// Run listens (unless a listener was supplied), serves, and blocks until
// ctx is cancelled. It then shuts down gracefully within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		var err error
		if ln, err = s.Listen(); err != nil {
			return err
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.Infof("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	qerr := s.QuitGracefully(sctx)
	if err := <-errc; err != nil && err != ErrServerClosed {
		return err
	}
	return qerr
}

// QuitGracefully stops accepting, sends CLOSE(NORMAL) to every registered
// connection and waits for them to reach CLOSED. Connections still open
// when ctx expires have their streams dropped.
func (s *Server) QuitGracefully(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	s.mu.Unlock()
	if err := s.closeListener(); err != nil {
		s.log.Debugf("close listener: %v", err)
	}

	conns := s.conns.Snapshot()
	s.log.Infof("closing %d connections", len(conns))

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			if err := c.Close(api.CloseNormal, "server shutdown"); err != nil {
				s.log.Debugf("connection %s: close: %v", c.ID(), err)
			}
			select {
			case <-c.Done():
				return nil
			case <-ctx.Done():
				_ = c.Stream().Close()
				<-c.Done()
				return errors.Wrap(ctx.Err(), "connection did not close").With("id", c.ID())
			}
		})
	}
	err := g.Wait()

	// Handshakes that were in flight when the listener closed.
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = errors.Wrap(ctx.Err(), "waiting for connection goroutines")
		}
	}
	return err
}

// Shutdown is QuitGracefully bounded by Config.ShutdownTimeout.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.QuitGracefully(ctx)
}

func (s *Server) closeListener() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}
