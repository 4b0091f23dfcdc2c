package fake

import (
	"net"
)

// TCPPair returns two ends of a loopback TCP connection. Unlike net.Pipe
// the kernel buffers writes, so a writer never blocks on a reader that is
// busy writing itself.
func TCPPair() (client, server net.Conn, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	type result struct {
		c   net.Conn
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		accepted <- result{c, err}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	r := <-accepted
	if r.err != nil {
		_ = client.Close()
		return nil, nil, r.err
	}
	return client, r.c, nil
}
