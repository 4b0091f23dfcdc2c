// File: protocol/handshake_client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client side of the opening handshake.

package protocol

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/momentics/wspy/api"
)

// ClientHandshake describes the Upgrade request a client sends.
type ClientHandshake struct {
	Host       string
	Path       string
	Origin     string
	Protocols  []string
	Extensions []string
	// Header carries additional request headers.
	Header http.Header
}

// GenerateKey returns a random base64-encoded 16-byte Sec-WebSocket-Key.
func GenerateKey() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b[:]), nil
}

// NegotiateClient writes the Upgrade request to w and validates the
// server's response read from br. Frames the server sends right after the
// response stay buffered in br.
func NegotiateClient(br *bufio.Reader, w io.Writer, cfg ClientHandshake) (*Handshake, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := WriteUpgradeRequest(w, cfg, key); err != nil {
		return nil, &api.TransportError{Op: "write handshake", Err: err}
	}

	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return nil, &api.TransportError{Op: "read handshake", Err: err}
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, api.NewHandshakeError(api.ErrBadStatus, resp.StatusCode,
			"unexpected status %s", resp.Status)
	}
	return verifyUpgradeResponse(resp.Header, key, cfg)
}

// WriteUpgradeRequest serializes the client's GET Upgrade request.
func WriteUpgradeRequest(w io.Writer, cfg ClientHandshake, key string) error {
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", cfg.Host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecKey, key)
	origin := cfg.Origin
	if origin == "" {
		origin = "http://" + cfg.Host
	}
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderOrigin, origin)
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecVersion, RequiredWebSocketVersion)
	if len(cfg.Protocols) > 0 {
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecProtocol, strings.Join(cfg.Protocols, ", "))
	}
	if len(cfg.Extensions) > 0 {
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecExtensions, strings.Join(cfg.Extensions, ", "))
	}
	for k, vs := range cfg.Header {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	_, err := w.Write(b.Bytes())
	return err
}

func verifyUpgradeResponse(h http.Header, key string, cfg ClientHandshake) (*Handshake, error) {
	if !httpguts.HeaderValuesContainsToken(h.Values(HeaderUpgrade), "websocket") {
		return nil, api.NewHandshakeError(api.ErrBadUpgrade, 0, "response upgrade header %q", h.Get(HeaderUpgrade))
	}
	if !httpguts.HeaderValuesContainsToken(h.Values(HeaderConnection), "upgrade") {
		return nil, api.NewHandshakeError(api.ErrBadUpgrade, 0, "response connection header %q", h.Get(HeaderConnection))
	}
	want := ComputeAcceptKey(key)
	if got := strings.TrimSpace(h.Get(HeaderSecAccept)); got != want {
		return nil, api.NewHandshakeError(api.ErrAcceptMismatch, 0, "accept key %q, expected %q", got, want)
	}

	protocols := SplitList(strings.Join(h.Values(HeaderSecProtocol), ","))
	if got := Intersect(protocols, cfg.Protocols); len(got) != len(protocols) {
		return nil, api.NewHandshakeError(api.ErrUnexpectedProtocol, 0, "subprotocols %v not offered", protocols)
	}
	extensions := SplitList(strings.Join(h.Values(HeaderSecExtensions), ","))
	if got := intersectExtensions(extensions, extensionNames(cfg.Extensions)); len(got) != len(extensions) {
		return nil, api.NewHandshakeError(api.ErrUnexpectedProtocol, 0, "extensions %v not offered", extensions)
	}

	return &Handshake{
		Path:       cfg.Path,
		Header:     h,
		Key:        key,
		Accept:     want,
		Protocols:  protocols,
		Extensions: extensions,
	}, nil
}

func extensionNames(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		out = append(out, strings.TrimSpace(strings.SplitN(e, ";", 2)[0]))
	}
	return out
}
