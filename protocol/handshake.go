// File: protocol/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server side of the RFC 6455 opening handshake: reads the HTTP/1.1
// Upgrade request, validates it, negotiates subprotocols and extension
// names and writes the 101 response.

package protocol

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/momentics/wspy/api"
)

// Constants used for handshake processing.
const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	RequiredWebSocketVersion = "13"
	MaxHandshakeHeaderSize   = 8192

	HeaderHost          = "Host"
	HeaderUpgrade       = "Upgrade"
	HeaderConnection    = "Connection"
	HeaderOrigin        = "Origin"
	HeaderSecKey        = "Sec-WebSocket-Key"
	HeaderSecVersion    = "Sec-WebSocket-Version"
	HeaderSecAccept     = "Sec-WebSocket-Accept"
	HeaderSecProtocol   = "Sec-WebSocket-Protocol"
	HeaderSecExtensions = "Sec-WebSocket-Extensions"
)

// requiredHeaders are checked in this order.
var requiredHeaders = []string{
	HeaderHost,
	HeaderUpgrade,
	HeaderConnection,
	HeaderSecKey,
	HeaderOrigin,
	HeaderSecVersion,
}

// Handshake is the outcome of a successful opening handshake.
type Handshake struct {
	Path       string
	Header     http.Header
	Key        string
	Accept     string
	Protocols  []string
	Extensions []string
}

// ComputeAcceptKey returns base64(sha1(trim(key) + GUID)).
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(strings.TrimSpace(key) + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ServerHandshake describes what the server is willing to negotiate.
type ServerHandshake struct {
	Protocols     []string
	Extensions    []string
	MaxHeaderSize int
}

// NegotiateServer reads the Upgrade request from br and, if it is valid,
// writes the 101 response to w. Bytes following the request stay buffered
// in br. Any rejection is a *api.HandshakeError; nothing is written then.
func NegotiateServer(br *bufio.Reader, w io.Writer, cfg ServerHandshake) (*Handshake, error) {
	hs, err := ReadUpgradeRequest(br, cfg)
	if err != nil {
		return nil, err
	}
	if err := WriteUpgradeResponse(w, hs); err != nil {
		return nil, &api.TransportError{Op: "write handshake", Err: err}
	}
	return hs, nil
}

// ReadUpgradeRequest parses and validates the request part of the handshake.
func ReadUpgradeRequest(br *bufio.Reader, cfg ServerHandshake) (*Handshake, error) {
	limit := cfg.MaxHeaderSize
	if limit <= 0 {
		limit = MaxHandshakeHeaderSize
	}
	lines, err := readHeaderBlock(br, limit)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, api.NewHandshakeError(api.ErrMalformedRequest, http.StatusBadRequest, "empty request")
	}

	path, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}
	header, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}

	for _, name := range requiredHeaders {
		if len(header.Values(name)) == 0 {
			return nil, api.NewHandshakeError(api.ErrMissingHeader, http.StatusBadRequest,
				"missing %q header", name)
		}
	}
	if v := header.Get(HeaderSecVersion); strings.TrimSpace(v) != RequiredWebSocketVersion {
		return nil, api.NewHandshakeError(api.ErrVersionMismatch, http.StatusUpgradeRequired,
			"WebSocket version %s requested (only %s is supported)", v, RequiredWebSocketVersion)
	}
	if !httpguts.HeaderValuesContainsToken(header.Values(HeaderUpgrade), "websocket") {
		return nil, api.NewHandshakeError(api.ErrBadUpgrade, http.StatusBadRequest,
			"upgrade header %q does not name websocket", header.Get(HeaderUpgrade))
	}
	if !httpguts.HeaderValuesContainsToken(header.Values(HeaderConnection), "upgrade") {
		return nil, api.NewHandshakeError(api.ErrBadUpgrade, http.StatusBadRequest,
			"connection header %q does not contain upgrade", header.Get(HeaderConnection))
	}

	key := strings.TrimSpace(header.Get(HeaderSecKey))
	return &Handshake{
		Path:       path,
		Header:     header,
		Key:        key,
		Accept:     ComputeAcceptKey(key),
		Protocols:  Intersect(SplitList(header.Get(HeaderSecProtocol)), cfg.Protocols),
		Extensions: intersectExtensions(SplitList(header.Get(HeaderSecExtensions)), cfg.Extensions),
	}, nil
}

// WriteUpgradeResponse writes the 101 Switching Protocols response for hs.
func WriteUpgradeResponse(w io.Writer, hs *Handshake) error {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecAccept, hs.Accept)
	if len(hs.Protocols) > 0 {
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecProtocol, strings.Join(hs.Protocols, ", "))
	}
	if len(hs.Extensions) > 0 {
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecExtensions, strings.Join(hs.Extensions, ", "))
	}
	b.WriteString("\r\n")
	_, err := w.Write(b.Bytes())
	return err
}

// WriteRejection writes a plain HTTP error response for a failed handshake.
func WriteRejection(w io.Writer, herr *api.HandshakeError) error {
	status := herr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	body := herr.Error()
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if status == http.StatusUpgradeRequired {
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecVersion, RequiredWebSocketVersion)
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Connection: close\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n%s", len(body), body)
	_, err := w.Write(b.Bytes())
	return err
}

// readHeaderBlock returns the lines up to the first empty line. Both CRLF
// and bare LF line endings are accepted.
func readHeaderBlock(br *bufio.Reader, limit int) ([]string, error) {
	var (
		lines []string
		total int
		line  []byte
	)
	for {
		chunk, err := br.ReadSlice('\n')
		total += len(chunk)
		if total > limit {
			return nil, api.NewHandshakeError(api.ErrHeaderTooLarge, http.StatusRequestHeaderFieldsTooLarge,
				"request header exceeds %d bytes", limit)
		}
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, api.NewHandshakeError(api.ErrMalformedRequest, http.StatusBadRequest,
					"connection closed during handshake")
			}
			return nil, &api.TransportError{Op: "read handshake", Err: err}
		}
		s := strings.TrimRight(string(line), "\r\n")
		line = line[:0]
		if s == "" {
			if len(lines) == 0 {
				// Tolerate leading blank lines before the request line.
				continue
			}
			return lines, nil
		}
		lines = append(lines, s)
	}
}

func parseRequestLine(line string) (string, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return "", api.NewHandshakeError(api.ErrMalformedRequest, http.StatusBadRequest,
			"malformed request line %q", line)
	}
	method, path, proto := parts[0], parts[1], parts[2]
	if method != http.MethodGet {
		return "", api.NewHandshakeError(api.ErrMalformedRequest, http.StatusMethodNotAllowed,
			"method %s not allowed", method)
	}
	if proto != "HTTP/1.1" {
		return "", api.NewHandshakeError(api.ErrMalformedRequest, http.StatusBadRequest,
			"unsupported protocol %s", proto)
	}
	if path == "" {
		return "", api.NewHandshakeError(api.ErrMalformedRequest, http.StatusBadRequest, "empty request path")
	}
	return path, nil
}

// parseHeaderLines folds repeated header names into one ", "-joined value.
func parseHeaderLines(lines []string) (http.Header, error) {
	h := make(http.Header, len(lines))
	for _, l := range lines {
		i := strings.IndexByte(l, ':')
		if i <= 0 {
			return nil, api.NewHandshakeError(api.ErrMalformedRequest, http.StatusBadRequest,
				"malformed header line %q", l)
		}
		name := l[:i]
		value := strings.TrimSpace(l[i+1:])
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, api.NewHandshakeError(api.ErrMalformedRequest, http.StatusBadRequest,
				"invalid header %q", name)
		}
		key := http.CanonicalHeaderKey(name)
		if prev, ok := h[key]; ok {
			h[key] = []string{prev[0] + ", " + value}
			continue
		}
		h[key] = []string{value}
	}
	return h, nil
}

// SplitList splits a comma separated header value into trimmed elements.
func SplitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Intersect keeps the offered values that are supported, in offer order.
func Intersect(offered, supported []string) []string {
	var out []string
	for _, o := range offered {
		for _, s := range supported {
			if o == s {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

// intersectExtensions compares by extension name, ignoring parameters.
func intersectExtensions(offered, supported []string) []string {
	var out []string
	for _, o := range offered {
		name := strings.TrimSpace(strings.SplitN(o, ";", 2)[0])
		for _, s := range supported {
			if strings.EqualFold(name, s) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
