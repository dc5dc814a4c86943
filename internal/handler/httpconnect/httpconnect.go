// Package httpconnect implements an HTTP CONNECT forward-proxy engine, the
// other half of the proxy-mode forward-proxy pair alongside socks5
// (spec.md §1: "SOCKS/HTTP forward proxy").
package httpconnect

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/wmproxy/wmproxy/internal/bridge"
	"github.com/wmproxy/wmproxy/internal/handler"
)

// DialTimeout bounds the CONNECT target dial.
var DialTimeout = 10 * time.Second

// Handler implements handler.Handler for HTTP CONNECT requests.
type Handler struct{}

// New returns a ready HTTP CONNECT Handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Process(stream handler.Stream, shutdown <-chan struct{}) (handler.Stream, error) {
	reader := bufio.NewReader(stream)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return nil, fmt.Errorf("httpconnect: reading request: %w", err)
	}
	if req.Method != http.MethodConnect {
		stream.Write([]byte("HTTP/1.1 405 Method Not Allowed\r\n\r\n"))
		return nil, fmt.Errorf("httpconnect: unsupported method %q", req.Method)
	}

	target := req.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "80")
	}

	conn, err := net.DialTimeout("tcp", target, DialTimeout)
	if err != nil {
		stream.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return nil, fmt.Errorf("httpconnect: dialing %s: %w", target, err)
	}

	if _, err := stream.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("httpconnect: writing 200 reply: %w", err)
	}

	// Drain any bytes bufio already buffered from stream before the raw
	// copy begins, so data following the CONNECT request isn't lost.
	if n := reader.Buffered(); n > 0 {
		leftover := make([]byte, n)
		reader.Read(leftover)
		conn.Write(leftover)
	}

	bridge.Pipe(conn, handler.AsConn(stream))
	return nil, nil
}
