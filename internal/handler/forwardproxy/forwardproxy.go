// Package forwardproxy auto-detects SOCKS5 vs HTTP CONNECT on the first
// byte of an inbound stream and dispatches to the matching engine
// (spec.md §1: "SOCKS/HTTP forward proxy"), so a single proxy-mode mapping
// or standalone `proxy` listener can serve either client without separate
// ports.
package forwardproxy

import (
	"bufio"
	"fmt"

	"github.com/wmproxy/wmproxy/internal/handler"
	"github.com/wmproxy/wmproxy/internal/handler/httpconnect"
	"github.com/wmproxy/wmproxy/internal/handler/socks5"
)

const socks5VersionByte = 0x05

// Handler implements handler.Handler, dispatching each stream to socks5 or
// httpconnect based on its leading byte.
type Handler struct {
	socks5 *socks5.Handler
	http   *httpconnect.Handler
}

// New builds a ready Handler.
func New() *Handler {
	return &Handler{socks5: socks5.New(), http: httpconnect.New()}
}

func (h *Handler) Process(stream handler.Stream, shutdown <-chan struct{}) (handler.Stream, error) {
	br := &peekedStream{Stream: stream, r: bufio.NewReader(stream)}
	first, err := br.r.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("forwardproxy: peeking first byte: %w", err)
	}

	if first[0] == socks5VersionByte {
		return h.socks5.Process(br, shutdown)
	}
	return h.http.Process(br, shutdown)
}

// peekedStream replays the byte consumed by Peek before falling through to
// the wrapped stream.
type peekedStream struct {
	handler.Stream
	r *bufio.Reader
}

func (p *peekedStream) Read(b []byte) (int, error) { return p.r.Read(b) }
