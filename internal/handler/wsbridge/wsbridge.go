// Package wsbridge implements the WebSocket<->TCP bridge inbound handler
// (spec.md §12 / the `ws-proxy` CLI subcommand), structurally grounded on
// the teacher's gateway/src/tunnel.go handleTunnel WS<->TCP pump.
//
// Three modes mirror original_source/src/arg.rs's WsProxyConfig.mode
// (ws2tcp, tcp2ws, tcp2wss): ws2tcp accepts inbound WebSocket connections
// and bridges each to a plain TCP backend (an http.Handler, mounted under
// an HTTP server); tcp2ws/tcp2wss accept inbound raw TCP connections and
// bridge each to a WebSocket backend, optionally over TLS (a
// handler.Handler, mounted under a plain TCP listener).
package wsbridge

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wmproxy/wmproxy/internal/handler"
)

// Mode selects which side of the bridge terminates the WebSocket.
type Mode string

const (
	// ModeWS2TCP accepts a WebSocket client and forwards to a plain TCP backend.
	ModeWS2TCP Mode = "ws2tcp"
	// ModeTCP2WS accepts a plain TCP client and forwards to a ws:// backend.
	ModeTCP2WS Mode = "tcp2ws"
	// ModeTCP2WSS accepts a plain TCP client and forwards to a wss:// backend.
	ModeTCP2WSS Mode = "tcp2wss"
)

// Upgrader is shared across requests the way the teacher's TunnelProxy
// keeps a single websocket.Upgrader on the struct.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DialTimeout bounds the backend TCP or WebSocket dial.
var DialTimeout = 10 * time.Second

// Handler bridges bytes between a WebSocket endpoint and a TCP endpoint,
// in either direction depending on Mode. It implements both http.Handler
// (for ModeWS2TCP, mounted behind an HTTP server) and handler.Handler
// (for ModeTCP2WS/ModeTCP2WSS, mounted behind a raw TCP listener).
type Handler struct {
	Mode    Mode
	Backend string
}

// New returns a ws2tcp Handler bridging inbound WebSocket clients to the
// plain TCP backend address. Kept for ws2tcp callers that have no need of
// the other modes.
func New(backend string) *Handler {
	return &Handler{Mode: ModeWS2TCP, Backend: backend}
}

// NewMode returns a Handler for the named mode. backend is a TCP address
// for ModeWS2TCP, or a ws://|wss:// URL for ModeTCP2WS/ModeTCP2WSS. The
// `ws-proxy` subcommand has no mode flag and builds ws2tcp handlers via New.
func NewMode(mode Mode, backend string) (*Handler, error) {
	switch mode {
	case ModeWS2TCP, ModeTCP2WS, ModeTCP2WSS:
		return &Handler{Mode: mode, Backend: backend}, nil
	default:
		return nil, fmt.Errorf("wsbridge: unknown mode %q (want ws2tcp, tcp2ws, or tcp2wss)", mode)
	}
}

// ServeHTTP implements ModeWS2TCP: upgrade the inbound HTTP request to a
// WebSocket and pipe bytes to/from a plain TCP dial of h.Backend.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("wsbridge: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	backend, err := net.DialTimeout("tcp", h.Backend, DialTimeout)
	if err != nil {
		slog.Error("wsbridge: dialing backend failed", "backend", h.Backend, "error", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend unreachable"))
		return
	}
	defer backend.Close()

	slog.Info("wsbridge: tunnel established", "mode", ModeWS2TCP, "backend", h.Backend, "remote_addr", r.RemoteAddr)
	defer slog.Info("wsbridge: tunnel closed", "mode", ModeWS2TCP, "backend", h.Backend, "remote_addr", r.RemoteAddr)

	pumpWSToTCP(conn, backend)
}

// Process implements handler.Handler for ModeTCP2WS/ModeTCP2WSS: dial a
// WebSocket backend and pipe bytes to/from the inbound raw stream.
func (h *Handler) Process(stream handler.Stream, shutdown <-chan struct{}) (handler.Stream, error) {
	if h.Mode == ModeWS2TCP {
		return nil, fmt.Errorf("wsbridge: Process is not valid for mode %q", h.Mode)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: DialTimeout}
	conn, _, err := dialer.Dial(h.Backend, nil)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("wsbridge: dialing ws backend %s: %w", h.Backend, err)
	}
	defer conn.Close()

	slog.Info("wsbridge: tunnel established", "mode", h.Mode, "backend", h.Backend)
	defer slog.Info("wsbridge: tunnel closed", "mode", h.Mode, "backend", h.Backend)

	pumpTCPToWS(stream, conn)
	return nil, nil
}

// pumpWSToTCP copies bytes between a WebSocket connection and a plain TCP
// (or substream) connection until either side ends.
func pumpWSToTCP(ws *websocket.Conn, tcp io.ReadWriteCloser) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("wsbridge: ws read error", "error", err)
				}
				return
			}
			if _, err := tcp.Write(message); err != nil {
				slog.Debug("wsbridge: tcp write error", "error", err)
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 16384)
		for {
			n, err := tcp.Read(buf)
			if err != nil {
				if err != io.EOF {
					slog.Debug("wsbridge: tcp read error", "error", err)
				}
				return
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				slog.Debug("wsbridge: ws write error", "error", err)
				return
			}
		}
	}()

	<-done
}

// pumpTCPToWS is pumpWSToTCP with the roles reversed: tcp is the inbound
// side (a raw stream or substream), ws is the dialed backend.
func pumpTCPToWS(tcp handler.Stream, ws *websocket.Conn) {
	pumpWSToTCP(ws, tcp)
}
