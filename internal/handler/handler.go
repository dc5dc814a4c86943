// Package handler defines the pluggable inbound byte-stream handler
// interface (spec.md §9: "Dynamic dispatch over inbound handlers").
// Concrete handlers live in subpackages (socks5, httpconnect, reverseproxy,
// fileserver, wsbridge) and are selected at config-load time.
package handler

import (
	"io"
	"net"
	"time"
)

// Stream is the minimal interface a handler needs from whatever byte-stream
// it is handed: a virtual substream (internal/vstream) or a raw net.Conn
// satisfy it equally.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Handler processes one inbound byte-stream. Returning a non-nil stream
// lets a caller chain a second handler over the same connection (spec.md
// §9: `process(stream, shutdown) -> Option<stream>`); returning (nil, nil)
// means the handler served the connection to completion itself.
type Handler interface {
	Process(stream Stream, shutdown <-chan struct{}) (Stream, error)
}

// AsConn adapts a Stream to net.Conn so it can be passed to code (such as
// internal/bridge) that expects a net.Conn. If stream is already a net.Conn
// (the common case for raw public-listener connections), it is returned
// unchanged; otherwise addr/deadline methods are no-ops, which is correct
// for a virtual substream that has no underlying socket of its own.
func AsConn(stream Stream) net.Conn {
	if conn, ok := stream.(net.Conn); ok {
		return conn
	}
	return streamConn{Stream: stream}
}

type streamConn struct{ Stream }

func (streamConn) LocalAddr() net.Addr                 { return nil }
func (streamConn) RemoteAddr() net.Addr                { return nil }
func (streamConn) SetDeadline(time.Time) error         { return nil }
func (streamConn) SetReadDeadline(time.Time) error     { return nil }
func (streamConn) SetWriteDeadline(time.Time) error    { return nil }
