// Package socks5 implements a minimal SOCKS5 CONNECT server, the forward-
// proxy engine a `mode=proxy` mapping hands substreams to (spec.md §3, §8
// scenario S3). Only the no-auth CONNECT path is implemented; BIND and UDP
// ASSOCIATE are rejected with the standard "command not supported" reply.
package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/wmproxy/wmproxy/internal/bridge"
	"github.com/wmproxy/wmproxy/internal/handler"
)

const (
	version5        = 0x05
	authNone        = 0x00
	cmdConnect      = 0x01
	atypIPv4        = 0x01
	atypDomain      = 0x03
	atypIPv6        = 0x04
	replySucceeded  = 0x00
	replyCmdNotSupp = 0x07
	replyHostUnreach = 0x04
)

// DialTimeout bounds the CONNECT target dial.
var DialTimeout = 10 * time.Second

// Handler implements handler.Handler for SOCKS5. Process runs the full
// handshake, dials the requested target, and pipes the connection to
// completion — it never returns a chainable stream.
type Handler struct{}

// New returns a ready SOCKS5 Handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Process(stream handler.Stream, shutdown <-chan struct{}) (handler.Stream, error) {
	if err := negotiateAuth(stream); err != nil {
		return nil, fmt.Errorf("socks5: negotiating auth: %w", err)
	}

	target, err := readRequest(stream)
	if err != nil {
		writeReply(stream, replyHostUnreach)
		return nil, fmt.Errorf("socks5: reading request: %w", err)
	}

	conn, dialErr := net.DialTimeout("tcp", target, DialTimeout)
	if dialErr != nil {
		writeReply(stream, replyHostUnreach)
		return nil, fmt.Errorf("socks5: dialing %s: %w", target, dialErr)
	}

	if err := writeReply(stream, replySucceeded); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks5: writing success reply: %w", err)
	}

	bridge.Pipe(conn, handler.AsConn(stream))
	return nil, nil
}

func negotiateAuth(r io.Reader) error {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != version5 {
		return fmt.Errorf("unsupported SOCKS version %d", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return err
	}
	w, ok := r.(io.Writer)
	if !ok {
		return fmt.Errorf("stream does not support writes")
	}
	_, err := w.Write([]byte{version5, authNone})
	return err
}

func readRequest(rw io.ReadWriter) (target string, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return "", err
	}
	if hdr[0] != version5 {
		return "", fmt.Errorf("unsupported SOCKS version %d", hdr[0])
	}
	if hdr[1] != cmdConnect {
		writeReply(rw, replyCmdNotSupp)
		return "", fmt.Errorf("unsupported command %d", hdr[1])
	}

	var host string
	switch hdr[3] {
	case atypIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(rw, ip[:]); err != nil {
			return "", err
		}
		host = net.IP(ip[:]).String()
	case atypIPv6:
		var ip [16]byte
		if _, err := io.ReadFull(rw, ip[:]); err != nil {
			return "", err
		}
		host = net.IP(ip[:]).String()
	case atypDomain:
		var n [1]byte
		if _, err := io.ReadFull(rw, n[:]); err != nil {
			return "", err
		}
		domain := make([]byte, n[0])
		if _, err := io.ReadFull(rw, domain); err != nil {
			return "", err
		}
		host = string(domain)
	default:
		return "", fmt.Errorf("unknown address type %d", hdr[3])
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(rw, portBuf[:]); err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	return net.JoinHostPort(host, fmt.Sprintf("%d", port)), nil
}

func writeReply(w io.Writer, code byte) error {
	reply := []byte{version5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := w.Write(reply)
	return err
}
