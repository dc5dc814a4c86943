// Package bridge couples a local socket to a virtual tunnel substream with
// backpressure, copying bytes in both directions until either side EOFs
// (spec.md §4.3).
package bridge

import (
	"errors"
	"io"
	"net"

	"github.com/wmproxy/wmproxy/internal/accesslog"
	"github.com/wmproxy/wmproxy/internal/vstream"
)

// halfCloser is implemented by *net.TCPConn and *tls.Conn; when a local
// socket supports it, Pipe uses it to half-close after the substream->local
// direction finishes instead of severing the whole connection outright.
type halfCloser interface {
	CloseWrite() error
}

// Pipe copies bytes bidirectionally between local and vs until both
// directions have finished, then closes both ends. Every accepted socket
// is guaranteed close-on-exit of both sides of the pair (spec.md §5).
//
// On a clean EOF from the local socket, the substream side is closed
// normally. On a read/write error on either side, the substream is closed
// with a short reason string so the remote peer can observe why the
// substream ended (spec.md §4.3, §7 TransportIo).
func Pipe(local net.Conn, vs *vstream.Stream) {
	remote := ""
	if addr := local.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	acc := accesslog.StartConn("trans-stream bridge", remote)

	type result struct {
		n   int64
		err error
	}
	sentCh := make(chan result, 1)
	receivedCh := make(chan result, 1)

	go func() {
		n, err := io.Copy(vs, local)
		if err != nil && !isClosedErr(err) {
			vs.CloseReason(shortReason(err))
			sentCh <- result{n, err}
			return
		}
		// Local side read EOF: half-close the substream-facing writer by
		// telling the peer we're done sending, but keep reading until the
		// peer closes too.
		vs.Close()
		sentCh <- result{n, nil}
	}()

	go func() {
		n, err := io.Copy(local, vs)
		if err != nil && !isClosedErr(err) && !errors.Is(err, io.EOF) {
			vs.CloseReason(shortReason(err))
			receivedCh <- result{n, err}
		} else {
			receivedCh <- result{n, nil}
		}
		if hc, ok := local.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
	}()

	sentRes := <-sentCh
	receivedRes := <-receivedCh

	pipeErr := sentRes.err
	if pipeErr == nil {
		pipeErr = receivedRes.err
	}

	vs.Close()
	local.Close()
	acc.Done(receivedRes.n, sentRes.n, pipeErr)
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// shortReason turns an error into a short, single-line reason string
// suitable for a Close frame payload.
func shortReason(err error) string {
	s := err.Error()
	const max = 200
	if len(s) > max {
		s = s[:max]
	}
	return s
}
