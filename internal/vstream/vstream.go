// Package vstream presents one multiplexed tunnel substream as an ordinary
// bidirectional byte stream (spec.md §4.2).
package vstream

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/wmproxy/wmproxy/internal/frame"
)

// DefaultInboundQueue is the default bound on a substream's inbound queue
// (spec.md §5: "the per-substream inbound queue is bounded (default 10
// frames)").
const DefaultInboundQueue = 10

// ErrClosed is returned by Write after the stream has been closed locally.
var ErrClosed = errors.New("vstream: closed")

type inboundItem struct {
	data   []byte
	closed bool
}

// Sender is the shared tunnel-wide outbound channel a Stream writes Data
// and Close frames onto. It is owned by the tunnel's I/O task.
type Sender chan<- frame.Frame

// Stream is one virtual substream, identified by SockMap, multiplexed over
// a shared tunnel connection.
type Stream struct {
	SockMap uint32

	inbound  chan inboundItem
	outbound Sender

	readBuf []byte
	eof     bool

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a Stream for sockMap, writing Data/Close frames onto
// outbound and reading Data/Close deliveries fed by DeliverData/DeliverClose.
func New(sockMap uint32, outbound Sender) *Stream {
	return &Stream{
		SockMap:  sockMap,
		inbound:  make(chan inboundItem, DefaultInboundQueue),
		outbound: outbound,
	}
}

// DeliverData hands a Data frame's payload to the stream's read side. It is
// called by the tunnel's dispatch loop, never by the Stream's own user. It
// uses a non-blocking send (spec.md §5): if the inbound queue is full the
// frame is dropped and DeliverData returns false, signalling the caller to
// force-close the substream.
func (s *Stream) DeliverData(payload []byte) (delivered bool) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case s.inbound <- inboundItem{data: cp}:
		return true
	default:
		return false
	}
}

// DeliverClose hands a Close frame to the stream's read side. Like
// DeliverData it is a non-blocking send, but dropping a Close is harmless
// (idempotent) so the return value is only informational.
func (s *Stream) DeliverClose() (delivered bool) {
	select {
	case s.inbound <- inboundItem{closed: true}:
		return true
	default:
		return false
	}
}

// Read implements io.Reader. A received Close makes all subsequent reads
// return io.EOF once buffered data is drained.
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.readBuf) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		item, ok := <-s.inbound
		if !ok {
			s.eof = true
			return 0, io.EOF
		}
		if item.closed {
			s.eof = true
			return 0, io.EOF
		}
		s.readBuf = item.data
	}

	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

// Write implements io.Writer. Bytes are split into frame.MaxChunk pieces
// and each piece is sent as a Data frame on the shared outbound channel; if
// the channel is full the call suspends until capacity frees up
// (spec.md §5: "the outbound tunnel channel is bounded ... senders await
// capacity").
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > frame.MaxChunk {
			chunk = chunk[:frame.MaxChunk]
		}
		f := frame.Frame{Kind: frame.KindData, SockMap: s.SockMap, Payload: chunk}
		s.outbound <- f
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Close drops both halves and sends Close{SockMap} exactly once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.outbound <- frame.Frame{Kind: frame.KindClose, SockMap: s.SockMap}
	})
	return nil
}

// CloseReason is like Close but attaches a short reason string, used when
// termination is caused by an error on the local side of the bridge.
func (s *Stream) CloseReason(reason string) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.outbound <- frame.Frame{
			Kind:    frame.KindClose,
			SockMap: s.SockMap,
			Payload: frame.EncodeClosePayload(reason),
		}
	})
	return nil
}
