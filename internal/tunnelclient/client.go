// Package tunnelclient implements the center client (spec.md §4.4): it
// maintains one outbound tunnel to a center server, registers its
// mappings, reconnects on failure, and routes inbound substreams to local
// dials or the embedded forward-proxy engine.
package tunnelclient

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/wmproxy/wmproxy/internal/bridge"
	"github.com/wmproxy/wmproxy/internal/frame"
	"github.com/wmproxy/wmproxy/internal/handler"
	"github.com/wmproxy/wmproxy/internal/idalloc"
	"github.com/wmproxy/wmproxy/internal/tunnelerr"
	"github.com/wmproxy/wmproxy/internal/vstream"
)

// ReconnectDelay is the fixed wait between a lost tunnel and the next dial
// attempt (spec.md §4.4.5: "wait 1 s and retry connection indefinitely").
var ReconnectDelay = 1 * time.Second

// ConnectTimeout bounds the initial transport dial (spec.md §5: "default 5s").
var ConnectTimeout = 5 * time.Second

// Client is a center client. The zero value is not usable; build one with
// New.
type Client struct {
	ServerAddr string
	TLSConfig  *tls.Config // nil means plaintext
	Creds      *frame.TokenPayload
	Mappings   []frame.MappingEntry

	// ProxyHandler services substreams whose matched mapping has
	// mode=proxy; nil means proxy-mode mappings are rejected.
	ProxyHandler handler.Handler

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New builds a Client ready to Run.
func New(serverAddr string, tlsConfig *tls.Config, creds *frame.TokenPayload, mappings []frame.MappingEntry, proxyHandler handler.Handler) *Client {
	return &Client{
		ServerAddr:   serverAddr,
		TLSConfig:    tlsConfig,
		Creds:        creds,
		Mappings:     mappings,
		ProxyHandler: proxyHandler,
		shutdown:     make(chan struct{}),
	}
}

// Shutdown signals Run to stop reconnecting after the current tunnel ends.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdown) })
}

// Run dials, registers, and serves the tunnel forever, reconnecting after
// ReconnectDelay whenever the serve loop returns, until Shutdown is called.
func (c *Client) Run() error {
	for {
		select {
		case <-c.shutdown:
			return tunnelerr.ErrShutdown
		default:
		}

		conn, err := c.connect()
		if err != nil {
			slog.Warn("tunnel connect failed", "server_addr", c.ServerAddr, "error", err)
			if !c.sleep(ReconnectDelay) {
				return tunnelerr.ErrShutdown
			}
			continue
		}

		if err := c.register(conn); err != nil {
			slog.Warn("tunnel registration failed", "server_addr", c.ServerAddr, "error", err)
			conn.Close()
			if !c.sleep(ReconnectDelay) {
				return tunnelerr.ErrShutdown
			}
			continue
		}

		slog.Info("tunnel established", "server_addr", c.ServerAddr)
		sess := newSession(conn, c.ProxyHandler, c.Mappings)
		err = sess.serve(c.shutdown)
		conn.Close()
		sess.closeAll(tunnelerr.ErrTunnelLost)
		slog.Info("tunnel lost", "server_addr", c.ServerAddr, "error", err)

		if !c.sleep(ReconnectDelay) {
			return tunnelerr.ErrShutdown
		}
	}
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.shutdown:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) connect() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.ServerAddr, ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("tunnelclient: dialing %s: %w", c.ServerAddr, err)
	}
	if c.TLSConfig != nil {
		tlsConn := tls.Client(conn, c.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tunnelclient: TLS handshake: %w", err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

func (c *Client) register(conn net.Conn) error {
	var buf []byte
	var err error
	if c.Creds != nil {
		buf, err = frame.AppendEncode(buf, frame.Frame{
			Kind:    frame.KindToken,
			Payload: frame.EncodeTokenPayload(*c.Creds),
		})
		if err != nil {
			return err
		}
	}
	buf, err = frame.AppendEncode(buf, frame.Frame{
		Kind:    frame.KindMapping,
		Payload: frame.EncodeMappingPayload(c.Mappings),
	})
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

// createRequest is a locally-initiated Create, used by DealNewStream.
type createRequest struct {
	conn   net.Conn
	domain string
}

// session is one live tunnel connection's I/O state, owned exclusively by
// its own serve() goroutine (spec.md §5: "never locked from outside").
type session struct {
	conn         net.Conn
	proxyHandler handler.Handler
	mappings     []frame.MappingEntry

	allocator  *idalloc.Allocator
	substreams map[uint32]*vstream.Stream

	outbound    chan frame.Frame
	createQueue chan createRequest
}

func newSession(conn net.Conn, proxyHandler handler.Handler, mappings []frame.MappingEntry) *session {
	return &session{
		conn:         conn,
		proxyHandler: proxyHandler,
		mappings:     mappings,
		allocator:    idalloc.NewAllocator(true), // client allocates odd ids
		substreams:   make(map[uint32]*vstream.Stream),
		outbound:     make(chan frame.Frame, 100),
		createQueue:  make(chan createRequest, 16),
	}
}

// DealNewStream exposes a locally-accepted connection as a new substream
// tunneled to the server (spec.md §4.4.6).
func (s *session) DealNewStream(conn net.Conn, domain string) {
	select {
	case s.createQueue <- createRequest{conn: conn, domain: domain}:
	default:
		conn.Close()
	}
}

func (s *session) closeAll(reason error) {
	n := len(s.substreams)
	for id, vs := range s.substreams {
		vs.DeliverClose()
		delete(s.substreams, id)
	}
	if n > 0 {
		slog.Debug("tunnelclient: local substreams closed", "count", n, "reason", reason)
	}
}

// serve runs the biased tunnel I/O loop (spec.md §4.4.3): drain locally
// initiated creates, drain substream outbound frames into the write
// buffer, read transport bytes and parse complete frames, then flush.
func (s *session) serve(shutdown <-chan struct{}) error {
	var writeBuf []byte
	readBuf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)

	for {
		select {
		case <-shutdown:
			return tunnelerr.ErrShutdown
		default:
		}

		s.drainCreates(&writeBuf)
		s.drainOutbound(&writeBuf)

		if s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)) == nil {
			n, err := s.conn.Read(chunk)
			if n > 0 {
				readBuf = append(readBuf, chunk[:n]...)
				var perr error
				readBuf, perr = s.parseFrames(readBuf, &writeBuf)
				if perr != nil {
					return perr
				}
			}
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					// no data this tick; fall through to flush
				} else {
					return fmt.Errorf("tunnelclient: transport read: %w", err)
				}
			}
		}

		if len(writeBuf) > 0 {
			if _, err := s.conn.Write(writeBuf); err != nil {
				return fmt.Errorf("tunnelclient: transport write: %w", err)
			}
			writeBuf = writeBuf[:0]
		}
	}
}

func (s *session) drainCreates(writeBuf *[]byte) {
	for {
		select {
		case req := <-s.createQueue:
			id := s.allocator.Next(liveSet(s.substreams))
			vs := vstream.New(id, s.outbound)
			s.substreams[id] = vs
			var err error
			*writeBuf, err = frame.AppendEncode(*writeBuf, frame.Frame{
				Kind:    frame.KindCreate,
				SockMap: id,
				Payload: frame.EncodeCreatePayload(req.domain),
			})
			if err != nil {
				slog.Error("tunnelclient: encoding Create frame", "error", err)
				delete(s.substreams, id)
				req.conn.Close()
				continue
			}
			go bridge.Pipe(req.conn, vs)
		default:
			return
		}
	}
}

func (s *session) drainOutbound(writeBuf *[]byte) {
	for {
		select {
		case f := <-s.outbound:
			var err error
			*writeBuf, err = frame.AppendEncode(*writeBuf, f)
			if err != nil {
				slog.Error("tunnelclient: encoding outbound frame", "error", err, "kind", f.Kind)
			}
		default:
			return
		}
	}
}

// parseFrames decodes as many complete frames as buf holds, dispatching
// each, and returns the undecoded remainder. A malformed kind byte fails
// the whole tunnel (spec.md §4.1, §7 ProtocolViolation): the caller must
// tear down the connection rather than keep reading against a desynced
// buffer.
func (s *session) parseFrames(buf []byte, writeBuf *[]byte) ([]byte, error) {
	for {
		f, n, ok, err := frame.Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("tunnelclient: %w: %w", tunnelerr.ErrProtocolViolation, err)
		}
		if !ok {
			break
		}
		s.dispatch(f, writeBuf)
		buf = buf[n:]
	}
	remainder := make([]byte, len(buf))
	copy(remainder, buf)
	return remainder, nil
}

func (s *session) dispatch(f frame.Frame, writeBuf *[]byte) {
	switch f.Kind {
	case frame.KindCreate:
		domain, err := frame.DecodeCreatePayload(f.Payload)
		if err != nil {
			slog.Warn("tunnelclient: malformed Create payload", "error", err)
			return
		}
		s.onCreate(f.SockMap, domain, writeBuf)
	case frame.KindData:
		if vs, ok := s.substreams[f.SockMap]; ok {
			if !vs.DeliverData(f.Payload) {
				delete(s.substreams, f.SockMap)
				vs.Close()
			}
		}
	case frame.KindClose:
		if vs, ok := s.substreams[f.SockMap]; ok {
			vs.DeliverClose()
			delete(s.substreams, f.SockMap)
		}
	case frame.KindMapping, frame.KindToken:
		// Protocol errors on the client's inbound side, ignored for
		// forward-compatibility (spec.md §9 open question).
	}
}

func (s *session) onCreate(id uint32, domain string, writeBuf *[]byte) {
	entry, ok := lookupMapping(s.mappings, domain)
	if !ok {
		appendClose(writeBuf, id, "no mapping")
		return
	}

	vs := vstream.New(id, s.outbound)
	s.substreams[id] = vs

	if entry.Mode == frame.ModeProxy {
		if s.proxyHandler == nil {
			delete(s.substreams, id)
			appendClose(writeBuf, id, "no mapping")
			return
		}
		go func() {
			s.proxyHandler.Process(vs, nil)
		}()
		return
	}

	conn, err := net.DialTimeout("tcp", entry.LocalAddr, ConnectTimeout)
	if err != nil {
		delete(s.substreams, id)
		slog.Info("tunnelclient: local dial failed", "local_addr", entry.LocalAddr, "error", err)
		appendClose(writeBuf, id, "")
		return
	}
	go bridge.Pipe(conn, vs)
}

func lookupMapping(mappings []frame.MappingEntry, domain string) (frame.MappingEntry, bool) {
	for _, m := range mappings {
		if domain == m.Domain || domain == m.Name {
			return m, true
		}
	}
	return frame.MappingEntry{}, false
}

func appendClose(writeBuf *[]byte, id uint32, reason string) {
	buf, err := frame.AppendEncode(*writeBuf, frame.Frame{
		Kind:    frame.KindClose,
		SockMap: id,
		Payload: frame.EncodeClosePayload(reason),
	})
	if err != nil {
		slog.Error("tunnelclient: encoding Close frame", "error", err)
		return
	}
	*writeBuf = buf
}

func liveSet(m map[uint32]*vstream.Stream) map[uint32]struct{} {
	live := make(map[uint32]struct{}, len(m))
	for id := range m {
		live[id] = struct{}{}
	}
	return live
}
