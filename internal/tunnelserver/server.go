// Package tunnelserver implements the center server (spec.md §4.5): it
// accepts tunnel connections, authenticates them, owns the mapping
// registry, and routes external inbound connections onto substreams of
// the owning tunnel.
package tunnelserver

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wmproxy/wmproxy/internal/bridge"
	"github.com/wmproxy/wmproxy/internal/frame"
	"github.com/wmproxy/wmproxy/internal/handler"
	"github.com/wmproxy/wmproxy/internal/idalloc"
	"github.com/wmproxy/wmproxy/internal/mapping"
	"github.com/wmproxy/wmproxy/internal/tunnelerr"
	"github.com/wmproxy/wmproxy/internal/vstream"
)

// Credentials is the {user,pass} pair the server checks an incoming Token
// frame against. A nil Credentials on Server means authentication is not
// required.
type Credentials struct {
	User string
	Pass string
}

// ConnectTimeout mirrors tunnelclient.ConnectTimeout. Nothing in this
// package reads it: the server performs no local dials of its own.
var ConnectTimeout = 5 * time.Second

// Server is the center server. Tunnels register their mappings into
// Registry; external inbound connections are routed through RouteInbound.
type Server struct {
	Registry    *mapping.Registry
	Creds       *Credentials
	ServerID    uint8
	NextOwnerID atomic.Uint64

	mu      sync.Mutex
	tunnels map[uint64]*tunnelSession
}

// New builds a Server with a fresh mapping registry.
func New(creds *Credentials, serverID uint8) *Server {
	return &Server{
		Registry: mapping.New(),
		Creds:    creds,
		ServerID: serverID,
		tunnels:  make(map[uint64]*tunnelSession),
	}
}

// ServeTunnel handles one accepted tunnel connection until it ends. It
// blocks until the tunnel is lost or the shutdown channel closes.
func (srv *Server) ServeTunnel(conn net.Conn, shutdown <-chan struct{}) error {
	ownerID := srv.NextOwnerID.Add(1)

	sess := &tunnelSession{
		conn:       conn,
		allocator:  idalloc.NewAllocator(false), // server allocates even ids
		substreams: make(map[uint32]*vstream.Stream),
		outbound:   make(chan frame.Frame, 100),
		ownerID:    ownerID,
		registry:   srv.Registry,
		serverID:   srv.ServerID,
	}

	if err := srv.authenticate(conn, sess); err != nil {
		slog.Warn("tunnel authentication failed", "remote_addr", conn.RemoteAddr(), "error", err)
		writeClose(conn, 0, "unauthenticated")
		conn.Close()
		return err
	}

	srv.mu.Lock()
	srv.tunnels[ownerID] = sess
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		delete(srv.tunnels, ownerID)
		srv.mu.Unlock()
		srv.Registry.RemoveOwner(ownerID)
	}()

	slog.Info("tunnel accepted", "remote_addr", conn.RemoteAddr(), "owner_id", ownerID)
	err := sess.serve(shutdown)
	conn.Close()
	sess.closeAll()
	slog.Info("tunnel ended", "remote_addr", conn.RemoteAddr(), "owner_id", ownerID, "error", err)
	return err
}

// authenticate reads the first frame(s): Token (if required) then Mapping,
// installing the advertised mappings into the registry on success
// (spec.md §4.5, §3 invariant 5).
func (srv *Server) authenticate(conn net.Conn, sess *tunnelSession) error {
	readBuf := make([]byte, 0, 16*1024)
	chunk := make([]byte, 4096)

	readFrame := func() (frame.Frame, error) {
		for {
			f, n, ok, err := frame.Decode(readBuf)
			if err != nil {
				return frame.Frame{}, fmt.Errorf("tunnelserver: %w", err)
			}
			if ok {
				cp := make([]byte, len(f.Payload))
				copy(cp, f.Payload)
				f.Payload = cp
				readBuf = readBuf[n:]
				return f, nil
			}
			n, err = conn.Read(chunk)
			if err != nil {
				return frame.Frame{}, fmt.Errorf("tunnelserver: reading registration: %w", err)
			}
			readBuf = append(readBuf, chunk[:n]...)
		}
	}

	if srv.Creds != nil {
		f, err := readFrame()
		if err != nil {
			return err
		}
		if f.Kind != frame.KindToken {
			return tunnelerr.ErrUnauthenticated
		}
		tok, err := frame.DecodeTokenPayload(f.Payload)
		if err != nil {
			return fmt.Errorf("tunnelserver: %w", err)
		}
		if tok.User != srv.Creds.User || tok.Pass != srv.Creds.Pass {
			return tunnelerr.ErrUnauthenticated
		}
	}

	f, err := readFrame()
	if err != nil {
		return err
	}
	if f.Kind != frame.KindMapping {
		return tunnelerr.ErrProtocolViolation
	}
	entries, err := frame.DecodeMappingPayload(f.Payload)
	if err != nil {
		return fmt.Errorf("tunnelserver: %w", err)
	}
	sess.mappings = entries
	srv.Registry.Replace(sess.ownerID, entries)
	sess.leftover = readBuf
	return nil
}

// RouteInbound is called by the listener fan-in when an external client
// connects to a public listener; host is the HTTP Host header, SNI name,
// or listener-port-derived mapping name used to resolve the owning tunnel
// (spec.md §4.5 "Inbound request routing").
func (srv *Server) RouteInbound(conn net.Conn, host string, proxyHandler handler.Handler) error {
	rt, ok := srv.Registry.Lookup(host)
	if !ok {
		conn.Close()
		return tunnelerr.ErrMappingMiss
	}

	srv.mu.Lock()
	sess, ok := srv.tunnels[rt.OwnerID]
	srv.mu.Unlock()
	if !ok {
		conn.Close()
		return tunnelerr.ErrMappingMiss
	}

	if rt.Entry.Mode == frame.ModeProxy {
		if proxyHandler == nil {
			conn.Close()
			return tunnelerr.ErrMappingMiss
		}
		go proxyHandler.Process(conn, nil)
		return nil
	}

	sess.createInbound(conn, rt.Entry.Domain)
	return nil
}

func writeClose(conn net.Conn, sockMap uint32, reason string) {
	buf, err := frame.AppendEncode(nil, frame.Frame{
		Kind:    frame.KindClose,
		SockMap: sockMap,
		Payload: frame.EncodeClosePayload(reason),
	})
	if err != nil {
		return
	}
	conn.Write(buf)
}

// tunnelSession is one accepted tunnel's I/O state, owned exclusively by
// its own serve() goroutine.
type tunnelSession struct {
	conn       net.Conn
	allocator  *idalloc.Allocator
	substreams map[uint32]*vstream.Stream
	outbound   chan frame.Frame
	createQueue chan createRequest

	ownerID  uint64
	serverID uint8
	mappings []frame.MappingEntry
	registry *mapping.Registry
	leftover []byte

	mu sync.Mutex
}

type createRequest struct {
	conn   net.Conn
	domain string
}

func (s *tunnelSession) createInbound(conn net.Conn, domain string) {
	s.mu.Lock()
	if s.createQueue == nil {
		s.createQueue = make(chan createRequest, 16)
	}
	q := s.createQueue
	s.mu.Unlock()

	select {
	case q <- createRequest{conn: conn, domain: domain}:
	default:
		conn.Close()
	}
}

func (s *tunnelSession) closeAll() {
	for id, vs := range s.substreams {
		vs.DeliverClose()
		delete(s.substreams, id)
	}
}

func (s *tunnelSession) serve(shutdown <-chan struct{}) error {
	var writeBuf []byte
	readBuf := append([]byte(nil), s.leftover...)
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
					// no data this tick
				} else {
					return fmt.Errorf("tunnelserver: transport read: %w", err)
				}
			}
		}

		if len(writeBuf) > 0 {
			if _, err := s.conn.Write(writeBuf); err != nil {
				return fmt.Errorf("tunnelserver: transport write: %w", err)
			}
			writeBuf = writeBuf[:0]
		}
	}
}

func (s *tunnelSession) drainCreates(writeBuf *[]byte) {
	s.mu.Lock()
	q := s.createQueue
	s.mu.Unlock()
	if q == nil {
		return
	}
	for {
		select {
		case req := <-q:
			id := idalloc.WithServerID(s.allocator.Next(liveSet(s.substreams)), s.serverID)
			vs := vstream.New(id, s.outbound)
			s.substreams[id] = vs
			var err error
			*writeBuf, err = frame.AppendEncode(*writeBuf, frame.Frame{
				Kind:    frame.KindCreate,
				SockMap: id,
				Payload: frame.EncodeCreatePayload(req.domain),
			})
			if err != nil {
				slog.Error("tunnelserver: encoding Create frame", "error", err)
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

func (s *tunnelSession) drainOutbound(writeBuf *[]byte) {
	for {
		select {
		case f := <-s.outbound:
			var err error
			*writeBuf, err = frame.AppendEncode(*writeBuf, f)
			if err != nil {
				slog.Error("tunnelserver: encoding outbound frame", "error", err, "kind", f.Kind)
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
func (s *tunnelSession) parseFrames(buf []byte, writeBuf *[]byte) ([]byte, error) {
	for {
		f, n, ok, err := frame.Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("tunnelserver: %w: %w", tunnelerr.ErrProtocolViolation, err)
		}
		if !ok {
			break
		}
		s.dispatch(f)
		buf = buf[n:]
	}
	remainder := make([]byte, len(buf))
	copy(remainder, buf)
	return remainder, nil
}

func (s *tunnelSession) dispatch(f frame.Frame) {
	switch f.Kind {
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
	case frame.KindMapping:
		entries, err := frame.DecodeMappingPayload(f.Payload)
		if err != nil {
			slog.Warn("tunnelserver: malformed Mapping resend, ignoring", "error", err)
			return
		}
		s.mappings = entries
		s.registry.Replace(s.ownerID, entries)
	case frame.KindToken:
		// Re-sent after registration; not meaningful mid-session, ignored.
	case frame.KindCreate:
		// A Create sent by the center client is dropped without a reply:
		// the server opens substreams only for connections accepted on its
		// public listeners.
	}
}

func liveSet(m map[uint32]*vstream.Stream) map[uint32]struct{} {
	live := make(map[uint32]struct{}, len(m))
	for id := range m {
		live[id] = struct{}{}
	}
	return live
}
