// Package listener implements the public-endpoint fan-in (spec.md §4.8):
// a uniform accept() abstraction over plaintext and TLS listeners that
// annotates each accepted connection with a static descriptor tag, and a
// multi-SNI certificate resolver built from a [(sni, cert, key)] list,
// grounded on the teacher's ListenAndServe/ListenAndServeTLS pair.
package listener

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/wmproxy/wmproxy/internal/config"
)

// Descriptor tags one configured public endpoint: "proxy", "stream", or
// "http", matching the top-level Config sections in internal/config.
type Descriptor string

const (
	DescriptorProxy  Descriptor = "proxy"
	DescriptorStream Descriptor = "stream"
	DescriptorHTTP   Descriptor = "http"
)

// Accepted is one accepted connection annotated with the listener that
// produced it, for logging and routing decisions.
type Accepted struct {
	Conn       net.Conn
	Descriptor Descriptor
}

// Listener wraps a net.Listener with a fixed descriptor tag. It owns the
// optional TLS acceptor when configured.
type Listener struct {
	Descriptor Descriptor

	ln net.Listener
}

// New binds addr and wraps it in tls.NewListener when tlsCfg is non-nil.
func New(descriptor Descriptor, addr string, tlsCfg *tls.Config) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: binding %s (%s): %w", addr, descriptor, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return &Listener{Descriptor: descriptor, ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept blocks for the next connection, tagging it with the listener's
// descriptor.
func (l *Listener) Accept() (Accepted, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return Accepted{}, err
	}
	return Accepted{Conn: conn, Descriptor: l.Descriptor}, nil
}

// Serve accepts in a loop, handing each Accepted off to handle in its own
// goroutine, until Accept fails (typically because Close was called), and
// returns that error.
func (l *Listener) Serve(handle func(Accepted)) error {
	for {
		acc, err := l.Accept()
		if err != nil {
			return err
		}
		go handle(acc)
	}
}

// SNIResolver builds a tls.Config.GetCertificate resolver from a list of
// (sni, cert_path, key_path) entries (spec.md §4.8: "a single listener may
// present different certificates per SNI"). The first entry also serves
// as the default certificate for connections with no or unmatched SNI.
func SNIResolver(certs []config.SNICert) (*tls.Config, error) {
	if len(certs) == 0 {
		return nil, fmt.Errorf("listener: SNIResolver requires at least one certificate")
	}

	byName := make(map[string]*tls.Certificate, len(certs))
	var def *tls.Certificate
	for _, c := range certs {
		pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("listener: loading cert for %q: %w", c.SNI, err)
		}
		byName[c.SNI] = &pair
		if def == nil {
			def = &pair
		}
	}

	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if cert, ok := byName[hello.ServerName]; ok {
				return cert, nil
			}
			return def, nil
		},
	}, nil
}

// SingleCertConfig builds a plain single-certificate tls.Config, used when
// a stream server is configured with exactly one cert_file/key_file pair
// instead of a multi-SNI list.
func SingleCertConfig(certFile, keyFile string) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("listener: loading cert: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}}, nil
}

const (
	sniffPeekBytes = 8 * 1024
	sniffTimeout   = 2 * time.Second
)

// SniffHTTPHost peeks at the start of conn to extract the HTTP Host header
// without consuming any bytes from the connection, implementing the
// "HTTP Host → mapping domain" inbound routing rule (spec.md §4.5). The
// returned net.Conn must be used in place of conn for all further reads —
// it replays the peeked bytes before falling through to the underlying
// socket.
//
// Peek asks for a fixed-size lookahead; a request shorter than that arrives
// in one burst followed by silence rather than a hard EOF, so a bounded
// read deadline during the peek stands in for "no more bytes are coming".
func SniffHTTPHost(conn net.Conn) (net.Conn, string, error) {
	br := bufio.NewReaderSize(conn, sniffPeekBytes)

	conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	peek, peekErr := br.Peek(sniffPeekBytes)
	conn.SetReadDeadline(time.Time{})
	if len(peek) == 0 {
		return nil, "", fmt.Errorf("listener: sniffing HTTP host: no data: %w", peekErr)
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(peek)))
	if err != nil {
		return nil, "", fmt.Errorf("listener: sniffing HTTP host: %w", err)
	}
	return &peekedConn{Conn: conn, r: br}, req.Host, nil
}

// peekedConn replays bytes already buffered by r (via Peek, never
// consumed) before falling through to the wrapped connection.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.r.Read(b) }
