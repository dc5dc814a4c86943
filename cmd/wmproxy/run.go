package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/wmproxy/wmproxy/internal/config"
	"github.com/wmproxy/wmproxy/internal/control"
	"github.com/wmproxy/wmproxy/internal/frame"
	"github.com/wmproxy/wmproxy/internal/handler"
	"github.com/wmproxy/wmproxy/internal/handler/fileserver"
	"github.com/wmproxy/wmproxy/internal/handler/forwardproxy"
	"github.com/wmproxy/wmproxy/internal/handler/reverseproxy"
	"github.com/wmproxy/wmproxy/internal/listener"
	"github.com/wmproxy/wmproxy/internal/tunnelclient"
	"github.com/wmproxy/wmproxy/internal/tunnelserver"
)

// startGeneration builds and starts every data-plane component named in
// cfg, returning a control.Generation the Controller can supervise. It is
// used both as the initial generation at process start and as the
// control.Starter invoked by /reload.
func startGeneration(cfg *config.Config) (*control.Generation, error) {
	var (
		mu       sync.Mutex
		closers  []func()
		wg       sync.WaitGroup
		bindErrs []error
	)
	addCloser := func(f func()) {
		mu.Lock()
		closers = append(closers, f)
		mu.Unlock()
	}

	proxyHandler := forwardproxy.New()

	if cfg.IsClient() {
		tlsCfg, err := clientTLSConfig(cfg.Stream.TLS)
		if err != nil {
			return nil, fmt.Errorf("stream.tls: %w", err)
		}

		var creds *frame.TokenPayload
		if cfg.Stream.Credentials.User != "" || cfg.Stream.Credentials.Pass != "" {
			creds = &frame.TokenPayload{User: cfg.Stream.Credentials.User, Pass: cfg.Stream.Credentials.Pass}
		}

		client := tunnelclient.New(cfg.Stream.ServerAddr, tlsCfg, creds, toEntries(cfg.Stream.Mappings), proxyHandler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Run(); err != nil {
				slog.Info("tunnel client stopped", "error", err)
			}
		}()
		addCloser(client.Shutdown)
	}

	if cfg.IsServer() {
		tlsCfg, err := serverTLSConfig(cfg.Stream.SNICerts, cfg.Stream.TLS)
		if err != nil {
			return nil, fmt.Errorf("stream tunnel TLS: %w", err)
		}
		tunnelLn, err := listener.New(listener.DescriptorStream, cfg.Stream.Listen, tlsCfg)
		if err != nil {
			return nil, err
		}

		var creds *tunnelserver.Credentials
		if cfg.Stream.RequireAuth {
			creds = &tunnelserver.Credentials{User: cfg.Stream.Credentials.User, Pass: cfg.Stream.Credentials.Pass}
		}
		srv := tunnelserver.New(creds, cfg.Stream.ServerID)

		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdown := make(chan struct{})
			addCloser(func() { close(shutdown) })
			serveTunnels(tunnelLn, srv, shutdown)
		}()
		addCloser(func() { tunnelLn.Close() })

		for _, pl := range cfg.Stream.PublicListeners {
			plTLS, err := serverTLSConfig(pl.SNICerts, pl.TLS)
			if err != nil {
				bindErrs = append(bindErrs, fmt.Errorf("stream.public_listeners[%s]: %w", pl.Listen, err))
				continue
			}
			pln, err := listener.New(listener.DescriptorStream, pl.Listen, plTLS)
			if err != nil {
				bindErrs = append(bindErrs, err)
				continue
			}
			wg.Add(1)
			go func(pl config.PublicListenerConfig, pln *listener.Listener) {
				defer wg.Done()
				pln.Serve(func(acc listener.Accepted) {
					routeInbound(srv, acc.Conn, pl, proxyHandler)
				})
			}(pl, pln)
			addCloser(func() { pln.Close() })
		}
	}

	if cfg.Proxy.Listen != "" {
		pln, err := listener.New(listener.DescriptorProxy, cfg.Proxy.Listen, nil)
		if err != nil {
			bindErrs = append(bindErrs, err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pln.Serve(func(acc listener.Accepted) {
					proxyHandler.Process(acc.Conn, nil)
				})
			}()
			addCloser(func() { pln.Close() })
		}
	}

	if cfg.HTTP.Listen != "" {
		h, err := httpHandler(cfg)
		if err != nil {
			bindErrs = append(bindErrs, err)
		} else {
			ln, err := net.Listen("tcp", cfg.HTTP.Listen)
			if err != nil {
				bindErrs = append(bindErrs, err)
			} else {
				srv := &http.Server{Handler: h}
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
						slog.Error("http listener error", "error", err)
					}
				}()
				addCloser(func() { srv.Close() })
			}
		}
	}

	if len(bindErrs) > 0 {
		for _, c := range closers {
			c()
		}
		return nil, fmt.Errorf("starting generation: %v", bindErrs)
	}

	ready := make(chan struct{})
	close(ready)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			for _, c := range closers {
				c()
			}
		})
	}

	return &control.Generation{Config: cfg, Stop: stop, Ready: ready, Done: done}, nil
}

func serveTunnels(ln *listener.Listener, srv *tunnelserver.Server, shutdown <-chan struct{}) {
	ln.Serve(func(acc listener.Accepted) {
		if err := srv.ServeTunnel(acc.Conn, shutdown); err != nil {
			slog.Info("tunnel session ended", "remote_addr", acc.Conn.RemoteAddr(), "error", err)
		}
	})
}

// routeInbound resolves the owning tunnel for a connection accepted on a
// public listener (spec.md §4.5): a statically configured mapping name,
// else the TLS SNI name, else a sniffed HTTP Host header.
func routeInbound(srv *tunnelserver.Server, conn net.Conn, pl config.PublicListenerConfig, proxyHandler handler.Handler) {
	host := pl.MappingName
	if host == "" {
		if tlsConn, ok := conn.(*tls.Conn); ok {
			if err := tlsConn.Handshake(); err != nil {
				conn.Close()
				return
			}
			host = tlsConn.ConnectionState().ServerName
		} else {
			replay, sniffed, err := listener.SniffHTTPHost(conn)
			if err != nil {
				conn.Close()
				return
			}
			conn = replay
			host = sniffed
		}
	}

	if err := srv.RouteInbound(conn, host, proxyHandler); err != nil {
		slog.Info("inbound routing failed", "host", host, "error", err)
	}
}

func httpHandler(cfg *config.Config) (http.Handler, error) {
	switch {
	case cfg.HTTP.Upstream != "":
		return reverseproxy.New(cfg.HTTP.Upstream)
	case cfg.HTTP.Root != "":
		return fileserver.New(cfg.HTTP.Root), nil
	default:
		return nil, fmt.Errorf("http: neither upstream nor root configured")
	}
}

func toEntries(mappings []config.MappingConfig) []frame.MappingEntry {
	entries := make([]frame.MappingEntry, len(mappings))
	for i, m := range mappings {
		entries[i] = m.ToEntry()
	}
	return entries
}
