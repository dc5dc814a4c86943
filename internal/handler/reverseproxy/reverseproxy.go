// Package reverseproxy implements the reverse HTTP proxy inbound handler
// (spec.md §12 / the `reverse-proxy` CLI subcommand), built on
// net/http/httputil.ReverseProxy. Every request goes to one upstream; the
// incoming Host header is not used for routing and is replaced by the
// upstream's host.
package reverseproxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/wmproxy/wmproxy/internal/accesslog"
)

// New builds an http.Handler that forwards every request to upstream,
// logging a structured access-log line per completed request.
func New(upstream string) (http.Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, err
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	orig := proxy.Director
	proxy.Director = func(r *http.Request) {
		orig(r)
		r.Host = target.Host
	}
	proxy.ErrorLog = nil

	return accesslog.HTTP("reverse proxy request", proxy), nil
}
