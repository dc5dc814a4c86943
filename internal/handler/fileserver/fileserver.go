// Package fileserver implements the static file-server inbound handler
// (spec.md §12 / the `file-server` CLI subcommand), wrapping
// http.FileServer with structured access logging plus the robots.txt,
// custom-404, cache-control, CORS, and header-rewrite options offered by
// original_source/src/arg.rs's FileServerConfig.
package fileserver

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/wmproxy/wmproxy/internal/accesslog"
	"github.com/wmproxy/wmproxy/internal/frame"
)

// Options configures the extra behavior original_source/src/arg.rs's
// FileServerConfig exposes beyond a bare static file server.
type Options struct {
	// Robots, when non-empty, is served verbatim at /robots.txt instead of
	// falling through to the document root.
	Robots string
	// Path404, when set, names a file whose contents are served (with a
	// 404 status) in place of http.FileServer's default "404 page not
	// found" body.
	Path404 string
	// CacheTime, when non-zero, sets a Cache-Control: max-age=N header on
	// every response.
	CacheTime time.Duration
	// CORS enables Access-Control-Allow-Origin: * on every response.
	CORS bool
	// Headers lists additional response header add/remove rules, reusing
	// the wire-level frame.HeaderRewrite shape a proxy-mode mapping
	// already carries (spec.md §3 MappingEntry.Headers).
	Headers []frame.HeaderRewrite
}

// New builds an http.Handler serving files from root with no extra
// options, matching the CLI's bare invocation.
func New(root string) http.Handler {
	return NewWithOptions(root, Options{})
}

// NewWithOptions builds an http.Handler serving files from root under the
// given Options.
func NewWithOptions(root string, opts Options) http.Handler {
	fs := http.FileServer(http.Dir(root))

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		applyHeaders(w.Header(), opts.Headers)
		if opts.CORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		if opts.CacheTime > 0 {
			w.Header().Set("Cache-Control", "max-age="+strconv.Itoa(int(opts.CacheTime.Seconds())))
		}

		if opts.Robots != "" && r.URL.Path == "/robots.txt" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte(opts.Robots))
			return
		}

		if opts.Path404 != "" {
			if _, err := os.Stat(root + r.URL.Path); err != nil {
				serve404(w, opts.Path404)
				return
			}
		}

		fs.ServeHTTP(w, r)
	})

	return accesslog.HTTP("file server request", h)
}

func serve404(w http.ResponseWriter, path404 string) {
	body, err := os.ReadFile(path404)
	w.WriteHeader(http.StatusNotFound)
	if err != nil {
		w.Write([]byte("404 page not found"))
		return
	}
	w.Write(body)
}

func applyHeaders(h http.Header, rewrites []frame.HeaderRewrite) {
	for _, rw := range rewrites {
		if rw.Unset {
			h.Del(rw.Name)
			continue
		}
		h.Set(rw.Name, rw.Value)
	}
}
