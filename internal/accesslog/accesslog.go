// Package accesslog provides the structured per-connection access-log
// writer named in spec.md §1 ("access-log writers") as an external
// collaborator — wmproxy supplies the default implementation, since
// nothing in the retrieval pack contributes a dedicated library for it.
// It wraps both HTTP handlers (method/path/status/bytes/duration) and
// raw byte-stream connections (bytes/duration) with the same slog
// logger used throughout the rest of the codebase.
package accesslog

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTP wraps next, logging one line per completed request under label.
func HTTP(label string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info(label,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"bytes", sw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

// Conn records the lifetime of a raw byte-stream connection. Call Done
// once the connection has finished, with the number of bytes copied in
// each direction. Each Conn carries a short-lived correlation ID so the
// start and end of one bridge can be matched up in a shared log stream.
type Conn struct {
	id     string
	label  string
	remote string
	start  time.Time
}

// StartConn begins timing a raw connection identified by remote, logged
// under label once Done is called.
func StartConn(label, remote string) *Conn {
	c := &Conn{id: uuid.NewString(), label: label, remote: remote, start: time.Now()}
	slog.Debug(label+" opened", "conn_id", c.id, "remote_addr", remote)
	return c
}

// Done logs the completed connection's byte counts and duration.
func (c *Conn) Done(bytesIn, bytesOut int64, err error) {
	attrs := []any{
		"conn_id", c.id,
		"remote_addr", c.remote,
		"bytes_in", bytesIn,
		"bytes_out", bytesOut,
		"duration_ms", time.Since(c.start).Milliseconds(),
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	slog.Info(c.label, attrs...)
}
