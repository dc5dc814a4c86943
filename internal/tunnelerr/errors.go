// Package tunnelerr defines the sentinel error taxonomy shared by the
// tunnel client, tunnel server, and control plane (spec.md §7).
package tunnelerr

import "errors"

var (
	// ErrUnauthenticated is returned when a tunnel is closed because the
	// required Token frame never arrived, or arrived with bad credentials.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrProtocolViolation marks an undecodable frame or a frame kind that
	// is disallowed in the position it arrived.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrMappingMiss is returned when an inbound connection's host names
	// no registered mapping, or no live tunnel owns it. It never tears down
	// the tunnel.
	ErrMappingMiss = errors.New("no mapping")

	// ErrLocalDialFailed names a client's failure to dial the local address
	// of a matched mapping. The tunnel client reports that failure with a
	// Close frame and a log line; it does not return this value.
	ErrLocalDialFailed = errors.New("local dial failed")

	// ErrTunnelLost marks substreams closed locally because their owning
	// tunnel terminated.
	ErrTunnelLost = errors.New("tunnel lost")

	// ErrShutdown is returned by client/server serve loops on a clean,
	// caller-requested shutdown (never triggers reconnection).
	ErrShutdown = errors.New("shutdown requested")
)
