// Package transport implements the client-facing connection drivers of spec
// §4.2 (C3): TCP and WebSocket listeners that frame/deframe raw bytes and
// hand complete messages to a session layer, without knowing anything about
// stages, actors, or wire semantics above the frame boundary.
package transport

import "time"

// DefaultHeartbeatTimeout is how long a driver waits for any bytes on a
// session before closing it (spec §4.2).
const DefaultHeartbeatTimeout = 30 * time.Second

// Conn is a single client connection, as seen by the session layer above
// transport. Write is safe for concurrent use; a driver serializes writes
// internally if its underlying library requires that.
type Conn interface {
	// Write sends one already-encoded frame body (the session layer owns
	// wire encoding; transport only owns the byte-stream framing).
	Write(body []byte) error
	Close() error
	RemoteAddr() string
}

// Handler is implemented by the session layer and driven by a Driver for
// every connection it accepts. All three callbacks for one Conn are
// invoked serially by the driver's per-connection read loop, never
// concurrently with each other — but callbacks for different Conns do run
// concurrently with each other.
type Handler interface {
	// OnConnect is called once a connection is accepted, before any
	// OnMessage call for it. The same Conn value is passed to every later
	// OnMessage and OnDisconnect call for this connection.
	OnConnect(conn Conn)

	// OnMessage delivers one fully-framed, still-encoded message body.
	OnMessage(conn Conn, body []byte)

	// OnDisconnect is called exactly once when the connection closes, for
	// any reason (peer hangup, heartbeat timeout, driver shutdown).
	OnDisconnect(conn Conn)
}

// Driver is a single listening transport (TCP, WebSocket, ...).
type Driver interface {
	// Serve blocks accepting connections until the listener is closed.
	Serve() error
	// Close stops accepting new connections and closes the listener.
	Close() error
	// Addr reports the bound local address, once Serve has started.
	Addr() string
}
