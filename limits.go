package playhouse

import (
	"time"

	"playhouse/wire"
)

// DefaultMaxPacketSize is the hard ceiling on a single framed packet's body
// length (§4.1). A declared length beyond this is a framing error.
const DefaultMaxPacketSize = wire.DefaultMaxFrameSize

// Operational limits — named constants for values that would otherwise be
// scattered across multiple files.
const (
	// DefaultReconnectGrace is the window during which a disconnected actor
	// remains in its stage awaiting reconnection (§4.3).
	DefaultReconnectGrace = 30 * time.Second

	// DefaultRequestTimeout is the deadline on an outbound mesh request
	// when the caller does not specify one (§5).
	DefaultRequestTimeout = 30 * time.Second

	// MinTimerInterval is the smallest period/initial-delay a timer may be
	// registered with (§4.10). Smaller values are an input error.
	MinTimerInterval = 10 * time.Millisecond

	// DefaultHeartbeatTimeout is how long a transport driver waits for any
	// bytes from a session before closing it (§4.2).
	DefaultHeartbeatTimeout = 30 * time.Second

	// DefaultAuthenticateMessageID is the MsgId a client sends as the first
	// message on a session (§4.9); session.Manager hands that first message,
	// whatever its MsgId, to the Authenticator instead of stage dispatch.
	DefaultAuthenticateMessageID = "AuthenticateRequest"

	// DefaultResolverHeartbeatInterval is how often the address resolver
	// publishes self and refreshes the peer snapshot (§4.4).
	DefaultResolverHeartbeatInterval = 3 * time.Second

	// DefaultServerInfoTTL is how long a registry entry survives without a
	// refresh before it is purged (§3 ServerInfo).
	DefaultServerInfoTTL = 10 * time.Second
)
