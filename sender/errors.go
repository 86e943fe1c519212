package sender

import (
	"context"
	"errors"
	"fmt"

	"playhouse/wire"
)

// Sentinel errors returned by MeshSender operations (spec §4.6, §7).
var (
	// ErrNoCurrentHeader is returned by Reply/ReplyError when the sender was
	// not constructed with an inbound header to reply to.
	ErrNoCurrentHeader = errors.New("sender: no current message to reply to")

	// ErrFireAndForgetReply is returned by Reply/ReplyError when the current
	// header has MsgSeq=0 — the original sender never registered a pending
	// request, so there is nothing to correlate a reply against.
	ErrFireAndForgetReply = errors.New("sender: current message was fire-and-forget, cannot reply")

	// ErrNoServiceInstance is returned by *ApiService calls when the
	// resolver has no live peer for the requested service_id.
	ErrNoServiceInstance = errors.New("sender: no live instance for service")

	// ErrUnreachablePeer is returned by a Request* call when the underlying
	// transport could not hand the packet to the mesh at all (distinct from
	// a request timeout, where the packet was sent but no reply arrived).
	ErrUnreachablePeer = errors.New("sender: peer unreachable")

	// ErrNoCurrentSession is returned by ActorSender.SendToClient when the
	// actor has no connected session to push to (e.g. mid reconnect-grace).
	ErrNoCurrentSession = errors.New("sender: actor has no connected session")
)

// codeToError turns a non-Success wire.ErrorCode delivered via the request
// cache into a Go error for the Request* caller.
func codeToError(code wire.ErrorCode) error {
	switch code {
	case wire.ErrRequestTimeout:
		return fmt.Errorf("sender: %w", context.DeadlineExceeded)
	case wire.ErrShuttingDown:
		return fmt.Errorf("sender: request cancelled: %s", code)
	default:
		return fmt.Errorf("sender: remote error: %s", code)
	}
}
