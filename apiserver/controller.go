// Package apiserver implements the stateless API server role of spec §4.11
// (C13): unlike a Play server's stages, an API server holds no
// session-affine state between requests — every inbound packet is handed
// to a bounded worker pool, dispatched by MsgID to a registered handler,
// and whatever it returns is replied or dropped.
package apiserver

import (
	"playhouse/sender"
	"playhouse/wire"
)

// HandlerFunc processes one request and optionally produces a reply body.
// Returning a nil reply with a nil error means "handled, no reply" (valid
// only when the request was itself fire-and-forget); returning an error
// causes the dispatcher to reply with wire.ErrSystemError instead.
type HandlerFunc func(s *sender.ApiSender, pkt wire.RoutePacket) (*wire.RoutePacket, error)

// Registry maps a request's MsgID to the handler that serves it (spec
// §4.11, C14 UseController).
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register associates msgID with handler. Re-registering the same msgID
// replaces the previous handler.
func (r *Registry) Register(msgID string, handler HandlerFunc) {
	r.handlers[msgID] = handler
}

// Lookup returns the handler for msgID, if any.
func (r *Registry) Lookup(msgID string) (HandlerFunc, bool) {
	h, ok := r.handlers[msgID]
	return h, ok
}
