// Package sender implements the unified send/request capability family of
// spec §4.6 (C8). Rather than the class-inheritance hierarchy the teacher's
// domain models elsewhere (ActorSender/StageSender/ApiSender extending a
// common base), this is a capability composition (spec §9 design note): one
// inner MeshSender providing Reply/SendTo*/RequestTo*, embedded by small
// role-specific wrappers that add contextual fields (account_id, stage_id,
// session nid).
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"playhouse/reqcache"
	"playhouse/wire"
)

// Policy selects how SendToApiService/RequestToApiService resolves a nid
// for a service_id with more than one live instance (spec §4.6).
type Policy int

const (
	RoundRobin Policy = iota
	Random
	Consistent
)

// Transport is the minimal mesh capability a Sender needs: hand a
// RoutePacket to a peer by nid. Implemented by mesh.Bus; kept as an
// interface here so sender does not import mesh (mesh is a pure transport,
// sender is a routing-and-correlation convenience on top of it).
type Transport interface {
	Send(nid wire.Nid, pkt wire.RoutePacket) error
}

// ServiceResolver resolves a logical service_id to one concrete peer nid
// under a load-balancing policy (spec §4.6 SendToApiService). Implemented
// by resolver.Registry.
type ServiceResolver interface {
	ResolveService(serviceID uint16, policy Policy, key string) (wire.Nid, bool)
}

// MeshSender is the inner capability shared by every role-specific sender.
type MeshSender struct {
	Self           wire.Nid
	Transport      Transport
	Cache          *reqcache.Cache
	Resolver       ServiceResolver
	DefaultTimeout time.Duration

	// current is the inbound header this sender was constructed to reply
	// to, or nil for a sender with no reply context (e.g. one built ahead
	// of authentication). It is an explicit field set once at construction
	// time — never ambient thread-local state — so it cannot leak across a
	// suspension point the way a thread-local header would (spec §4.6, §9
	// design note: "replace with an explicit handler argument or a
	// task-scoped context value ... no ambient state across awaits").
	current *wire.RouteHeader
}

// New constructs a MeshSender with no reply context (e.g. for a handler
// invoked without an inbound message, such as a timer tick).
func New(self wire.Nid, t Transport, cache *reqcache.Cache, resolver ServiceResolver, defaultTimeout time.Duration) *MeshSender {
	return &MeshSender{Self: self, Transport: t, Cache: cache, Resolver: resolver, DefaultTimeout: defaultTimeout}
}

// WithCurrent returns a copy of m scoped to header as the "current inbound
// message" for the duration of one dispatch. Constructing a fresh value per
// dispatch (rather than mutating shared state) is what makes it safe to
// never clear it explicitly — it simply falls out of scope when the
// dispatch call returns.
func (m *MeshSender) WithCurrent(header *wire.RouteHeader) *MeshSender {
	cp := *m
	cp.current = header
	return &cp
}

// Current returns the inbound header this sender is replying to, if any.
func (m *MeshSender) Current() (wire.RouteHeader, bool) {
	if m.current == nil {
		return wire.RouteHeader{}, false
	}
	return *m.current, true
}

func (m *MeshSender) replyHeader(errorCode wire.ErrorCode) (wire.RouteHeader, error) {
	if m.current == nil {
		return wire.RouteHeader{}, fmt.Errorf("sender: %w", ErrNoCurrentHeader)
	}
	if m.current.MsgSeq == 0 {
		return wire.RouteHeader{}, fmt.Errorf("sender: %w", ErrFireAndForgetReply)
	}
	return wire.RouteHeader{
		MsgSeq:    m.current.MsgSeq,
		ServiceID: m.current.ServiceID,
		MsgID:     m.current.MsgID,
		From:      m.Self,
		AccountID: m.current.AccountID,
		Sid:       m.current.Sid,
		ErrorCode: errorCode,
		IsReply:   true,
	}, nil
}

// Reply sends pkt back to whoever sent the message currently being handled,
// addressed by the header's From nid (spec §4.6). Fails if there is no
// current header, or the header had MsgSeq=0 (fire-and-forget — there is no
// correlation to reply to).
func (m *MeshSender) Reply(pkt wire.RoutePacket) error {
	hdr, err := m.replyHeader(wire.Success)
	if err != nil {
		return err
	}
	if pkt.Header.MsgID != "" {
		hdr.MsgID = pkt.Header.MsgID
	}
	return m.Transport.Send(m.current.From, wire.RoutePacket{Header: hdr, Payload: pkt.Payload})
}

// ReplyError sends an empty-payload reply carrying only an error code.
func (m *MeshSender) ReplyError(code wire.ErrorCode) error {
	hdr, err := m.replyHeader(code)
	if err != nil {
		return err
	}
	return m.Transport.Send(m.current.From, wire.RoutePacket{Header: hdr})
}

// SendToApi fire-and-forgets pkt to an API server.
func (m *MeshSender) SendToApi(nid wire.Nid, pkt wire.RoutePacket) error {
	return m.send(nid, pkt, 0)
}

// SendToStage fire-and-forgets pkt to a stage on nid.
func (m *MeshSender) SendToStage(nid wire.Nid, stageID int64, pkt wire.RoutePacket) error {
	return m.send(nid, pkt, stageID)
}

// SendToSystem fire-and-forgets a base/system-classified packet to nid.
func (m *MeshSender) SendToSystem(nid wire.Nid, pkt wire.RoutePacket) error {
	return m.send(nid, pkt, 0)
}

func (m *MeshSender) send(nid wire.Nid, pkt wire.RoutePacket, stageID int64) error {
	hdr := wire.RouteHeader{
		MsgID:   pkt.Header.MsgID,
		From:    m.Self,
		StageID: stageID,
	}
	if err := m.Transport.Send(nid, wire.RoutePacket{Header: hdr, Payload: pkt.Payload}); err != nil {
		// Fire-and-forget sends are dropped with a warning, never surfaced
		// to the caller (spec §4.4, §7).
		slog.Warn("sender: fire-and-forget send dropped", "nid", nid, "msg_id", hdr.MsgID, "err", err)
	}
	return nil
}

// RequestToApi sends pkt to an API server and blocks until a reply arrives,
// the deadline elapses, or ctx is cancelled. timeout<=0 uses DefaultTimeout.
func (m *MeshSender) RequestToApi(ctx context.Context, nid wire.Nid, pkt wire.RoutePacket, timeout time.Duration) (wire.RoutePacket, error) {
	return m.request(ctx, nid, pkt, 0, timeout)
}

// RequestToStage sends pkt to a stage on nid and blocks for the reply.
func (m *MeshSender) RequestToStage(ctx context.Context, nid wire.Nid, stageID int64, pkt wire.RoutePacket, timeout time.Duration) (wire.RoutePacket, error) {
	return m.request(ctx, nid, pkt, stageID, timeout)
}

// RequestToSystem sends a base/system-classified request and blocks for the
// reply.
func (m *MeshSender) RequestToSystem(ctx context.Context, nid wire.Nid, pkt wire.RoutePacket, timeout time.Duration) (wire.RoutePacket, error) {
	return m.request(ctx, nid, pkt, 0, timeout)
}

// RequestToApiService resolves a live nid for serviceID under policy and
// requests it.
func (m *MeshSender) RequestToApiService(ctx context.Context, serviceID uint16, policy Policy, key string, pkt wire.RoutePacket, timeout time.Duration) (wire.RoutePacket, error) {
	nid, ok := m.Resolver.ResolveService(serviceID, policy, key)
	if !ok {
		return wire.RoutePacket{}, fmt.Errorf("sender: %w", ErrNoServiceInstance)
	}
	return m.RequestToApi(ctx, nid, pkt, timeout)
}

// SendToApiService resolves a live nid for serviceID under policy and
// fire-and-forgets to it.
func (m *MeshSender) SendToApiService(serviceID uint16, policy Policy, key string, pkt wire.RoutePacket) error {
	nid, ok := m.Resolver.ResolveService(serviceID, policy, key)
	if !ok {
		slog.Warn("sender: no instance for service, dropping", "service_id", serviceID)
		return nil
	}
	return m.SendToApi(nid, pkt)
}

func (m *MeshSender) request(ctx context.Context, nid wire.Nid, pkt wire.RoutePacket, stageID int64, timeout time.Duration) (wire.RoutePacket, error) {
	if timeout <= 0 {
		timeout = m.DefaultTimeout
	}

	seq := m.Cache.NextSeq()
	hdr := wire.RouteHeader{
		MsgSeq:  seq,
		MsgID:   pkt.Header.MsgID,
		From:    m.Self,
		StageID: stageID,
	}

	done := m.Cache.Register(seq, timeout)

	if err := m.Transport.Send(nid, wire.RoutePacket{Header: hdr, Payload: pkt.Payload}); err != nil {
		return wire.RoutePacket{}, fmt.Errorf("sender: %w", ErrUnreachablePeer)
	}

	select {
	case res := <-done:
		if res.Code != wire.Success {
			return wire.RoutePacket{}, codeToError(res.Code)
		}
		return res.Packet, nil
	case <-ctx.Done():
		return wire.RoutePacket{}, ctx.Err()
	}
}
