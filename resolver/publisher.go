package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"playhouse/payload"
	"playhouse/wire"
)

// heartbeatMsgID is the mesh-internal message id carrying a published
// ServerInfo. It never reaches a client connection.
const heartbeatMsgID = "_ServerHeartbeat"

// defaultHeartbeatInterval mirrors the root package's
// DefaultResolverHeartbeatInterval — duplicated, not imported, for the same
// reason defaultServerInfoTTL is in registry.go: the root package imports
// resolver, so the reverse import would cycle.
const defaultHeartbeatInterval = 3 * time.Second

// Sender is the minimal mesh capability the Publisher needs: fire a packet
// at a specific peer. *sender.MeshSender's SendToSystem satisfies this once
// partially applied, but tests can supply a fake.
type Sender interface {
	Send(nid wire.Nid, pkt wire.RoutePacket) error
}

// PeerLister supplies the set of peers to heartbeat, including the
// mandatory self entry (spec §4.4: a server must reach itself through the
// same path as any other peer).
type PeerLister func() []wire.Nid

// SystemController is the pluggable discovery sink of spec §6:
// "Publishes the local ServerInfo to a discovery sink (the
// ISystemController collaborator)" and "UpdateServerInfo(self) →
// list<ServerInfo> — the registry; must be idempotent and cheap."
// A deployment registers one via Publisher.UseSystemController to source
// peers from something other than a static address map (service discovery,
// an orchestrator API, a gossip overlay); UpdateServerInfo both reports self
// and learns the rest of the cluster in one round trip.
type SystemController interface {
	UpdateServerInfo(self ServerInfo) ([]ServerInfo, error)
}

// PeerConnector lazily registers a mesh address for a nid so a
// newly-discovered peer can be dialed on its first Send, mirroring
// *mesh.Bus's Connect method.
type PeerConnector interface {
	Connect(nid wire.Nid, addr string)
}

// Publisher periodically broadcasts this server's ServerInfo to every known
// peer and purges the local Registry of anyone who stopped heartbeating
// (spec §4.6). When a SystemController is registered, each tick also
// reports through it and merges back whatever peers it returns (spec §6).
type Publisher struct {
	self      func() ServerInfo
	transport Sender
	peers     PeerLister
	registry  *Registry
	interval  time.Duration

	controller SystemController
	connector  PeerConnector
}

// NewPublisher constructs a Publisher. self is called fresh on every tick so
// a changing load figure is reflected in the next heartbeat.
func NewPublisher(self func() ServerInfo, transport Sender, peers PeerLister, registry *Registry, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Publisher{self: self, transport: transport, peers: peers, registry: registry, interval: interval}
}

// UseSystemController registers the discovery-sink collaborator (spec §6
// UseSystemController<T>()). connector may be nil, in which case a peer the
// controller reports that this process has no address for yet is merged
// into the registry (so lookups and admin routes see it) but not connected
// — it becomes dialable once some other path (e.g. a static Peers entry)
// calls Connect for it.
func (p *Publisher) UseSystemController(c SystemController, connector PeerConnector) {
	p.controller = c
	p.connector = connector
}

// Run blocks, publishing and purging on each tick, until ctx is cancelled.
// A PlayServer or ApiServer cancels it during shutdown, after its stages
// or workers, pending requests and client transports are stopped and
// before the mesh bus is closed.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Publisher) tick() {
	info := p.self()
	info.SeenAt = time.Now()

	body, err := json.Marshal(info)
	if err != nil {
		slog.Error("resolver: failed to marshal heartbeat", "err", err)
		return
	}
	pkt := wire.RoutePacket{
		Header:  wire.RouteHeader{MsgID: heartbeatMsgID, From: info.Nid},
		Payload: payload.Borrow(body),
	}

	for _, nid := range p.peers() {
		if err := p.transport.Send(nid, pkt); err != nil {
			slog.Debug("resolver: heartbeat send failed", "peer", nid, "err", err)
		}
	}

	p.reportToController(info)

	if evicted := p.registry.Purge(time.Now()); len(evicted) > 0 {
		slog.Info("resolver: purged stale peers", "count", len(evicted), "peers", evicted)
	}
}

// reportToController calls the registered SystemController, if any, and
// merges every peer it returns into the local registry, connecting any nid
// this process had no address for yet (spec §6).
func (p *Publisher) reportToController(self ServerInfo) {
	if p.controller == nil {
		return
	}
	peers, err := p.controller.UpdateServerInfo(self)
	if err != nil {
		slog.Warn("resolver: system controller UpdateServerInfo failed", "err", err)
		return
	}
	for _, info := range peers {
		if info.Nid == self.Nid {
			continue
		}
		_, known := p.registry.Get(info.Nid)
		p.registry.Heartbeat(info)
		if !known && p.connector != nil && info.MeshAddr != "" {
			p.connector.Connect(info.Nid, info.MeshAddr)
		}
	}
}

// HandleHeartbeat decodes an inbound heartbeat packet and applies it to the
// registry. Wire this up wherever inbound mesh packets are dispatched
// (matching pkt.Header.MsgID == heartbeatMsgID).
func HandleHeartbeat(registry *Registry, pkt wire.RoutePacket) {
	if pkt.Header.MsgID != heartbeatMsgID {
		return
	}
	body, err := payloadBytes(pkt.Payload)
	if err != nil {
		slog.Warn("resolver: failed to read heartbeat payload", "err", err)
		return
	}
	var info ServerInfo
	if err := json.Unmarshal(body, &info); err != nil {
		slog.Warn("resolver: failed to decode heartbeat", "err", err)
		return
	}
	registry.Heartbeat(info)
}

// HeartbeatMsgID exposes heartbeatMsgID for dispatch routing outside this
// package (mesh inbound handlers need to recognize it before it ever
// reaches a stage or api dispatcher).
func HeartbeatMsgID() string { return heartbeatMsgID }

func payloadBytes(p *payload.Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return p.Bytes()
}
