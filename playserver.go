package playhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"playhouse/actor"
	"playhouse/mesh"
	"playhouse/reqcache"
	"playhouse/resolver"
	"playhouse/sender"
	"playhouse/session"
	"playhouse/stage"
	"playhouse/transport"
	"playhouse/wire"
)

// PlayServerOptions configures one Play server process (spec §4.3/§4.8,
// C14). Every field has a workable zero value except Self, MeshAddr,
// MeshTLS, and Authenticator.
type PlayServerOptions struct {
	Self      wire.Nid
	MeshAddr  string // this process's QUIC bind address for the mesh bus
	MeshTLS   *tls.Config
	Peers     map[wire.Nid]string // every other known peer's mesh address

	TCPAddr string // empty disables the TCP transport
	WSAddr  string // empty disables the HTTP server carrying /ws and admin routes
	WSPath  string

	WebTransportAddr string // empty disables the WebTransport (HTTP/3) transport
	WebTransportPath string
	WebTransportTLS  *tls.Config // falls back to MeshTLS if nil

	Authenticator     session.Authenticator
	RateLimit         session.RateLimit
	ReconnectGrace    time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	ServerInfoTTL     time.Duration
	MaxFrameSize      int
	Services          []uint16 // service ids this server advertises to the resolver

	// SystemController is the optional discovery-sink collaborator of spec
	// §6 (UseSystemController<T>()): when set, the resolver reports its
	// ServerInfo through it every heartbeat tick and merges back whatever
	// peers it returns, instead of relying solely on the static Peers map.
	SystemController resolver.SystemController
}

func (o *PlayServerOptions) setDefaults() {
	if o.WSPath == "" {
		o.WSPath = "/ws"
	}
	if o.WebTransportPath == "" {
		o.WebTransportPath = "/wt"
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = DefaultReconnectGrace
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultResolverHeartbeatInterval
	}
	if o.ServerInfoTTL <= 0 {
		o.ServerInfoTTL = DefaultServerInfoTTL
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxPacketSize
	}
}

// PlayServer is the composition root wiring every C1-C12 component into one
// running process: a mesh bus, stage pool, session manager, and the
// transports that feed it (spec §4.12 start sequence).
type PlayServer struct {
	opts PlayServerOptions

	bus       *mesh.Bus
	cache     *reqcache.Cache
	registry  *resolver.Registry
	msender   *sender.MeshSender
	pool      *stage.Pool
	sessions  *session.Manager
	publisher *resolver.Publisher

	tcp *transport.TCPDriver
	ws  *transport.WebSocketDriver
	wt  *transport.WebTransportDriver
	e   *echo.Echo

	shutdownFns []func(context.Context) error
}

// NewPlayServer wires every component together but starts nothing; call
// Start once every UseStage registration has been made.
func NewPlayServer(opts PlayServerOptions) *PlayServer {
	opts.setDefaults()

	cache := reqcache.New()
	registry := resolver.NewRegistry(opts.ServerInfoTTL)

	p := &PlayServer{opts: opts, cache: cache, registry: registry}
	p.bus = mesh.NewBus(opts.Self, opts.MeshTLS, p.onMeshPacket)
	p.msender = sender.New(opts.Self, p.bus, cache, registry, opts.RequestTimeout)

	// stage.Pool needs a SessionRegistry (to push to clients) and
	// session.Manager needs a StagePool (to route into stages) — each
	// depends on the other's finished value. sessionRegistryRef breaks the
	// cycle: the pool gets a forwarding reference now, pointed at the real
	// manager once it exists.
	ref := &sessionRegistryRef{}
	p.pool = stage.NewPool(opts.Self, p.msender, ref)
	p.sessions = session.NewManager(opts.Authenticator, session.PoolAdapter{Pool: p.pool}, opts.RateLimit)
	ref.mgr = p.sessions

	stage.ReconnectGrace = opts.ReconnectGrace
	return p
}

// sessionRegistryRef forwards to a *session.Manager assigned after
// construction, so stage.Pool and session.Manager can each hold a working
// reference to the other despite neither existing before both New calls
// have been made.
type sessionRegistryRef struct {
	mgr *session.Manager
}

func (r *sessionRegistryRef) Pusher(sid int64) (actor.Pusher, bool) {
	if r.mgr == nil {
		return nil, false
	}
	return r.mgr.Pusher(sid)
}

// UseStage registers a stage type factory (spec §4.8 C14).
func (p *PlayServer) UseStage(stageType string, f stage.Factory) {
	p.pool.Register(stageType, f)
}

// onMeshPacket is the bus's single inbound entry point: replies resolve a
// pending request, heartbeats update the resolver registry, and everything
// else is routed to the stage it names.
func (p *PlayServer) onMeshPacket(pkt wire.RoutePacket) {
	switch {
	case pkt.Header.MsgID == resolver.HeartbeatMsgID():
		resolver.HandleHeartbeat(p.registry, pkt)
	case pkt.Header.IsReply:
		if !p.cache.TryComplete(pkt) {
			pkt.Release()
		}
	default:
		st, ok := p.pool.Get(pkt.Header.StageID)
		if !ok {
			slog.Warn("playserver: inbound packet for unknown stage", "stage_id", pkt.Header.StageID, "msg_id", pkt.Header.MsgID)
			pkt.Release()
			return
		}
		st.Post(pkt)
	}
}

// Start binds the mesh bus and every configured transport, then blocks
// until ctx is cancelled, at which point it runs the reverse-order
// shutdown of spec §4.12.
func (p *PlayServer) Start(ctx context.Context) error {
	if err := p.bus.Bind(p.opts.MeshAddr); err != nil {
		return fmt.Errorf("playserver: %w", err)
	}
	p.shutdownFns = append(p.shutdownFns, func(context.Context) error { return p.bus.Close() })

	p.bus.Connect(p.opts.Self, p.opts.MeshAddr)
	for nid, addr := range p.opts.Peers {
		p.bus.Connect(nid, addr)
	}

	p.publisher = resolver.NewPublisher(func() resolver.ServerInfo {
		return resolver.ServerInfo{Nid: p.opts.Self, MeshAddr: p.opts.MeshAddr, Services: p.opts.Services}
	}, p.bus, p.knownPeers, p.registry, p.opts.HeartbeatInterval)
	if p.opts.SystemController != nil {
		p.publisher.UseSystemController(p.opts.SystemController, p.bus)
	}
	pubCtx, cancelPub := context.WithCancel(context.Background())
	go p.publisher.Run(pubCtx)
	p.shutdownFns = append(p.shutdownFns, func(context.Context) error { cancelPub(); return nil })

	if p.opts.TCPAddr != "" {
		tcp, err := transport.NewTCPDriver(p.opts.TCPAddr, p.sessions, p.opts.MaxFrameSize, transport.DefaultHeartbeatTimeout)
		if err != nil {
			return fmt.Errorf("playserver: tcp: %w", err)
		}
		p.tcp = tcp
		go func() {
			if err := tcp.Serve(); err != nil {
				slog.Error("playserver: tcp driver exited", "err", err)
			}
		}()
		p.shutdownFns = append(p.shutdownFns, func(context.Context) error { return p.tcp.Close() })
	}

	if p.opts.WebTransportAddr != "" {
		wtTLS := p.opts.WebTransportTLS
		if wtTLS == nil {
			wtTLS = p.opts.MeshTLS
		}
		p.wt = transport.NewWebTransportDriver(p.opts.WebTransportAddr, p.opts.WebTransportPath, wtTLS, p.sessions, p.opts.MaxFrameSize)
		go func() {
			if err := p.wt.Serve(); err != nil {
				slog.Error("playserver: webtransport driver exited", "err", err)
			}
		}()
		p.shutdownFns = append(p.shutdownFns, func(context.Context) error { return p.wt.Close() })
	}

	if p.opts.WSAddr != "" {
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		e.Use(middleware.Recover())
		p.ws = transport.NewWebSocketDriver(p.opts.WSPath, p.sessions, transport.DefaultHeartbeatTimeout)
		p.ws.Register(e)
		p.registerAdminRoutes(e)
		p.e = e
		go func() {
			if err := e.Start(p.opts.WSAddr); err != nil && err != http.ErrServerClosed {
				slog.Error("playserver: http server exited", "err", err)
			}
		}()
		p.shutdownFns = append(p.shutdownFns, func(ctx context.Context) error { return p.e.Shutdown(ctx) })
	}

	<-ctx.Done()
	return p.shutdown()
}

func (p *PlayServer) knownPeers() []wire.Nid {
	nids := make([]wire.Nid, 0, len(p.opts.Peers)+1)
	nids = append(nids, p.opts.Self)
	for nid := range p.opts.Peers {
		nids = append(nids, nid)
	}
	return nids
}

// shutdown closes every stage and cancels every in-flight request, then
// runs every registered teardown in reverse registration order (client
// transports first, then the resolver publisher, mesh bus last).
func (p *PlayServer) shutdown() error {
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.pool.CloseAll()
	p.cache.CancelAll(wire.ErrShuttingDown)

	var firstErr error
	for i := len(p.shutdownFns) - 1; i >= 0; i-- {
		if err := p.shutdownFns[i](shutCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *PlayServer) registerAdminRoutes(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "stages": p.pool.Len()})
	})
	e.GET("/debugz/servers", func(c echo.Context) error {
		return c.JSON(http.StatusOK, p.registry.List())
	})
	e.GET("/debugz/stages", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"count": p.pool.Len()})
	})
}
