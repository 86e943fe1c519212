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

	"playhouse/apiserver"
	"playhouse/mesh"
	"playhouse/reqcache"
	"playhouse/resolver"
	"playhouse/sender"
	"playhouse/wire"
)

// ApiServerOptions configures one stateless API server process (spec §4.11,
// C14).
type ApiServerOptions struct {
	Self     wire.Nid
	MeshAddr string
	MeshTLS  *tls.Config
	Peers    map[wire.Nid]string

	AdminAddr string // empty disables the admin HTTP surface

	Workers           int
	QueueDepth        int
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	ServerInfoTTL     time.Duration
	Services          []uint16
}

func (o *ApiServerOptions) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 16
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 1024
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
}

// ApiServer is the composition root for the stateless API role: a mesh bus
// feeding a bounded worker pool, with no per-connection or per-stage state
// of its own (spec §4.11).
type ApiServer struct {
	opts ApiServerOptions

	bus        *mesh.Bus
	cache      *reqcache.Cache
	registry   *resolver.Registry
	msender    *sender.MeshSender
	dispatcher *apiserver.Dispatcher
	registryH  *apiserver.Registry
	publisher  *resolver.Publisher

	e *echo.Echo

	shutdownFns []func(context.Context) error
}

// NewApiServer wires every component together but registers no handlers and
// starts nothing.
func NewApiServer(opts ApiServerOptions) *ApiServer {
	opts.setDefaults()

	cache := reqcache.New()
	registry := resolver.NewRegistry(opts.ServerInfoTTL)
	handlers := apiserver.NewRegistry()

	a := &ApiServer{opts: opts, cache: cache, registry: registry, registryH: handlers}
	a.bus = mesh.NewBus(opts.Self, opts.MeshTLS, a.onMeshPacket)
	a.msender = sender.New(opts.Self, a.bus, cache, registry, opts.RequestTimeout)
	a.dispatcher = apiserver.NewDispatcher(a.msender, handlers, opts.Workers, opts.QueueDepth)
	return a
}

// UseController registers the handler for msgID (spec §4.11 C14
// UseController).
func (a *ApiServer) UseController(msgID string, handler apiserver.HandlerFunc) {
	a.registryH.Register(msgID, handler)
}

func (a *ApiServer) onMeshPacket(pkt wire.RoutePacket) {
	switch {
	case pkt.Header.MsgID == resolver.HeartbeatMsgID():
		resolver.HandleHeartbeat(a.registry, pkt)
	case pkt.Header.IsReply:
		if !a.cache.TryComplete(pkt) {
			pkt.Release()
		}
	default:
		if err := a.dispatcher.Dispatch(pkt); err != nil {
			slog.Warn("apiserver: dropping request, dispatcher busy", "msg_id", pkt.Header.MsgID, "err", err)
			pkt.Release()
		}
	}
}

// Start binds the mesh bus, begins heartbeating, and optionally serves an
// admin HTTP surface, then blocks until ctx is cancelled.
func (a *ApiServer) Start(ctx context.Context) error {
	if err := a.bus.Bind(a.opts.MeshAddr); err != nil {
		return fmt.Errorf("apiserver: %w", err)
	}
	a.shutdownFns = append(a.shutdownFns, func(context.Context) error { return a.bus.Close() })

	a.bus.Connect(a.opts.Self, a.opts.MeshAddr)
	for nid, addr := range a.opts.Peers {
		a.bus.Connect(nid, addr)
	}

	a.publisher = resolver.NewPublisher(func() resolver.ServerInfo {
		return resolver.ServerInfo{Nid: a.opts.Self, MeshAddr: a.opts.MeshAddr, Services: a.opts.Services}
	}, a.bus, a.knownPeers, a.registry, a.opts.HeartbeatInterval)
	pubCtx, cancelPub := context.WithCancel(context.Background())
	go a.publisher.Run(pubCtx)
	a.shutdownFns = append(a.shutdownFns, func(context.Context) error { cancelPub(); return nil })

	if a.opts.AdminAddr != "" {
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		e.Use(middleware.Recover())
		e.GET("/healthz", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]any{"status": "ok", "pending": a.dispatcher.Pending()})
		})
		e.GET("/debugz/servers", func(c echo.Context) error {
			return c.JSON(http.StatusOK, a.registry.List())
		})
		a.e = e
		go func() {
			if err := e.Start(a.opts.AdminAddr); err != nil && err != http.ErrServerClosed {
				slog.Error("apiserver: admin http server exited", "err", err)
			}
		}()
		a.shutdownFns = append(a.shutdownFns, func(ctx context.Context) error { return a.e.Shutdown(ctx) })
	}

	<-ctx.Done()
	return a.shutdown()
}

func (a *ApiServer) knownPeers() []wire.Nid {
	nids := make([]wire.Nid, 0, len(a.opts.Peers)+1)
	nids = append(nids, a.opts.Self)
	for nid := range a.opts.Peers {
		nids = append(nids, nid)
	}
	return nids
}

func (a *ApiServer) shutdown() error {
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.dispatcher.Shutdown(shutCtx); err != nil {
		slog.Warn("apiserver: dispatcher drain timed out", "err", err)
	}
	a.cache.CancelAll(wire.ErrShuttingDown)

	var firstErr error
	for i := len(a.shutdownFns) - 1; i >= 0; i-- {
		if err := a.shutdownFns[i](shutCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
