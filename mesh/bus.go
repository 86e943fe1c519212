// Package mesh implements the inter-server transport fabric of spec §4.4
// (C5): every Play/API server process binds one QUIC listener and
// maintains one outbound connection per peer it has ever sent to,
// including a mandatory self-loop connection (spec §4.4 edge cases: "a
// server must be able to route a message to itself through the same path
// as any other peer").
package mesh

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/quic-go/quic-go"

	"playhouse/wire"
)

// circuitBreakerThreshold is the number of consecutive send failures to one
// peer before the bus stops trying to dial it and instead fails fast.
const circuitBreakerThreshold = 5

// circuitBreakerProbeInterval is how long a tripped circuit stays open
// before the bus allows one more attempt (a half-open probe).
const circuitBreakerProbeInterval = 10 * time.Second

// OnReceive is invoked once per RoutePacket arriving from any peer. It must
// not block — handlers typically just post the packet onto a stage, api
// dispatcher, or the request cache.
type OnReceive func(wire.RoutePacket)

// Bus is one server process's mesh endpoint.
type Bus struct {
	self     wire.Nid
	tlsConf  *tls.Config
	quicConf *quic.Config
	onRecv   OnReceive

	mu    sync.Mutex
	peers map[wire.Nid]*peerConn

	listener *quic.Listener
	closing  chan struct{}
	once     sync.Once
}

type peerConn struct {
	mu   sync.Mutex
	conn *quic.Conn
	addr string

	consecutiveFailures int
	trippedUntil        time.Time
}

// NewBus constructs a mesh endpoint bound to self. Bind must be called
// before the bus can accept peer connections; Connect (including a
// self-loop Connect(self, selfAddr)) must be called for every peer the
// local server should be able to reach.
func NewBus(self wire.Nid, tlsConf *tls.Config, onRecv OnReceive) *Bus {
	return &Bus{
		self:     self,
		tlsConf:  tlsConf,
		quicConf: &quic.Config{KeepAlivePeriod: 15 * time.Second},
		onRecv:   onRecv,
		peers:    make(map[wire.Nid]*peerConn),
		closing:  make(chan struct{}),
	}
}

// Bind starts the QUIC listener on addr and begins accepting peer
// connections in the background.
func (b *Bus) Bind(addr string) error {
	ln, err := quic.ListenAddr(addr, b.tlsConf, b.quicConf)
	if err != nil {
		return fmt.Errorf("mesh: bind %s: %w", addr, err)
	}
	b.listener = ln
	go b.acceptLoop()
	return nil
}

// Addr reports the bound listener address.
func (b *Bus) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

func (b *Bus) acceptLoop() {
	for {
		conn, err := b.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-b.closing:
				return
			default:
				slog.Error("mesh: accept failed", "err", err)
				return
			}
		}
		go b.serveInbound(conn)
	}
}

func (b *Bus) serveInbound(conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go b.readStream(stream)
	}
}

func (b *Bus) readStream(stream *quic.Stream) {
	defer stream.Close()
	framer := wire.NewFramer(wire.DefaultMaxFrameSize)
	buf := make([]byte, 64*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			for {
				body, ok, ferr := framer.Next()
				if ferr != nil {
					slog.Warn("mesh: framing error on inbound stream", "err", ferr)
					return
				}
				if !ok {
					break
				}
				b.dispatchInbound(body)
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Bus) dispatchInbound(body []byte) {
	pkt, err := decodeMeshPacket(body)
	if err != nil {
		slog.Warn("mesh: failed to decode inbound packet", "err", err)
		return
	}
	b.onRecv(pkt)
}

// Connect registers addr as how to reach nid, dialing lazily on first Send.
// Calling Connect(self, selfListenAddr) is mandatory (spec §4.4): a server
// must route to itself the same way it routes to any other peer, so a
// stage on this server can be addressed uniformly regardless of whether
// the sender happens to be local.
func (b *Bus) Connect(nid wire.Nid, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[nid]; ok {
		return
	}
	b.peers[nid] = &peerConn{addr: addr}
}

// Send implements sender.Transport: it dials (or reuses) a connection to
// nid and writes pkt as one framed stream write.
func (b *Bus) Send(nid wire.Nid, pkt wire.RoutePacket) error {
	b.mu.Lock()
	p, ok := b.peers[nid]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("mesh: %w: %s", ErrUnknownPeer, nid)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Now().Before(p.trippedUntil) {
		return fmt.Errorf("mesh: %w: %s", ErrCircuitOpen, nid)
	}

	conn, err := p.ensureConn(b.tlsConf, b.quicConf)
	if err != nil {
		p.recordFailure()
		return fmt.Errorf("mesh: dial %s: %w", nid, err)
	}

	body, err := encodeMeshPacket(pkt)
	if err != nil {
		return fmt.Errorf("mesh: encode: %w", err)
	}

	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		p.conn = nil
		p.recordFailure()
		return fmt.Errorf("mesh: open stream to %s: %w", nid, err)
	}
	defer stream.Close()

	if _, err := stream.Write(wire.EncodeFrame(body)); err != nil {
		p.conn = nil
		p.recordFailure()
		return fmt.Errorf("mesh: write to %s: %w", nid, err)
	}

	p.consecutiveFailures = 0
	return nil
}

func (p *peerConn) ensureConn(tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := quic.DialAddr(context.Background(), p.addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func (p *peerConn) recordFailure() {
	p.consecutiveFailures++
	if p.consecutiveFailures >= circuitBreakerThreshold {
		p.trippedUntil = time.Now().Add(circuitBreakerProbeInterval)
		slog.Warn("mesh: circuit breaker tripped",
			"peer_addr", p.addr,
			"consecutive_failures", p.consecutiveFailures,
			"probe_after", humanize.Time(p.trippedUntil))
	}
}

// Close shuts the bus down: stops accepting new connections and closes
// every peer connection (spec §4.12 shutdown step 2).
func (b *Bus) Close() error {
	b.once.Do(func() { close(b.closing) })

	b.mu.Lock()
	peers := b.peers
	b.peers = make(map[wire.Nid]*peerConn)
	b.mu.Unlock()

	for _, p := range peers {
		if p.conn != nil {
			_ = p.conn.CloseWithError(0, "shutdown")
		}
	}
	if b.listener != nil {
		return b.listener.Close()
	}
	return nil
}

var (
	ErrUnknownPeer = errors.New("mesh: no connection registered for peer")
	ErrCircuitOpen = errors.New("mesh: circuit breaker open for peer")
)
