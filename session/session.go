// Package session implements the client connection/actor binding layer of
// spec §4.2/§4.3/§4.9 (C4): it decodes client frames, runs the
// authentication handshake, tracks rate limits per connection, and routes
// authenticated traffic into the right stage while implementing
// stage.SessionRegistry so a Stage can push straight back to a client.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"playhouse/actor"
	"playhouse/payload"
	"playhouse/stage"
	"playhouse/transport"
	"playhouse/wire"
)

// AuthenticateMessageID is the MsgID a client sends as its first message
// on a connection (spec §4.9). Manager does not check the MsgID: whatever
// message arrives first goes to the Authenticator instead of stage dispatch.
const AuthenticateMessageID = "AuthenticateRequest"


// Authenticator validates a connection's first message and decides which
// account it becomes, and which stage it should join (spec §4.9).
type Authenticator interface {
	Authenticate(pkt wire.RoutePacket) (accountID int64, stageID int64, stageType string, reply *wire.RoutePacket, err error)
}

// StagePool is the minimal capability session needs from package stage:
// look an existing stage up, or create one, and post into it.
type StagePool interface {
	Get(id int64) (Stage, bool)
	GetOrCreate(id int64, stageType string) (Stage, error)
}

// Stage is the minimal capability session needs from a *stage.Stage.
type Stage interface {
	Post(pkt wire.RoutePacket)
}

// PoolAdapter adapts a *stage.Pool to the StagePool interface: Go's static
// typing means a method returning *stage.Stage does not automatically
// satisfy an interface method declared to return the narrower Stage
// interface, even though *stage.Stage implements it — this thin wrapper
// performs that conversion explicitly.
type PoolAdapter struct {
	Pool *stage.Pool
}

func (a PoolAdapter) Get(id int64) (Stage, bool) {
	st, ok := a.Pool.Get(id)
	if !ok {
		return nil, false
	}
	return st, true
}

func (a PoolAdapter) GetOrCreate(id int64, stageType string) (Stage, error) {
	return a.Pool.GetOrCreate(id, stageType)
}

// RateLimit configures the per-connection token bucket applied to client
// messages (spec §4.2 edge cases: a flooding client must not stall other
// sessions). Grounded on golang.org/x/time/rate, the same limiter the wider
// example pack reaches for on inbound per-peer traffic.
type RateLimit struct {
	MessagesPerSecond float64
	Burst             int
}

// DefaultRateLimit is applied when a Manager is constructed with a zero
// RateLimit.
var DefaultRateLimit = RateLimit{MessagesPerSecond: 50, Burst: 100}

type conn struct {
	transport.Conn

	traceID   string
	mu        sync.Mutex
	sid       int64
	authed    bool
	accountID int64
	stageID   int64
	limiter   *rate.Limiter
}

// Manager owns every live connection on one Play server process and
// implements transport.Handler (driven by every registered Driver) and
// stage.SessionRegistry (consulted by Stage to push to a client).
type Manager struct {
	auth  Authenticator
	pool  StagePool
	limit RateLimit

	nextSid atomic.Int64

	mu     sync.RWMutex
	bySid  map[int64]*conn
	byConn map[transport.Conn]*conn
}

// NewManager constructs a session manager. A zero RateLimit uses
// DefaultRateLimit.
func NewManager(auth Authenticator, pool StagePool, limit RateLimit) *Manager {
	if limit.MessagesPerSecond == 0 {
		limit = DefaultRateLimit
	}
	return &Manager{
		auth:   auth,
		pool:   pool,
		limit:  limit,
		bySid:  make(map[int64]*conn),
		byConn: make(map[transport.Conn]*conn),
	}
}

// OnConnect implements transport.Handler.
func (m *Manager) OnConnect(c transport.Conn) {
	sid := m.nextSid.Add(1)
	cn := &conn{
		Conn:    c,
		sid:     sid,
		traceID: uuid.NewString(),
		limiter: rate.NewLimiter(rate.Limit(m.limit.MessagesPerSecond), m.limit.Burst),
	}
	m.mu.Lock()
	m.bySid[sid] = cn
	m.byConn[c] = cn
	m.mu.Unlock()
	slog.Debug("session: connection opened", "remote", c.RemoteAddr(), "trace_id", cn.traceID, "sid", sid)
}

// OnDisconnect implements transport.Handler.
func (m *Manager) OnDisconnect(c transport.Conn) {
	m.mu.Lock()
	cn, ok := m.byConn[c]
	if ok {
		delete(m.byConn, c)
		delete(m.bySid, cn.sid)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	cn.mu.Lock()
	authed, accountID, stageID := cn.authed, cn.accountID, cn.stageID
	cn.mu.Unlock()
	if !authed {
		return
	}
	if st, ok := m.pool.Get(stageID); ok {
		st.Post(wire.RoutePacket{Header: wire.RouteHeader{
			MsgID:     stage.MsgDisconnectNotice,
			AccountID: accountID,
			StageID:   stageID,
		}})
	}
}

// OnMessage implements transport.Handler.
func (m *Manager) OnMessage(c transport.Conn, body []byte) {
	m.mu.RLock()
	cn, ok := m.byConn[c]
	m.mu.RUnlock()
	if !ok {
		return
	}

	if !cn.limiter.Allow() {
		slog.Warn("session: rate limit exceeded, dropping message", "remote", c.RemoteAddr())
		return
	}

	frame, err := wire.DecodeClientFrame(body)
	if err != nil {
		slog.Warn("session: failed to decode client frame, closing", "remote", c.RemoteAddr(), "err", err)
		c.Close()
		return
	}

	pkt := wire.RoutePacket{Header: wire.RouteHeader{
		MsgSeq: frame.MsgSeq,
		MsgID:  frame.MsgID,
		Sid:    cn.sid,
	}, Payload: payload.Borrow(frame.Body)}

	cn.mu.Lock()
	authed := cn.authed
	cn.mu.Unlock()

	if !authed {
		m.handleAuthenticate(cn, pkt)
		return
	}

	cn.mu.Lock()
	accountID, stageID := cn.accountID, cn.stageID
	cn.mu.Unlock()
	pkt.Header.AccountID = accountID

	if st, ok := m.pool.Get(stageID); ok {
		st.Post(pkt)
	}
}

func (m *Manager) handleAuthenticate(cn *conn, pkt wire.RoutePacket) {
	accountID, stageID, stageType, reply, err := m.auth.Authenticate(pkt)
	if err != nil {
		slog.Warn("session: authentication failed", "remote", cn.RemoteAddr(), "trace_id", cn.traceID, "err", err)
		cn.Close()
		return
	}

	st, err := m.pool.GetOrCreate(stageID, stageType)
	if err != nil {
		slog.Error("session: failed to resolve stage for authenticated session", "err", err)
		cn.Close()
		return
	}

	cn.mu.Lock()
	cn.authed = true
	cn.accountID = accountID
	cn.stageID = stageID
	cn.mu.Unlock()

	if reply != nil {
		if frame, err := encodeServerReply(*reply); err == nil {
			_ = cn.Write(frame)
		}
	}

	st.Post(wire.RoutePacket{Header: wire.RouteHeader{
		MsgID:     stage.MsgJoinStage,
		AccountID: accountID,
		Sid:       cn.sid,
		StageID:   stageID,
	}})
}

func encodeServerReply(pkt wire.RoutePacket) ([]byte, error) {
	body, err := payloadBytes(pkt.Payload)
	if err != nil {
		return nil, err
	}
	return wire.EncodeServerFrame(wire.ServerFrame{
		MsgID:     pkt.Header.MsgID,
		MsgSeq:    pkt.Header.MsgSeq,
		ErrorCode: pkt.Header.ErrorCode,
		Body:      body,
	})
}

func payloadBytes(p *payload.Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return p.Bytes()
}

// Pusher implements stage.SessionRegistry: it resolves sid to a function
// that encodes and writes a RoutePacket straight to that connection.
func (m *Manager) Pusher(sid int64) (actor.Pusher, bool) {
	m.mu.RLock()
	cn, ok := m.bySid[sid]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return func(pkt wire.RoutePacket) error {
		frame, err := encodeServerReply(pkt)
		if err != nil {
			return err
		}
		return cn.Write(frame)
	}, true
}
