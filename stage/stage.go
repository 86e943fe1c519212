package stage

import (
	"log/slog"
	"sync"
	"time"

	"playhouse/actor"
	"playhouse/payload"
	"playhouse/sender"
	"playhouse/timer"
	"playhouse/wire"
)

// State is a Stage's position in the lifecycle of spec §4.3.
type State int

const (
	StateCreating State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ReconnectGrace is how long a disconnected actor remains in its stage's
// roster awaiting reconnection before being evicted (spec §4.3, §4.9).
var ReconnectGrace = 30 * time.Second

// SessionRegistry resolves a locally-connected session id to its push
// capability. Implemented by package session; kept as a small interface
// here so stage does not depend on session (session depends on stage to
// route incoming traffic into stages, so the reverse would cycle).
type SessionRegistry interface {
	Pusher(sid int64) (actor.Pusher, bool)
}

// Stage is one running instance of a user IStage, wrapping the cooperative
// single-worker loop of spec §4.7 with the lifecycle, actor roster, and
// timer set of spec §4.8/§4.10.
//
// Every IStage callback, every actor dispatch, and every timer tick for
// this stage runs from loop's single logical worker — state below is only
// ever mutated from that worker, except for the small amount explicitly
// guarded by mu (membership lookups other goroutines need: join admission
// races, diagnostics).
type Stage struct {
	ID        int64
	StageType string
	Self      wire.Nid

	impl     IStage
	loop     *loop
	sender   *sender.MeshSender
	timers   *timer.Set
	sessions SessionRegistry
	async    *asyncRegistry

	mu         sync.RWMutex
	state      State
	actors     map[int64]*actor.Actor // account_id -> actor
	leaveGrace map[int64]*time.Timer
}

// New constructs a stage bound to impl, not yet started — callers must call
// Start to post the creation message.
func New(id int64, stageType string, self wire.Nid, impl IStage, ms *sender.MeshSender, sessions SessionRegistry) *Stage {
	st := &Stage{
		ID:         id,
		StageType:  stageType,
		Self:       self,
		impl:       impl,
		sender:     ms,
		timers:     timer.NewSet(),
		sessions:   sessions,
		async:      newAsyncRegistry(),
		state:      StateCreating,
		actors:     make(map[int64]*actor.Actor),
		leaveGrace: make(map[int64]*time.Timer),
	}
	st.loop = newLoop(st.handle)
	return st
}

// Post enqueues pkt on the stage's intake. Safe from any goroutine,
// including the stage's own worker (spec §4.7).
func (s *Stage) Post(pkt wire.RoutePacket) {
	s.loop.post(pkt)
}

// Start posts the creation message that drives OnCreate/OnPostCreate. It is
// idempotent only in the sense that calling it twice posts two creation
// messages — callers (the stage pool) must call it exactly once.
func (s *Stage) Start() {
	s.Post(wire.RoutePacket{Header: wire.RouteHeader{MsgID: MsgCreateStage, StageID: s.ID}})
}

// State returns the stage's current lifecycle state.
func (s *Stage) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Stage) setState(v State) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

// ActorCount reports the current roster size.
func (s *Stage) ActorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actors)
}

// Depth reports the stage intake's current queue length, for diagnostics.
func (s *Stage) Depth() int {
	return s.loop.depth()
}

// AddRepeatTimer registers a timer that ticks forever, delivering msgID/p
// back into this stage's own intake every period after initial (spec
// §4.10).
func (s *Stage) AddRepeatTimer(initial, period time.Duration, msgID string, p *payload.Payload) (int64, error) {
	return s.timers.AddRepeat(s, initial, period, msgID, p)
}

// AddCountTimer registers a timer that ticks exactly count times.
func (s *Stage) AddCountTimer(initial, period time.Duration, count int, msgID string, p *payload.Payload) (int64, error) {
	return s.timers.AddCount(s, initial, period, count, msgID, p)
}

// CancelTimer stops a previously-registered timer.
func (s *Stage) CancelTimer(id int64) {
	s.timers.Cancel(id)
}

func (s *Stage) stageSender() *sender.StageSender {
	return sender.NewStageSender(s.sender, s.ID)
}

func (s *Stage) actorSender(a *actor.Actor, header *wire.RouteHeader) *sender.ActorSender {
	inner := s.sender
	if header != nil {
		inner = s.sender.WithCurrent(header)
	}
	var push sender.ClientPusher
	if a.Connected() {
		push = a.Push
	}
	return sender.NewActorSender(inner, s.ID, a.AccountID, push)
}

func (s *Stage) pusherFor(sid int64) actor.Pusher {
	if s.sessions == nil || sid == 0 {
		return nil
	}
	p, ok := s.sessions.Pusher(sid)
	if !ok {
		return nil
	}
	return p
}

// handle is the loop's dispatchFunc: it runs exclusively on the stage's
// single logical worker and implements the base-message routing of spec §6,
// falling through to the user IStage for anything else.
func (s *Stage) handle(pkt wire.RoutePacket) {
	defer pkt.Release()
	defer s.recoverDispatch(pkt)

	switch pkt.Header.MsgID {
	case MsgCreateStage:
		s.handleCreate()
		return
	case MsgJoinStage:
		s.handleJoin(pkt)
		return
	case MsgDisconnectNotice:
		s.handleDisconnect(pkt)
		return
	case closeMsgID:
		s.handleClose()
		return
	case graceExpiredMsgID:
		s.evictIfStillDisconnected(pkt.Header.AccountID)
		return
	case MsgAsyncBlockContinuation:
		s.handleAsyncContinuation(pkt)
		return
	default:
	}

	if s.State() != StateActive {
		slog.Warn("stage: dropping message, not active", "stage_id", s.ID, "state", s.State(), "msg_id", pkt.Header.MsgID)
		return
	}

	if pkt.Header.AccountID != 0 {
		s.mu.RLock()
		a, ok := s.actors[pkt.Header.AccountID]
		s.mu.RUnlock()
		if !ok {
			slog.Warn("stage: dispatch for unknown actor", "stage_id", s.ID, "account_id", pkt.Header.AccountID)
			return
		}
		s.impl.OnDispatchActor(s.actorSender(a, &pkt.Header), pkt)
		return
	}

	s.impl.OnDispatch(s.stageSender(), pkt)
}

// recoverDispatch catches a panicking IStage callback so one bad handler
// never takes the rest of the stage's worker loop down with it (spec
// §4.7/§7: exceptions are caught, logged, and answered where a reply is
// owed — the worker keeps draining the next packet regardless). A client
// dispatch still gets its error delivered even though it has no mesh
// "From" to Reply through, by falling back to the same session pusher a
// join reply uses.
func (s *Stage) recoverDispatch(pkt wire.RoutePacket) {
	r := recover()
	if r == nil {
		return
	}
	slog.Error("stage: handler panicked, recovered", "stage_id", s.ID, "msg_id", pkt.Header.MsgID, "account_id", pkt.Header.AccountID, "panic", r)
	if pkt.Header.MsgSeq == 0 {
		return
	}

	errPkt := wire.RoutePacket{Header: wire.RouteHeader{
		MsgID:     pkt.Header.MsgID,
		MsgSeq:    pkt.Header.MsgSeq,
		AccountID: pkt.Header.AccountID,
		ErrorCode: wire.ErrSystemError,
		IsReply:   true,
	}}
	if pusher := s.pusherFor(pkt.Header.Sid); pusher != nil {
		if err := pusher(errPkt); err != nil {
			slog.Warn("stage: failed to push system error reply after panic", "stage_id", s.ID, "err", err)
		}
		return
	}

	header := pkt.Header
	scoped := s.sender.WithCurrent(&header)
	if err := scoped.ReplyError(wire.ErrSystemError); err != nil {
		slog.Warn("stage: failed to reply system error after panic", "stage_id", s.ID, "err", err)
	}
}

func (s *Stage) handleCreate() {
	if err := s.impl.OnCreate(s.stageSender()); err != nil {
		slog.Error("stage: OnCreate failed, closing", "stage_id", s.ID, "err", err)
		s.setState(StateClosed)
		return
	}
	s.setState(StateActive)
	s.impl.OnPostCreate(s.stageSender())
}

func (s *Stage) handleJoin(pkt wire.RoutePacket) {
	accountID := pkt.Header.AccountID
	if s.State() != StateActive {
		s.replyJoinError(pkt, wire.ErrStageNotFound)
		return
	}

	s.mu.RLock()
	existing, already := s.actors[accountID]
	s.mu.RUnlock()

	if already {
		// Reconnect within the grace window: rebind rather than rejoin.
		s.handleReconnect(pkt, existing)
		return
	}

	reply, err := s.impl.OnJoinStage(s.stageSender(), accountID, false, pkt)
	if err != nil {
		s.replyJoinError(pkt, wire.ErrUnauthorized)
		return
	}

	a := actor.New(accountID, s.ID)
	a.Bind(pkt.Header.Sid, s.pusherFor(pkt.Header.Sid))
	s.mu.Lock()
	s.actors[accountID] = a
	s.mu.Unlock()

	s.sendJoinReply(pkt, a, reply, false)
	s.impl.OnPostJoinStage(s.stageSender(), accountID)
}

// handleReconnect rebinds an already-rostered actor (connected or not) to
// the joining session, instead of admitting it as a fresh
// join (spec §4.3, §4.9, §8 Scenario 4: "the join reply carries
// is_reconnect=true").
func (s *Stage) handleReconnect(pkt wire.RoutePacket, a *actor.Actor) {
	accountID := pkt.Header.AccountID
	reply, err := s.impl.OnJoinStage(s.stageSender(), accountID, true, pkt)
	if err != nil {
		s.replyJoinError(pkt, wire.ErrUnauthorized)
		return
	}
	s.cancelLeaveGrace(accountID)
	a.Bind(pkt.Header.Sid, s.pusherFor(pkt.Header.Sid))
	s.sendJoinReply(pkt, a, reply, true)
	s.impl.OnConnectionChanged(s.stageSender(), accountID, true)
}

// sendJoinReply delivers a join (or rejoin) reply straight to the newly
// (re)bound client via its session pusher, bypassing MeshSender.Reply
// entirely: session/session.go posts MsgJoinStage fire-and-forget
// (MsgSeq=0), which Reply always refuses (spec §4.6, "fails ... if the
// header had MsgSeq=0"). isReconnect is not itself a wire field — spec
// §4.1's server frame layout is fixed — so a stage whose client needs to
// see is_reconnect must have encoded it into reply's payload already; this
// just gets that payload to the wire.
func (s *Stage) sendJoinReply(pkt wire.RoutePacket, a *actor.Actor, reply *wire.RoutePacket, isReconnect bool) {
	if reply == nil {
		return
	}
	header := wire.RouteHeader{MsgID: pkt.Header.MsgID, AccountID: pkt.Header.AccountID, Sid: pkt.Header.Sid}
	if reply.Header.MsgID != "" {
		header.MsgID = reply.Header.MsgID
	}
	if err := a.Push(wire.RoutePacket{Header: header, Payload: reply.Payload}); err != nil {
		slog.Warn("stage: failed to deliver join reply", "stage_id", s.ID, "account_id", pkt.Header.AccountID, "is_reconnect", isReconnect, "err", err)
	}
}

// replyJoinError pushes a join rejection straight to the (still
// unregistered) client's session, for the same reason sendJoinReply does
// not go through MeshSender.Reply: the inbound MsgJoinStage packet is
// always fire-and-forget.
func (s *Stage) replyJoinError(pkt wire.RoutePacket, code wire.ErrorCode) {
	pusher := s.pusherFor(pkt.Header.Sid)
	if pusher == nil {
		return
	}
	errPkt := wire.RoutePacket{Header: wire.RouteHeader{
		MsgID:     pkt.Header.MsgID,
		AccountID: pkt.Header.AccountID,
		Sid:       pkt.Header.Sid,
		ErrorCode: code,
	}}
	if err := pusher(errPkt); err != nil {
		slog.Warn("stage: failed to push join error", "stage_id", s.ID, "err", err)
	}
}

func (s *Stage) handleDisconnect(pkt wire.RoutePacket) {
	accountID := pkt.Header.AccountID
	s.mu.RLock()
	a, ok := s.actors[accountID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	a.Unbind()
	s.impl.OnConnectionChanged(s.stageSender(), accountID, false)
	s.armLeaveGrace(accountID)
}

func (s *Stage) armLeaveGrace(accountID int64) {
	grace := ReconnectGrace
	t := time.AfterFunc(grace, func() {
		s.Post(wire.RoutePacket{Header: wire.RouteHeader{
			MsgID:     graceExpiredMsgID,
			AccountID: accountID,
			StageID:   s.ID,
		}})
	})

	s.mu.Lock()
	if old, ok := s.leaveGrace[accountID]; ok {
		old.Stop()
	}
	s.leaveGrace[accountID] = t
	s.mu.Unlock()
}

func (s *Stage) cancelLeaveGrace(accountID int64) {
	s.mu.Lock()
	t, ok := s.leaveGrace[accountID]
	if ok {
		delete(s.leaveGrace, accountID)
	}
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// graceExpiredMsgID is a private base message, never posted by anything but
// armLeaveGrace's own timer, handled by its own case in handle via
// evictIfStillDisconnected.
const graceExpiredMsgID = "_LeaveGraceExpired"

func (s *Stage) evictIfStillDisconnected(accountID int64) {
	s.mu.Lock()
	a, ok := s.actors[accountID]
	if ok && !a.Connected() {
		delete(s.actors, accountID)
		delete(s.leaveGrace, accountID)
	} else {
		ok = false
	}
	s.mu.Unlock()
	if ok {
		slog.Info("stage: evicting actor after reconnect grace expired", "stage_id", s.ID, "account_id", accountID)
	}
}

// Close posts a close message to the stage. Once every message queued ahead
// of it has been handled, the stage moves to Closing, cancels its timers and
// reconnect grace timers, runs OnDestroy and moves to Closed. It is safe to
// call from any goroutine.
func (s *Stage) Close() {
	s.Post(wire.RoutePacket{Header: wire.RouteHeader{MsgID: closeMsgID, StageID: s.ID}})
}

const closeMsgID = "_CloseStage"

func (s *Stage) handleClose() {
	s.setState(StateClosing)
	s.timers.CancelAll()
	s.mu.Lock()
	for _, t := range s.leaveGrace {
		t.Stop()
	}
	s.leaveGrace = make(map[int64]*time.Timer)
	s.mu.Unlock()
	s.impl.OnDestroy(s.stageSender())
	s.setState(StateClosed)
}
