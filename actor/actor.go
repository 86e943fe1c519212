// Package actor implements the per-account participant state of spec §4.3
// (C11). An Actor is deliberately independent of the Stage it belongs to —
// it stores only a stage_id, never a reference to the owning stage — so
// that actor and stage can be garbage collected and reasoned about
// independently, and so package stage can depend on package actor without
// creating an import cycle (spec §9 design note: "break cyclic references
// by keying on an id, not holding a live pointer").
package actor

import (
	"errors"
	"sync"
	"time"

	"playhouse/wire"
)

// ErrNotConnected is returned by Push when the actor has no live session
// bound — e.g. a handler tried to push to a client during the reconnect
// grace window.
var ErrNotConnected = errors.New("actor: not connected")

// Pusher delivers a packet straight to an actor's connected client,
// bypassing mesh routing entirely — set by the session layer at Bind time,
// since the session transport is local to this process (spec §4.2/§4.3).
type Pusher func(pkt wire.RoutePacket) error

// Actor is one account's membership in one stage. It survives a transient
// disconnect: Sid drops to 0 and Connected becomes false, but the actor
// stays in its stage's roster until the reconnect grace window elapses
// (spec §4.3, §4.9).
type Actor struct {
	AccountID int64
	StageID   int64

	mu             sync.Mutex
	sid            int64 // 0 when no session is currently bound
	authenticated  bool
	pusher         Pusher
	joinedAt       time.Time
	disconnectedAt time.Time
}

// New constructs an actor newly joining stageID.
func New(accountID, stageID int64) *Actor {
	return &Actor{AccountID: accountID, StageID: stageID, joinedAt: time.Now()}
}

// Bind attaches sid and its push capability as the actor's live session,
// e.g. on join or on reconnect within the grace window.
func (a *Actor) Bind(sid int64, pusher Pusher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sid = sid
	a.pusher = pusher
	a.authenticated = true
	a.disconnectedAt = time.Time{}
}

// Unbind detaches the actor's session on disconnect, without removing the
// actor from its stage — the caller (stage/session) is responsible for
// starting the reconnect grace timer and later evicting the actor if it
// expires (spec §4.9).
func (a *Actor) Unbind() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sid = 0
	a.pusher = nil
	a.disconnectedAt = time.Now()
}

// Push delivers pkt to the actor's connected client, or ErrNotConnected if
// no session is currently bound.
func (a *Actor) Push(pkt wire.RoutePacket) error {
	a.mu.Lock()
	p := a.pusher
	a.mu.Unlock()
	if p == nil {
		return ErrNotConnected
	}
	return p(pkt)
}

// Sid returns the actor's current session id, or 0 if disconnected.
func (a *Actor) Sid() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sid
}

// Connected reports whether the actor currently has a live session.
func (a *Actor) Connected() bool {
	return a.Sid() != 0
}

// DisconnectedFor reports how long the actor has been without a live
// session. Zero if currently connected.
func (a *Actor) DisconnectedFor() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sid != 0 {
		return 0
	}
	if a.disconnectedAt.IsZero() {
		return 0
	}
	return time.Since(a.disconnectedAt)
}
