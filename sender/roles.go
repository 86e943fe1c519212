package sender

import "playhouse/wire"

// ClientPusher delivers a packet straight to an actor's connected session,
// bypassing mesh routing — implemented by actor.Actor.Push. Declared here
// as a standalone type (rather than imported from package actor) so sender
// stays free of a dependency on actor; stage wires the two together.
type ClientPusher func(pkt wire.RoutePacket) error

// ActorSender is the capability handed to an actor's handlers: a MeshSender
// plus the actor's own stage_id/account_id, and a convenience for replying
// straight to the connected client (spec §4.6, §9).
type ActorSender struct {
	*MeshSender
	StageID   int64
	AccountID int64
	push      ClientPusher
}

// NewActorSender wraps inner with actor-scoped fields. push may be nil if
// the actor currently has no connected session (e.g. mid reconnect-grace).
func NewActorSender(inner *MeshSender, stageID, accountID int64, push ClientPusher) *ActorSender {
	return &ActorSender{MeshSender: inner, StageID: stageID, AccountID: accountID, push: push}
}

// SendToClient delivers pkt to the actor's own connected session, bypassing
// request/reply correlation entirely — this is a push, not a reply to any
// particular inbound message.
func (a *ActorSender) SendToClient(pkt wire.RoutePacket) error {
	if a.push == nil {
		return ErrNoCurrentSession
	}
	hdr := pkt.Header
	hdr.AccountID = a.AccountID
	return a.push(wire.RoutePacket{Header: hdr, Payload: pkt.Payload})
}

// StageSender is the capability handed to a stage's own (non-actor-scoped)
// handlers, such as OnCreate/OnDestroy/a timer tick: a MeshSender plus the
// owning stage_id.
type StageSender struct {
	*MeshSender
	StageID int64
}

// NewStageSender wraps inner with the owning stage's id.
func NewStageSender(inner *MeshSender, stageID int64) *StageSender {
	return &StageSender{MeshSender: inner, StageID: stageID}
}

// ApiSender is the capability handed to a stateless API handler: just the
// inner MeshSender, since an API dispatch has no stage or actor context of
// its own (spec §4.11, C13).
type ApiSender struct {
	*MeshSender
}

// NewApiSender wraps inner with no additional context.
func NewApiSender(inner *MeshSender) *ApiSender {
	return &ApiSender{MeshSender: inner}
}
