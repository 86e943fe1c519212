package stage

import (
	"playhouse/sender"
	"playhouse/wire"
)

// IStage is implemented by user stage types and driven exclusively from the
// stage's own loop goroutine — none of these methods ever run concurrently
// with one another for the same stage (spec §4.3, §4.7, §9).
type IStage interface {
	// OnCreate runs once, before the stage accepts any other message.
	// Returning an error aborts stage creation (spec §4.3 edge cases).
	OnCreate(s *StageSender) error

	// OnPostCreate runs immediately after OnCreate succeeds, with the same
	// ordering guarantee, to let a stage complete async setup (fetching
	// state, say) without blocking the message that triggered creation.
	OnPostCreate(s *StageSender)

	// OnDestroy runs once, as the stage transitions to Closed, after its
	// last queued message has been processed.
	OnDestroy(s *StageSender)

	// OnJoinStage decides whether an actor may join, and returns the
	// payload (if any) to deliver as the join reply. isReconnect is true
	// when accountID already has an actor in this stage's roster (typically
	// a disconnected one within the grace window; a still-connected actor is
	// rebound the same way) rather than joining for the first time; the returned reply is delivered straight to the
	// (re)connecting client regardless, so an implementation that wants
	// the client to see is_reconnect must encode isReconnect into the
	// reply payload itself (spec §4.9, §8).
	OnJoinStage(s *StageSender, accountID int64, isReconnect bool, pkt wire.RoutePacket) (*wire.RoutePacket, error)

	// OnPostJoinStage runs after a successful join, e.g. to broadcast
	// presence to the rest of the stage's roster.
	OnPostJoinStage(s *StageSender, accountID int64)

	// OnConnectionChanged notifies the stage that an actor's session
	// connected or disconnected (spec §4.3, §4.9).
	OnConnectionChanged(s *StageSender, accountID int64, connected bool)

	// OnDispatchActor delivers a message sent by an already-joined actor,
	// with a sender scoped to that actor's context.
	OnDispatchActor(s *sender.ActorSender, pkt wire.RoutePacket)

	// OnDispatch delivers a message addressed to the stage itself rather
	// than to a specific actor (e.g. a mesh request from another server).
	OnDispatch(s *StageSender, pkt wire.RoutePacket)
}

// StageSender is re-exported from package sender for IStage method
// signatures, so user code implementing IStage need only import stage.
type StageSender = sender.StageSender
