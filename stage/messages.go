package stage

// Base MsgIDs dispatched through the stage loop rather than a user handler
// directly (spec §4.3, §4.8, §4.10, §6 "base messages").
const (
	// MsgCreateStage asks a stage to run its OnCreate hook. Posted once, by
	// the stage pool, immediately after a Stage value is constructed.
	MsgCreateStage = "_CreateStage"

	// MsgJoinStage asks a stage to admit an actor via OnJoinStage.
	MsgJoinStage = "_JoinStage"

	// MsgDisconnectNotice tells a stage that one of its actors' sessions
	// dropped, starting the reconnect grace window (spec §4.3, §4.9).
	MsgDisconnectNotice = "_DisconnectNotice"

	// MsgStageTimerTick names the timer-tick base message (spec §4.10, C12).
	// Package timer does not post ticks under this id: each tick carries the
	// msgID its timer was registered with plus a non-zero TimerID, and
	// reaches the stage's OnDispatch like any other message.
	MsgStageTimerTick = "_StageTimerTick"

	// MsgAsyncBlockContinuation carries an AsyncIO pre-phase's result back
	// onto the stage so its post-phase runs on-stage (spec §4.8).
	MsgAsyncBlockContinuation = "_AsyncBlockContinuation"
)
