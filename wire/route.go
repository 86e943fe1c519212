package wire

import "playhouse/payload"

// RouteHeader is the mesh envelope of spec §3. MsgSeq 0 means
// fire-and-forget; nonzero pairs a request with a reply.
type RouteHeader struct {
	MsgSeq    uint16
	ServiceID uint16
	MsgID     string
	From      Nid
	StageID   int64
	AccountID int64
	Sid       int64
	ErrorCode ErrorCode
	IsReply   bool

	// TimerID identifies the firing timer on a timer tick packet, whose
	// MsgID is the one the timer was registered with (spec §4.10, C12).
	// Zero for every other message.
	TimerID int64

	// AsyncID identifies the pending AsyncIO continuation for a
	// MsgAsyncBlockContinuation packet (spec §4.8, C10). Zero for every
	// other message.
	AsyncID int64
}

// IsFireAndForget reports whether no reply is expected for this header.
func (h RouteHeader) IsFireAndForget() bool {
	return h.MsgSeq == 0
}

// RoutePacket is the unit of inter-server transport and intra-server
// dispatch (spec §3).
type RoutePacket struct {
	Header  RouteHeader
	Payload *payload.Payload
}

// Release releases the packet's payload.
func (p RoutePacket) Release() {
	if p.Payload != nil {
		p.Payload.Release()
	}
}

// NewRoutePacket constructs a RoutePacket from a header and payload.
func NewRoutePacket(h RouteHeader, p *payload.Payload) RoutePacket {
	return RoutePacket{Header: h, Payload: p}
}
