package payload

// Packet is a transport-agnostic payload envelope: a MsgID paired with its
// Payload, with no routing header (spec §3). Stage, actor and API handlers
// are not given a Packet; they receive the full wire.RoutePacket.
type Packet struct {
	MsgID   string
	Payload *Payload
}

// NewPacket wraps an already-constructed Payload.
func NewPacket(msgID string, p *Payload) Packet {
	return Packet{MsgID: msgID, Payload: p}
}

// Release releases the packet's payload. Safe to call on a zero-value
// Packet's nil Payload.
func (p Packet) Release() {
	if p.Payload != nil {
		p.Payload.Release()
	}
}
