package mesh

import (
	"encoding/binary"
	"fmt"

	"playhouse/payload"
	"playhouse/wire"
)

// encodeMeshPacket serializes a RoutePacket for transport over a mesh
// stream. This is distinct from the client-facing wire codecs in package
// wire: it carries the full RouteHeader (From, StageID, AccountID, Sid,
// TimerID, AsyncID, ...) needed for inter-server routing, none of which a
// client connection ever sees.
func encodeMeshPacket(pkt wire.RoutePacket) ([]byte, error) {
	if len(pkt.Header.MsgID) > 0xFF {
		return nil, fmt.Errorf("mesh: msg id length %d exceeds 255", len(pkt.Header.MsgID))
	}
	body, err := payloadBytes(pkt.Payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 2+len(pkt.Header.From)+2+1+len(pkt.Header.MsgID)+8*5+2+1+len(body))
	out = appendString16(out, string(pkt.Header.From))
	out = appendUint16(out, pkt.Header.MsgSeq)
	out = appendUint16(out, pkt.Header.ServiceID)
	out = appendString8(out, pkt.Header.MsgID)
	out = appendUint64(out, uint64(pkt.Header.StageID))
	out = appendUint64(out, uint64(pkt.Header.AccountID))
	out = appendUint64(out, uint64(pkt.Header.Sid))
	out = appendUint64(out, uint64(pkt.Header.TimerID))
	out = appendUint64(out, uint64(pkt.Header.AsyncID))
	out = appendUint16(out, uint16(pkt.Header.ErrorCode))
	isReply := byte(0)
	if pkt.Header.IsReply {
		isReply = 1
	}
	out = append(out, isReply)
	out = append(out, body...)
	return out, nil
}

func decodeMeshPacket(b []byte) (wire.RoutePacket, error) {
	var pkt wire.RoutePacket
	r := meshReader{buf: b}

	from, err := r.string16()
	if err != nil {
		return pkt, err
	}
	msgSeq, err := r.uint16()
	if err != nil {
		return pkt, err
	}
	serviceID, err := r.uint16()
	if err != nil {
		return pkt, err
	}
	msgID, err := r.string8()
	if err != nil {
		return pkt, err
	}
	stageID, err := r.uint64()
	if err != nil {
		return pkt, err
	}
	accountID, err := r.uint64()
	if err != nil {
		return pkt, err
	}
	sid, err := r.uint64()
	if err != nil {
		return pkt, err
	}
	timerID, err := r.uint64()
	if err != nil {
		return pkt, err
	}
	asyncID, err := r.uint64()
	if err != nil {
		return pkt, err
	}
	errCode, err := r.uint16()
	if err != nil {
		return pkt, err
	}
	isReplyByte, err := r.byte_()
	if err != nil {
		return pkt, err
	}

	pkt.Header = wire.RouteHeader{
		From:      wire.Nid(from),
		MsgSeq:    msgSeq,
		ServiceID: serviceID,
		MsgID:     msgID,
		StageID:   int64(stageID),
		AccountID: int64(accountID),
		Sid:       int64(sid),
		TimerID:   int64(timerID),
		AsyncID:   int64(asyncID),
		ErrorCode: wire.ErrorCode(errCode),
		IsReply:   isReplyByte != 0,
	}
	pkt.Payload = payload.Borrow(r.rest())
	return pkt, nil
}

func payloadBytes(p *payload.Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return p.Bytes()
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendString8(b []byte, s string) []byte {
	b = append(b, byte(len(s)))
	return append(b, s...)
}

func appendString16(b []byte, s string) []byte {
	b = appendUint16(b, uint16(len(s)))
	return append(b, s...)
}

type meshReader struct {
	buf []byte
	pos int
}

func (r *meshReader) need(n int) error {
	if len(r.buf)-r.pos < n {
		return fmt.Errorf("mesh: %w", wire.ErrShortFrame)
	}
	return nil
}

func (r *meshReader) byte_() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *meshReader) uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *meshReader) uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *meshReader) string8() (string, error) {
	n, err := r.byte_()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *meshReader) string16() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *meshReader) rest() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}
