// Package wire implements the PlayHouse mesh envelope types and the two
// wire codecs of spec §4.1: the uncompressed client→server request format
// and the optionally LZ4-compressed server→client response format. Framing
// (the 4-byte length prefix used on stream transports) lives in framing.go;
// this file is concerned only with a single packet's body layout.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v3"
)

const (
	// lz4MinBodySize is the body length at or below which compression is
	// never attempted (spec §4.1, §8 LZ4 policy).
	lz4MinBodySize = 512

	// lz4MaxRatio is the compressed/raw size ratio above which a compressed
	// body is discarded in favor of the raw one (spec §4.1).
	lz4MaxRatio = 0.9
)

// ClientFrame is the decoded body of a client→server packet.
type ClientFrame struct {
	ServiceID uint16
	MsgID     string
	MsgSeq    uint16
	StageID   int64
	Body      []byte
}

// ServerFrame is the decoded body of a server→client packet.
type ServerFrame struct {
	ServiceID uint16
	MsgID     string
	MsgSeq    uint16
	StageID   int64
	ErrorCode ErrorCode
	Body      []byte
}

// EncodeClientFrame serializes f per spec §4.1's client→server layout:
// ServiceId(2 LE) · MsgIdLen(1) · MsgId(N) · MsgSeq(2 LE) · StageId(8 LE) · Payload.
func EncodeClientFrame(f ClientFrame) ([]byte, error) {
	if len(f.MsgID) == 0 || len(f.MsgID) > 0xFF {
		return nil, fmt.Errorf("wire: msg id length %d out of range [1,255]", len(f.MsgID))
	}
	out := make([]byte, 0, 2+1+len(f.MsgID)+2+8+len(f.Body))
	out = appendUint16(out, f.ServiceID)
	out = append(out, byte(len(f.MsgID)))
	out = append(out, f.MsgID...)
	out = appendUint16(out, f.MsgSeq)
	out = appendUint64(out, uint64(f.StageID))
	out = append(out, f.Body...)
	return out, nil
}

// DecodeClientFrame parses a client→server packet body.
func DecodeClientFrame(b []byte) (ClientFrame, error) {
	var f ClientFrame
	r := reader{buf: b}

	serviceID, err := r.uint16()
	if err != nil {
		return f, err
	}
	idLen, err := r.byte_()
	if err != nil {
		return f, err
	}
	if idLen == 0 {
		return f, fmt.Errorf("wire: %w", ErrZeroMsgIDLen)
	}
	msgID, err := r.bytes(int(idLen))
	if err != nil {
		return f, err
	}
	msgSeq, err := r.uint16()
	if err != nil {
		return f, err
	}
	stageID, err := r.uint64()
	if err != nil {
		return f, err
	}

	f.ServiceID = serviceID
	f.MsgID = string(msgID)
	f.MsgSeq = msgSeq
	f.StageID = int64(stageID)
	f.Body = r.rest()
	return f, nil
}

// EncodeServerFrame serializes f per spec §4.1's server→client layout,
// applying the LZ4 policy from §4.1/§8: compression is attempted only when
// len(raw) > 512 and is kept only when len(compressed) < 0.9·len(raw).
func EncodeServerFrame(f ServerFrame) ([]byte, error) {
	if len(f.MsgID) == 0 || len(f.MsgID) > 0xFF {
		return nil, fmt.Errorf("wire: msg id length %d out of range [1,255]", len(f.MsgID))
	}

	body := f.Body
	originalSize := 0
	if len(body) > lz4MinBodySize {
		compressed, ok, err := tryCompress(body)
		if err != nil {
			return nil, err
		}
		if ok {
			originalSize = len(body)
			body = compressed
		}
	}

	out := make([]byte, 0, 2+1+len(f.MsgID)+2+8+2+4+len(body))
	out = appendUint16(out, f.ServiceID)
	out = append(out, byte(len(f.MsgID)))
	out = append(out, f.MsgID...)
	out = appendUint16(out, f.MsgSeq)
	out = appendUint64(out, uint64(f.StageID))
	out = appendUint16(out, uint16(f.ErrorCode))
	out = appendUint32(out, uint32(originalSize))
	out = append(out, body...)
	return out, nil
}

// DecodeServerFrame parses a server→client packet body, transparently
// decompressing it when OriginalSize > 0.
func DecodeServerFrame(b []byte) (ServerFrame, error) {
	var f ServerFrame
	r := reader{buf: b}

	serviceID, err := r.uint16()
	if err != nil {
		return f, err
	}
	idLen, err := r.byte_()
	if err != nil {
		return f, err
	}
	if idLen == 0 {
		return f, fmt.Errorf("wire: %w", ErrZeroMsgIDLen)
	}
	msgID, err := r.bytes(int(idLen))
	if err != nil {
		return f, err
	}
	msgSeq, err := r.uint16()
	if err != nil {
		return f, err
	}
	stageID, err := r.uint64()
	if err != nil {
		return f, err
	}
	errCode, err := r.uint16()
	if err != nil {
		return f, err
	}
	originalSize, err := r.uint32()
	if err != nil {
		return f, err
	}
	body := r.rest()

	if originalSize > 0 {
		decompressed := make([]byte, originalSize)
		n, err := lz4.UncompressBlock(body, decompressed)
		if err != nil {
			return f, fmt.Errorf("wire: lz4 decompress: %w", err)
		}
		if uint32(n) != originalSize {
			return f, fmt.Errorf("wire: lz4 decompressed size %d, want %d", n, originalSize)
		}
		body = decompressed
	}

	f.ServiceID = serviceID
	f.MsgID = string(msgID)
	f.MsgSeq = msgSeq
	f.StageID = int64(stageID)
	f.ErrorCode = ErrorCode(errCode)
	f.Body = body
	return f, nil
}

// tryCompress applies the §4.1/§8 LZ4 policy: compress, then keep the
// result only if it actually shrank the body below the 0.9 ratio.
func tryCompress(raw []byte) (compressed []byte, kept bool, err error) {
	bound := lz4.CompressBlockBound(len(raw))
	dst := make([]byte, bound)
	var ht [1 << 16]int // lz4.CompressBlock's scratch hash table
	n, err := lz4.CompressBlock(raw, dst, ht[:])
	if err != nil {
		return nil, false, fmt.Errorf("wire: lz4 compress: %w", err)
	}
	if n == 0 || float64(n) >= lz4MaxRatio*float64(len(raw)) {
		return nil, false, nil
	}
	return dst[:n], true, nil
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// reader is a small cursor over a decode buffer, used to keep
// Decode{Client,Server}Frame free of repeated bounds-check boilerplate.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if len(r.buf)-r.pos < n {
		return fmt.Errorf("wire: %w", ErrShortFrame)
	}
	return nil
}

func (r *reader) byte_() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) rest() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}
