package wire

import (
	"encoding/binary"
	"fmt"
)

// LengthPrefixSize is the width of the framing length prefix used on
// stream transports (spec §4.1): every packet is preceded by a 4-byte
// little-endian body length, excluding the length field itself.
const LengthPrefixSize = 4

// DefaultMaxFrameSize is the default ceiling on a single framed packet's
// body length (spec §4.1). Drivers may configure a different limit.
const DefaultMaxFrameSize = 2 << 20 // 2 MiB

// Framer incrementally reassembles length-prefixed frames out of a byte
// stream (spec §4.2: "Drivers ... buffer partial data; they must parse
// every fully available packet per read"). It is not safe for concurrent
// use; each TCP session owns exactly one Framer on its read goroutine.
type Framer struct {
	maxSize int
	buf     []byte
}

// NewFramer returns a Framer that rejects any frame whose declared body
// length exceeds maxSize.
func NewFramer(maxSize int) *Framer {
	return &Framer{maxSize: maxSize}
}

// Feed appends newly-read bytes to the framer's internal buffer.
func (f *Framer) Feed(data []byte) {
	f.buf = append(f.buf, data...)
}

// Next pops the next fully-buffered frame body, if any. ok is false when
// more bytes are needed. A non-nil error means the declared length exceeded
// maxSize — per spec this is a hard framing error and the caller must close
// the connection; the Framer must not be used again after an error.
func (f *Framer) Next() (frame []byte, ok bool, err error) {
	if len(f.buf) < LengthPrefixSize {
		return nil, false, nil
	}
	bodyLen := int(binary.LittleEndian.Uint32(f.buf[:LengthPrefixSize]))
	if bodyLen > f.maxSize {
		return nil, false, fmt.Errorf("wire: frame body length %d exceeds max %d", bodyLen, f.maxSize)
	}
	total := LengthPrefixSize + bodyLen
	if len(f.buf) < total {
		return nil, false, nil
	}
	body := make([]byte, bodyLen)
	copy(body, f.buf[LengthPrefixSize:total])

	// Slide the remaining bytes to the front. A fresh slice keeps the
	// framer's backing array from growing unbounded across a long session.
	rest := make([]byte, len(f.buf)-total)
	copy(rest, f.buf[total:])
	f.buf = rest

	return body, true, nil
}

// EncodeFrame prepends the 4-byte little-endian length prefix to body.
func EncodeFrame(body []byte) []byte {
	out := make([]byte, LengthPrefixSize+len(body))
	binary.LittleEndian.PutUint32(out[:LengthPrefixSize], uint32(len(body)))
	copy(out[LengthPrefixSize:], body)
	return out
}
