// Package payload implements the ownership-tracked byte sequence described
// in spec §3 (Payload) — the single currency passed across every boundary in
// PlayHouse: client packets, mesh packets, and replies all carry one of
// these instead of a bare []byte.
package payload

import (
	"errors"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// ErrReleased is returned by any read performed after Release.
var ErrReleased = errors.New("payload: use after release")

type kind uint8

const (
	kindEmpty kind = iota
	kindBorrowed
	kindOwned
	kindLazy
)

// Marshaler produces wire bytes for a lazily-serialized payload. It is
// invoked at most once, the first time Bytes is called.
type Marshaler func() ([]byte, error)

// Payload is the ownership-tracked byte sequence of spec §3. The zero value
// is not useful; construct one with Empty, Borrow, Owned, or Lazy.
//
// Contract: Len and Bytes are valid until Release is called; Release may be
// called at most once from the effective owner (a Stage, for example,
// releases each dispatched packet's payload once its handler returns).
type Payload struct {
	kind     kind
	data     []byte
	pooled   *bytebufferpool.ByteBuffer
	marshal  Marshaler
	released bool
	mu       sync.Mutex // guards lazy materialization and released
}

// Empty returns a new payload with no bytes. Each call allocates a fresh
// value; after Release, reads return ErrReleased like any other payload.
func Empty() *Payload {
	return &Payload{kind: kindEmpty}
}

// Borrow wraps buf without copying or taking ownership. Release does not
// free or reuse buf (reads after it still return ErrReleased); the caller
// retains responsibility for buf's lifetime. Use this only when
// buf outlives every reader of the resulting Payload (e.g. a []byte literal
// embedded in a test, or a buffer the caller frees itself after the payload
// is done being read).
func Borrow(buf []byte) *Payload {
	return &Payload{kind: kindBorrowed, data: buf}
}

// Owned takes ownership of a pooled buffer obtained from Get. Release
// returns the underlying buffer to the pool; further reads after Release
// return ErrReleased.
func Owned(buf *bytebufferpool.ByteBuffer) *Payload {
	return &Payload{kind: kindOwned, data: buf.B, pooled: buf}
}

// Lazy defers serialization until the first call to Bytes. This is used for
// outbound typed messages (e.g. a user handler's reply struct) so that a
// reply which is never actually written to the wire (a fire-and-forget send
// whose peer vanished) never pays the marshal cost.
func Lazy(m Marshaler) *Payload {
	return &Payload{kind: kindLazy, marshal: m}
}

// Len returns the byte length, materializing a lazy payload if necessary.
// Returns 0 and an error if the payload has been released or marshaling
// fails.
func (p *Payload) Len() (int, error) {
	b, err := p.Bytes()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Bytes returns a read-only view of the payload's bytes. The returned slice
// must not be mutated and must not be retained past Release — callers that
// need the bytes to outlive the payload must copy them first.
func (p *Payload) Bytes() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return nil, ErrReleased
	}
	if p.kind == kindLazy && p.data == nil {
		b, err := p.marshal()
		if err != nil {
			return nil, err
		}
		p.data = b
	}
	return p.data, nil
}

// Release returns any pooled storage and forbids further reads. Calling
// Release more than once is safe; the second call is a no-op.
func (p *Payload) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return
	}
	p.released = true
	if p.kind == kindOwned && p.pooled != nil {
		bytebufferpool.Put(p.pooled)
		p.pooled = nil
	}
	p.data = nil
}

// Retain returns an independent, owned copy of the payload's current bytes.
// Use this when a handler needs to keep data past the point where the
// framework would otherwise release the original (spec §5, "payload
// ownership across async boundaries").
func (p *Payload) Retain() (*Payload, error) {
	b, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	buf := Get()
	buf.Write(b) //nolint:errcheck // bytebufferpool.Write never errors
	return Owned(buf), nil
}

// Get returns a pooled buffer suitable for building an owned Payload.
func Get() *bytebufferpool.ByteBuffer {
	return bytebufferpool.Get()
}
