// Package reqcache implements the request/reply correlation cache of spec
// §4.5 (C7): it matches an outbound RoutePacket carrying a nonzero MsgSeq
// against the inbound reply that eventually carries the same MsgSeq,
// including timeout and shutdown cancellation.
package reqcache

import (
	"sync"
	"sync/atomic"
	"time"

	"playhouse/wire"
)

// Result is what a pending request resolves to: either a reply packet or an
// error code (timeout, shutdown, unreachable peer).
type Result struct {
	Packet wire.RoutePacket
	Code   wire.ErrorCode // Success when Packet is a real reply
}

type pending struct {
	done    chan Result
	timer   *time.Timer
	resolve sync.Once
}

// Cache owns the msg_seq → PendingRequest mapping (spec §3 PendingRequest).
// The sequence counter is process-wide, never per-sender, so a reply
// addressed to any sender matches the one pending request that is waiting
// on it (spec §4.5, §9 open question — process-wide is mandatory).
type Cache struct {
	mu      sync.Mutex
	entries map[uint16]*pending
	seq     uint32 // accessed only via atomic; wraps 1..65535, skipping 0
	closed  bool
}

// New returns an empty request cache.
func New() *Cache {
	return &Cache{entries: make(map[uint16]*pending)}
}

// NextSeq draws the next value from the process-wide counter, wrapping
// 65535 → 1 and never yielding 0 (spec §4.5, §6 MsgSeq).
func (c *Cache) NextSeq() uint16 {
	for {
		prev := atomic.LoadUint32(&c.seq)
		next := prev + 1
		if next > 65535 {
			next = 1
		}
		if atomic.CompareAndSwapUint32(&c.seq, prev, next) {
			return uint16(next)
		}
	}
}

// Register installs a pending request for seq with the given timeout and
// returns a channel that receives exactly one Result: a reply (via
// TryComplete), a RequestTimeout on deadline, or a shutdown code if the cache
// is closed first.
func (c *Cache) Register(seq uint16, timeout time.Duration) <-chan Result {
	p := &pending{done: make(chan Result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.done <- Result{Code: wire.ErrShuttingDown}
		return p.done
	}
	c.entries[seq] = p
	c.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		c.resolve(seq, p, Result{Code: wire.ErrRequestTimeout})
	})
	return p.done
}

// TryComplete matches an inbound reply against its pending request. It
// returns false if no pending request exists for the header's MsgSeq, or it
// already completed/timed out — per spec §4.5/§8 a later duplicate reply is
// silently ignored.
func (c *Cache) TryComplete(packet wire.RoutePacket) bool {
	seq := packet.Header.MsgSeq
	c.mu.Lock()
	p, ok := c.entries[seq]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.resolve(seq, p, Result{Packet: packet, Code: packet.Header.ErrorCode})
}

// resolve delivers result to p exactly once, removing it from the cache.
// Subsequent calls (a timeout firing after a reply already arrived, or vice
// versa) are no-ops, which is what makes both "exactly once" (§8) and
// "later duplicate reply is ignored" hold.
func (c *Cache) resolve(seq uint16, p *pending, result Result) bool {
	delivered := false
	p.resolve.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- result
		delivered = true
	})

	c.mu.Lock()
	if c.entries[seq] == p {
		delete(c.entries, seq)
	}
	c.mu.Unlock()

	return delivered
}

// CancelAll resolves every still-pending request with code and marks the
// cache closed so further Register calls fail fast (spec §4.5, §4.12
// shutdown step 4).
func (c *Cache) CancelAll(code wire.ErrorCode) {
	c.mu.Lock()
	c.closed = true
	entries := c.entries
	c.entries = make(map[uint16]*pending)
	c.mu.Unlock()

	for seq, p := range entries {
		c.resolve(seq, p, Result{Code: code})
	}
}

// Len reports the number of currently-pending requests. Intended for tests
// and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
