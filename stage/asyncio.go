package stage

import (
	"sync"
	"sync/atomic"

	"playhouse/wire"
)

// asyncContinuation holds one AsyncIO call's off-stage result until its
// continuation packet is dispatched back on-stage.
type asyncContinuation struct {
	result any
	err    error
	post   func(result any, err error)
}

// asyncRegistry owns the pending continuations for one stage.
type asyncRegistry struct {
	nextID int64
	mu     sync.Mutex
	byID   map[int64]*asyncContinuation
}

func newAsyncRegistry() *asyncRegistry {
	return &asyncRegistry{byID: make(map[int64]*asyncContinuation)}
}

func (r *asyncRegistry) reserve() int64 {
	return atomic.AddInt64(&r.nextID, 1)
}

func (r *asyncRegistry) store(id int64, c *asyncContinuation) {
	r.mu.Lock()
	r.byID[id] = c
	r.mu.Unlock()
}

func (r *asyncRegistry) take(id int64) (*asyncContinuation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	return c, ok
}

// AsyncIO runs pre off-stage (on an arbitrary goroutine — it may block on a
// database call, an HTTP round trip, anything) and, once it completes,
// wraps its result into a MsgAsyncBlockContinuation packet posted back onto
// the stage's own intake, where post runs with full, uncontended access to
// stage state exactly like any other handler (spec §4.8).
//
// This is the split-phase shape that lets a stage issue blocking I/O
// without ever stalling its own loop: pre must never touch stage state —
// only post may, and post is serialized through the loop like every other
// message, so it never races the stage's own handlers.
func (s *Stage) AsyncIO(pre func() (any, error), post func(result any, err error)) {
	id := s.async.reserve()
	go func() {
		result, err := pre()
		s.async.store(id, &asyncContinuation{result: result, err: err, post: post})
		s.Post(wire.RoutePacket{
			Header: wire.RouteHeader{MsgID: MsgAsyncBlockContinuation, StageID: s.ID, AsyncID: id},
		})
	}()
}

func (s *Stage) handleAsyncContinuation(pkt wire.RoutePacket) {
	c, ok := s.async.take(pkt.Header.AsyncID)
	if !ok {
		return
	}
	c.post(c.result, c.err)
}
