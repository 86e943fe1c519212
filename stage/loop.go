// Package stage implements the per-stage cooperative event loop (spec §4.7,
// C9) and the stage runtime built on top of it (spec §4.8, C10): lifecycle,
// actor roster, dispatch to user handlers, and the AsyncIO split-phase
// primitive.
package stage

import (
	"sync"

	"playhouse/wire"
)

// dispatchFunc processes one packet. It runs only ever from loop's single
// logical worker — never concurrently with another call for the same loop.
type dispatchFunc func(wire.RoutePacket)

// loop is the lock-free-intake, single-logical-worker primitive of spec
// §4.7. Post is safe from any goroutine; at most one worker goroutine is
// ever active for a given loop, and it observes packets in FIFO order
// per-producer.
//
// The queue itself is a mutex-protected slice rather than a true lock-free
// structure — posts never block behind the worker (append is O(1)
// amortized and held only for the duration of the append), which is the
// property spec §4.7/§5 actually requires ("Intake never suspends"). The
// safety property the spec cares about — no two workers ever run for the
// same stage, and a late Post is never stranded — comes from the CAS-guarded
// running flag and the double-check drain loop below, not from the queue's
// internal locking.
type loop struct {
	dispatch dispatchFunc

	mu      sync.Mutex
	queue   []wire.RoutePacket
	running bool
}

func newLoop(dispatch dispatchFunc) *loop {
	return &loop{dispatch: dispatch}
}

// post enqueues pkt and, if no worker is currently draining this loop,
// spawns one. This is the Post operation of spec §4.7.
func (l *loop) post(pkt wire.RoutePacket) {
	l.mu.Lock()
	l.queue = append(l.queue, pkt)
	shouldSpawn := !l.running
	if shouldSpawn {
		l.running = true
	}
	l.mu.Unlock()

	if shouldSpawn {
		go l.drain()
	}
}

// drain is the worker body of spec §4.7: dequeue-and-dispatch until empty,
// then the double-check that closes the race between a Post arriving and
// the worker declaring itself idle. The spec's algorithm describes the
// check as "running := false; if queue non-empty, CAS running false→true to
// keep going" — here the empty-check and the running flag live under the
// same mutex, so the two steps collapse into one atomic decision: still
// holding the lock, if the queue gained a packet while we were dispatching
// the last batch, keep running and loop; otherwise clear running and
// return. Either way a concurrent post() is fully serialized against this
// decision by the same mutex, so no packet can ever be enqueued into a loop
// that has already decided to stop without that post() observing
// running==false and spawning its own worker.
func (l *loop) drain() {
	for {
		for {
			pkt, ok := l.dequeue()
			if !ok {
				break
			}
			l.dispatch(pkt)
		}

		l.mu.Lock()
		if len(l.queue) > 0 {
			l.mu.Unlock()
			continue
		}
		l.running = false
		l.mu.Unlock()
		return
	}
}

func (l *loop) dequeue() (wire.RoutePacket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return wire.RoutePacket{}, false
	}
	pkt := l.queue[0]
	l.queue[0] = wire.RoutePacket{} // drop the reference promptly
	l.queue = l.queue[1:]
	return pkt, true
}

// depth reports the current queue length, for diagnostics/metrics.
func (l *loop) depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
