// Package timer implements the stage timer subsystem of spec §4.10 (C12).
// A timer never invokes user code directly from its own goroutine — each
// tick is wrapped into a RoutePacket and handed to a Poster, which is the
// owning stage's intake, so ticks run serialized with every other message
// the stage receives (spec §4.7, §4.10).
package timer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"playhouse/payload"
	"playhouse/wire"
)

// MsgStageTimerTick is duplicated here (rather than imported from package
// stage) to keep timer free of a dependency on stage; package stage imports
// timer, not the reverse.
const MsgStageTimerTick = "_StageTimerTick"

// MinInterval is the smallest period or initial delay a timer may be
// registered with (spec §4.10 edge cases).
const MinInterval = 10 * time.Millisecond

// Poster is the minimal capability a timer needs: hand a tick packet to the
// owning stage's intake. Implemented by *stage.Stage.
type Poster interface {
	Post(pkt wire.RoutePacket)
}

// entry tracks one live timer. payload is the template Retain()'d for each
// tick (nil if the timer carries none); the Set releases it once the timer
// can no longer fire, since it was never handed off for a stage dispatch to
// release itself.
type entry struct {
	id        int64
	timer     *time.Timer
	cancelled atomic.Bool
	payload   *payload.Payload
}

// Set owns every timer registered against one stage. Not safe to share
// across stages — each Stage owns exactly one Set.
type Set struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*entry
}

// NewSet returns an empty timer set.
func NewSet() *Set {
	return &Set{entries: make(map[int64]*entry)}
}

func (s *Set) allocID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// AddRepeat schedules a timer that fires every period, forever, starting
// after initial. Each tick packet carries msgID as its MsgID and a copy of p
// as its payload, so the stage's OnDispatch can tell which logical timer
// fired beyond the numeric id.
func (s *Set) AddRepeat(poster Poster, initial, period time.Duration, msgID string, p *payload.Payload) (int64, error) {
	if initial < MinInterval || period < MinInterval {
		return 0, fmt.Errorf("timer: interval must be >= %s", MinInterval)
	}
	id := s.allocID()
	e := &entry{id: id, payload: p}

	var schedule func(time.Duration)
	schedule = func(d time.Duration) {
		e.timer = time.AfterFunc(d, func() {
			if e.cancelled.Load() {
				return
			}
			poster.Post(tickPacket(id, msgID, tickPayload(p)))
			schedule(period)
		})
	}
	schedule(initial)

	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
	return id, nil
}

// AddCount schedules a timer that fires exactly count times, every period,
// starting after initial, then retires itself.
func (s *Set) AddCount(poster Poster, initial, period time.Duration, count int, msgID string, p *payload.Payload) (int64, error) {
	if initial < MinInterval || period < MinInterval {
		return 0, fmt.Errorf("timer: interval must be >= %s", MinInterval)
	}
	if count <= 0 {
		return 0, fmt.Errorf("timer: count must be positive")
	}
	id := s.allocID()
	e := &entry{id: id, payload: p}
	remaining := count

	var schedule func(time.Duration)
	schedule = func(d time.Duration) {
		e.timer = time.AfterFunc(d, func() {
			if e.cancelled.Load() {
				return
			}
			poster.Post(tickPacket(id, msgID, tickPayload(p)))
			remaining--
			if remaining > 0 {
				schedule(period)
				return
			}
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
			if p != nil {
				p.Release()
			}
		})
	}
	schedule(initial)

	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
	return id, nil
}

// Cancel stops a live timer. A no-op if id is unknown or already fired out
// (a non-repeating count timer that has exhausted its count).
func (s *Set) Cancel(id int64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	e.cancelled.Store(true)
	e.timer.Stop()
	if e.payload != nil {
		e.payload.Release()
	}
}

// CancelAll stops every live timer, e.g. as a stage closes (spec §4.3).
func (s *Set) CancelAll() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[int64]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		e.cancelled.Store(true)
		e.timer.Stop()
		if e.payload != nil {
			e.payload.Release()
		}
	}
}

// Len reports the number of live timers, for diagnostics.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// tickPayload returns an independently-owned copy of p for one tick's
// packet. A stage releases every dispatched packet's payload as soon as its
// handler returns (spec §5: "released once the handler completes"); a
// repeat/count timer reusing the same *payload.Payload pointer across ticks
// would hand tick 2 an already-released payload the moment tick 1's
// dispatch finishes. Retain gives every tick its own copy instead. Errors
// (the source payload already released by something else) are logged and
// degrade to no payload rather than posting one that would fail to read.
func tickPayload(p *payload.Payload) *payload.Payload {
	if p == nil {
		return nil
	}
	cp, err := p.Retain()
	if err != nil {
		slog.Warn("timer: failed to retain tick payload", "err", err)
		return nil
	}
	return cp
}

// tickPacket wraps a fired timer into the base message a stage dispatches
// on its own intake. The caller-supplied msgID distinguishes which logical
// timer fired (a stage may register several); TimerID distinguishes which
// registration, for Cancel.
func tickPacket(timerID int64, msgID string, p *payload.Payload) wire.RoutePacket {
	return wire.RoutePacket{
		Header: wire.RouteHeader{
			MsgID:   msgID,
			TimerID: timerID,
		},
		Payload: p,
	}
}
