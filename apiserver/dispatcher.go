package apiserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"playhouse/sender"
	"playhouse/wire"
)

// ErrQueueFull is returned by Dispatch when the worker pool's job queue is
// saturated (spec §4.11 edge cases: a burst of requests must back-pressure
// the caller rather than grow memory unbounded).
var ErrQueueFull = errors.New("apiserver: dispatch queue full")

// ErrStopped is returned by Dispatch after Shutdown has been called.
var ErrStopped = errors.New("apiserver: dispatcher stopped")

// Dispatcher is a fixed-size worker pool that drains a bounded job queue of
// inbound RoutePackets, dispatching each to its registered handler (spec
// §4.11 C13).
type Dispatcher struct {
	sender   *sender.MeshSender
	registry *Registry

	jobs   chan wire.RoutePacket
	wg     sync.WaitGroup
	stopped atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher constructs a Dispatcher with the given worker count and job
// queue depth, and immediately starts its workers.
func NewDispatcher(ms *sender.MeshSender, registry *Registry, workers, queueDepth int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	d := &Dispatcher{
		sender:   ms,
		registry: registry,
		jobs:     make(chan wire.RoutePacket, queueDepth),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch enqueues pkt for processing. It never blocks: a full queue
// returns ErrQueueFull immediately rather than stalling the transport's
// read loop.
func (d *Dispatcher) Dispatch(pkt wire.RoutePacket) error {
	if d.stopped.Load() {
		return ErrStopped
	}
	select {
	case d.jobs <- pkt:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for pkt := range d.jobs {
		d.handle(pkt)
	}
}

func (d *Dispatcher) handle(pkt wire.RoutePacket) {
	defer pkt.Release()

	scoped := d.sender.WithCurrent(&pkt.Header)
	api := sender.NewApiSender(scoped)

	handler, ok := d.registry.Lookup(pkt.Header.MsgID)
	if !ok {
		slog.Warn("apiserver: no handler registered", "msg_id", pkt.Header.MsgID)
		if !pkt.Header.IsFireAndForget() {
			_ = api.ReplyError(wire.ErrHandlerNotFound)
		}
		return
	}

	reply, err := d.invoke(handler, api, pkt)
	if pkt.Header.IsFireAndForget() {
		if err != nil {
			slog.Warn("apiserver: handler error on fire-and-forget request", "msg_id", pkt.Header.MsgID, "err", err)
		}
		return
	}

	if err != nil {
		slog.Warn("apiserver: handler returned error", "msg_id", pkt.Header.MsgID, "err", err)
		_ = api.ReplyError(wire.ErrSystemError)
		return
	}
	if reply == nil {
		slog.Warn("apiserver: handler returned no reply for a request expecting one", "msg_id", pkt.Header.MsgID)
		return
	}
	if err := api.Reply(*reply); err != nil {
		slog.Warn("apiserver: failed to send reply", "msg_id", pkt.Header.MsgID, "err", err)
	}
}

// invoke runs handler with a recover guard so one panicking handler cannot
// take its worker goroutine down with it (spec §4.11/§7: a caught
// exception becomes a SystemError reply, and the dispatcher keeps serving
// subsequent jobs from the same worker).
func (d *Dispatcher) invoke(handler HandlerFunc, api *sender.ApiSender, pkt wire.RoutePacket) (reply *wire.RoutePacket, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("apiserver: handler panicked, recovered", "msg_id", pkt.Header.MsgID, "panic", r)
			err = fmt.Errorf("apiserver: handler panic: %v", r)
		}
	}()
	return handler(api, pkt)
}

// Shutdown stops accepting new work, lets queued jobs drain, and waits for
// every worker to finish or ctx to expire, whichever comes first (spec
// §4.12: an API server's shutdown drains in-flight requests before the
// process exits, but never blocks it forever).
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopped.Store(true)
	d.closeOnce.Do(func() { close(d.jobs) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("apiserver: shutdown: %w", ctx.Err())
	}
}

// Pending reports how many jobs are currently queued, for observability.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}
