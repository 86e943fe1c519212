package apiserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"playhouse/payload"
	"playhouse/reqcache"
	"playhouse/sender"
	"playhouse/wire"
)

type fakeTransport struct {
	mu  sync.Mutex
	out []wire.RoutePacket
}

func (t *fakeTransport) Send(_ wire.Nid, pkt wire.RoutePacket) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = append(t.out, pkt)
	return nil
}

func (t *fakeTransport) last() (wire.RoutePacket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.out) == 0 {
		return wire.RoutePacket{}, false
	}
	return t.out[len(t.out)-1], true
}

func newTestDispatcher(t *testing.T, registry *Registry, workers int) (*Dispatcher, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	cache := reqcache.New()
	ms := sender.New("1:1", tr, cache, nil, time.Second)
	return NewDispatcher(ms, registry, workers, 8), tr
}

func TestDispatcherRunsRegisteredHandler(t *testing.T) {
	registry := NewRegistry()
	called := make(chan struct{}, 1)
	registry.Register("Echo", func(s *sender.ApiSender, pkt wire.RoutePacket) (*wire.RoutePacket, error) {
		called <- struct{}{}
		reply := wire.RoutePacket{Header: wire.RouteHeader{MsgID: "EchoReply"}, Payload: payload.Empty()}
		return &reply, nil
	})

	d, tr := newTestDispatcher(t, registry, 2)
	defer d.Shutdown(context.Background())

	if err := d.Dispatch(wire.RoutePacket{Header: wire.RouteHeader{
		MsgID: "Echo", MsgSeq: 1, From: "1:2",
	}, Payload: payload.Empty()}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tr.last(); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected a reply to have been sent")
}

func TestDispatcherRepliesHandlerNotFound(t *testing.T) {
	d, tr := newTestDispatcher(t, NewRegistry(), 1)
	defer d.Shutdown(context.Background())

	if err := d.Dispatch(wire.RoutePacket{Header: wire.RouteHeader{
		MsgID: "Missing", MsgSeq: 1, From: "1:2",
	}, Payload: payload.Empty()}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pkt, ok := tr.last(); ok {
			if pkt.Header.ErrorCode != wire.ErrHandlerNotFound {
				t.Fatalf("expected ErrHandlerNotFound, got %v", pkt.Header.ErrorCode)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected an error reply")
}

func TestDispatchRejectsAfterShutdown(t *testing.T) {
	d, _ := newTestDispatcher(t, NewRegistry(), 1)
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := d.Dispatch(wire.RoutePacket{Header: wire.RouteHeader{MsgID: "x"}}); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestDispatcherRecoversPanickingHandlerAndRepliesSystemError(t *testing.T) {
	registry := NewRegistry()
	registry.Register("Boom", func(s *sender.ApiSender, pkt wire.RoutePacket) (*wire.RoutePacket, error) {
		panic("synthetic handler panic")
	})
	called := make(chan struct{}, 1)
	registry.Register("Echo", func(s *sender.ApiSender, pkt wire.RoutePacket) (*wire.RoutePacket, error) {
		called <- struct{}{}
		reply := wire.RoutePacket{Header: wire.RouteHeader{MsgID: "EchoReply"}, Payload: payload.Empty()}
		return &reply, nil
	})

	d, tr := newTestDispatcher(t, registry, 1)
	defer d.Shutdown(context.Background())

	if err := d.Dispatch(wire.RoutePacket{Header: wire.RouteHeader{
		MsgID: "Boom", MsgSeq: 1, From: "1:2",
	}, Payload: payload.Empty()}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pkt, ok := tr.last(); ok {
			if pkt.Header.ErrorCode != wire.ErrSystemError {
				t.Fatalf("expected ErrSystemError after a panicking handler, got %v", pkt.Header.ErrorCode)
			}
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := tr.last(); !ok {
		t.Fatal("expected a SystemError reply after the handler panicked")
	}

	// The worker must still be alive and serving subsequent jobs.
	if err := d.Dispatch(wire.RoutePacket{Header: wire.RouteHeader{
		MsgID: "Echo", MsgSeq: 2, From: "1:2",
	}, Payload: payload.Empty()}); err != nil {
		t.Fatalf("dispatch after panic: %v", err)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("worker did not continue processing jobs after a handler panic")
	}
}

func TestDispatchReturnsQueueFullWhenSaturated(t *testing.T) {
	registry := NewRegistry()
	block := make(chan struct{})
	registry.Register("Slow", func(s *sender.ApiSender, pkt wire.RoutePacket) (*wire.RoutePacket, error) {
		<-block
		return nil, nil
	})

	tr := &fakeTransport{}
	cache := reqcache.New()
	ms := sender.New("1:1", tr, cache, nil, time.Second)
	d := NewDispatcher(ms, registry, 1, 1)
	defer func() {
		close(block)
		d.Shutdown(context.Background())
	}()

	fireAndForget := wire.RoutePacket{Header: wire.RouteHeader{MsgID: "Slow"}, Payload: payload.Empty()}
	if err := d.Dispatch(fireAndForget); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	var lastErr error
	for i := 0; i < 4; i++ {
		if err := d.Dispatch(fireAndForget); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull once the queue saturates, got %v", lastErr)
	}
}
