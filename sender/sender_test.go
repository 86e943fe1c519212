package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"playhouse/reqcache"
	"playhouse/wire"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []wire.RoutePacket
	to   []wire.Nid
	fail bool
}

func (f *fakeTransport) Send(nid wire.Nid, pkt wire.RoutePacket) error {
	if f.fail {
		return errors.New("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pkt)
	f.to = append(f.to, nid)
	return nil
}

func (f *fakeTransport) last() (wire.Nid, wire.RoutePacket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.sent)
	return f.to[n-1], f.sent[n-1]
}

type fakeResolver struct {
	nid wire.Nid
	ok  bool
}

func (r *fakeResolver) ResolveService(serviceID uint16, policy Policy, key string) (wire.Nid, bool) {
	return r.nid, r.ok
}

func newTestSender(t *testing.T) (*MeshSender, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	self := wire.NewNid(wire.ServicePlay, 1)
	return New(self, tr, reqcache.New(), &fakeResolver{}, time.Second), tr
}

func TestReplyRequiresCurrentHeader(t *testing.T) {
	m, _ := newTestSender(t)
	err := m.Reply(wire.RoutePacket{})
	if !errors.Is(err, ErrNoCurrentHeader) {
		t.Fatalf("expected ErrNoCurrentHeader, got %v", err)
	}
}

func TestReplyRejectsFireAndForget(t *testing.T) {
	m, _ := newTestSender(t)
	from := wire.NewNid(wire.ServiceAPI, 2)
	scoped := m.WithCurrent(&wire.RouteHeader{MsgSeq: 0, From: from})
	err := scoped.Reply(wire.RoutePacket{})
	if !errors.Is(err, ErrFireAndForgetReply) {
		t.Fatalf("expected ErrFireAndForgetReply, got %v", err)
	}
}

func TestReplyAddressesOriginalSender(t *testing.T) {
	m, tr := newTestSender(t)
	from := wire.NewNid(wire.ServiceAPI, 2)
	scoped := m.WithCurrent(&wire.RouteHeader{MsgSeq: 7, MsgID: "Ping", From: from})

	if err := scoped.Reply(wire.RoutePacket{}); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	nid, pkt := tr.last()
	if nid != from {
		t.Errorf("expected reply addressed to %v, got %v", from, nid)
	}
	if !pkt.Header.IsReply || pkt.Header.MsgSeq != 7 {
		t.Errorf("expected reply header echoing msg_seq 7, got %+v", pkt.Header)
	}
}

func TestRequestToApiResolvesOnReply(t *testing.T) {
	m, tr := newTestSender(t)
	target := wire.NewNid(wire.ServiceAPI, 3)

	go func() {
		var seq uint16
		for i := 0; i < 100; i++ {
			time.Sleep(time.Millisecond)
			_, pkt := tr.last()
			if pkt.Header.MsgSeq != 0 {
				seq = pkt.Header.MsgSeq
				break
			}
		}
		if seq == 0 {
			return
		}
		m.Cache.TryComplete(wire.RoutePacket{Header: wire.RouteHeader{
			MsgSeq:    seq,
			ErrorCode: wire.Success,
		}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := m.RequestToApi(ctx, target, wire.RoutePacket{Header: wire.RouteHeader{MsgID: "Echo"}}, 0)
	if err != nil {
		t.Fatalf("expected request to resolve, got %v", err)
	}
}

func TestRequestToApiServiceFailsWithoutInstance(t *testing.T) {
	m, _ := newTestSender(t)
	m.Resolver = &fakeResolver{ok: false}
	_, err := m.RequestToApiService(context.Background(), 1, RoundRobin, "", wire.RoutePacket{}, 0)
	if !errors.Is(err, ErrNoServiceInstance) {
		t.Fatalf("expected ErrNoServiceInstance, got %v", err)
	}
}

func TestRequestUnreachablePeer(t *testing.T) {
	m, tr := newTestSender(t)
	tr.fail = true
	_, err := m.RequestToApi(context.Background(), wire.NewNid(wire.ServiceAPI, 4), wire.RoutePacket{}, time.Second)
	if !errors.Is(err, ErrUnreachablePeer) {
		t.Fatalf("expected ErrUnreachablePeer, got %v", err)
	}
}

func TestActorSenderSendToClient(t *testing.T) {
	m, _ := newTestSender(t)
	var got wire.RoutePacket
	pusher := func(pkt wire.RoutePacket) error {
		got = pkt
		return nil
	}
	actor := NewActorSender(m, 10, 99, pusher)

	if err := actor.SendToClient(wire.RoutePacket{Header: wire.RouteHeader{MsgID: "Push"}}); err != nil {
		t.Fatalf("send to client failed: %v", err)
	}
	if got.Header.AccountID != 99 {
		t.Errorf("expected account_id 99, got %d", got.Header.AccountID)
	}
	if got.Header.MsgID != "Push" {
		t.Errorf("expected msg_id Push, got %q", got.Header.MsgID)
	}
}

func TestActorSenderSendToClientFailsWithoutSession(t *testing.T) {
	m, _ := newTestSender(t)
	actor := NewActorSender(m, 10, 99, nil)
	if err := actor.SendToClient(wire.RoutePacket{}); !errors.Is(err, ErrNoCurrentSession) {
		t.Fatalf("expected ErrNoCurrentSession, got %v", err)
	}
}
