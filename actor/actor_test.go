package actor

import (
	"errors"
	"testing"

	"playhouse/wire"
)

func TestBindUnbindTracksConnectivity(t *testing.T) {
	a := New(1, 100)
	if a.Connected() {
		t.Fatal("expected new actor with no bound session to be disconnected")
	}

	a.Bind(55, func(wire.RoutePacket) error { return nil })
	if !a.Connected() || a.Sid() != 55 {
		t.Fatalf("expected bound actor to be connected with sid 55, got sid=%d connected=%v", a.Sid(), a.Connected())
	}

	a.Unbind()
	if a.Connected() {
		t.Fatal("expected unbound actor to be disconnected")
	}
	if a.DisconnectedFor() <= 0 {
		t.Fatal("expected a positive disconnected duration after Unbind")
	}
}

func TestDisconnectedForZeroWhileConnected(t *testing.T) {
	a := New(1, 100)
	a.Bind(1, func(wire.RoutePacket) error { return nil })
	if a.DisconnectedFor() != 0 {
		t.Fatalf("expected zero disconnected duration while connected, got %v", a.DisconnectedFor())
	}
}

func TestPushFailsWhenNotConnected(t *testing.T) {
	a := New(1, 100)
	err := a.Push(wire.RoutePacket{})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPushDeliversThroughBoundPusher(t *testing.T) {
	a := New(1, 100)
	var got wire.RoutePacket
	a.Bind(7, func(pkt wire.RoutePacket) error {
		got = pkt
		return nil
	})
	want := wire.RoutePacket{Header: wire.RouteHeader{MsgID: "Push"}}
	if err := a.Push(want); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if got.Header.MsgID != "Push" {
		t.Fatalf("expected pusher to receive packet, got %+v", got)
	}
}
