package resolver

import (
	"sync"
	"testing"
	"time"

	"playhouse/wire"
)

type fakeSender struct {
	mu  sync.Mutex
	out []wire.RoutePacket
}

func (f *fakeSender) Send(_ wire.Nid, pkt wire.RoutePacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, pkt)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

type fakeController struct {
	mu    sync.Mutex
	peers []ServerInfo
	calls int
}

func (f *fakeController) UpdateServerInfo(self ServerInfo) ([]ServerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.peers, nil
}

type fakeConnector struct {
	mu        sync.Mutex
	connected map[wire.Nid]string
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{connected: make(map[wire.Nid]string)}
}

func (f *fakeConnector) Connect(nid wire.Nid, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[nid] = addr
}

func TestPublisherMergesPeersFromSystemController(t *testing.T) {
	registry := NewRegistry(time.Minute)
	tr := &fakeSender{}
	controller := &fakeController{peers: []ServerInfo{
		{Nid: "1:2", MeshAddr: "10.0.0.2:9100", Services: []uint16{1}, SeenAt: time.Now()},
	}}
	connector := newFakeConnector()

	p := NewPublisher(func() ServerInfo {
		return ServerInfo{Nid: "1:1", MeshAddr: "10.0.0.1:9100"}
	}, tr, func() []wire.Nid { return []wire.Nid{"1:1"} }, registry, time.Hour)
	p.UseSystemController(controller, connector)

	p.tick()

	if controller.calls != 1 {
		t.Fatalf("expected the system controller to be consulted once, got %d", controller.calls)
	}
	if _, ok := registry.Get("1:2"); !ok {
		t.Fatal("expected the peer the controller reported to be merged into the registry")
	}
	connector.mu.Lock()
	addr, connected := connector.connected["1:2"]
	connector.mu.Unlock()
	if !connected || addr != "10.0.0.2:9100" {
		t.Fatalf("expected a newly-discovered peer to be connected, got %q connected=%v", addr, connected)
	}
}

func TestPublisherDoesNotReconnectAlreadyKnownPeer(t *testing.T) {
	registry := NewRegistry(time.Minute)
	registry.Heartbeat(ServerInfo{Nid: "1:2", MeshAddr: "10.0.0.2:9100", SeenAt: time.Now()})
	tr := &fakeSender{}
	controller := &fakeController{peers: []ServerInfo{
		{Nid: "1:2", MeshAddr: "10.0.0.2:9100", SeenAt: time.Now()},
	}}
	connector := newFakeConnector()

	p := NewPublisher(func() ServerInfo {
		return ServerInfo{Nid: "1:1", MeshAddr: "10.0.0.1:9100"}
	}, tr, func() []wire.Nid { return []wire.Nid{"1:1"} }, registry, time.Hour)
	p.UseSystemController(controller, connector)

	p.tick()

	connector.mu.Lock()
	defer connector.mu.Unlock()
	if len(connector.connected) != 0 {
		t.Fatalf("expected no reconnect for an already-known peer, got %v", connector.connected)
	}
}

func TestPublisherWithoutSystemControllerSkipsReporting(t *testing.T) {
	registry := NewRegistry(time.Minute)
	tr := &fakeSender{}
	p := NewPublisher(func() ServerInfo {
		return ServerInfo{Nid: "1:1", MeshAddr: "10.0.0.1:9100"}
	}, tr, func() []wire.Nid { return []wire.Nid{"1:1"} }, registry, time.Hour)

	p.tick()

	if tr.count() != 1 {
		t.Fatalf("expected exactly one heartbeat send, got %d", tr.count())
	}
}
