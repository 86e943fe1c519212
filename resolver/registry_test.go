package resolver

import (
	"testing"
	"time"

	"playhouse/sender"
	"playhouse/wire"
)

func TestHeartbeatThenResolveRoundRobin(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Heartbeat(ServerInfo{Nid: "1:1", Services: []uint16{7}, SeenAt: time.Now()})
	r.Heartbeat(ServerInfo{Nid: "1:2", Services: []uint16{7}, SeenAt: time.Now()})

	seen := map[wire.Nid]bool{}
	for i := 0; i < 2; i++ {
		nid, ok := r.ResolveService(7, sender.RoundRobin, "")
		if !ok {
			t.Fatalf("expected a resolved peer")
		}
		seen[nid] = true
	}
	if len(seen) != 2 {
		t.Fatalf("expected round robin to visit both peers, got %v", seen)
	}
}

func TestResolveServiceWithNoHostsFails(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Heartbeat(ServerInfo{Nid: "1:1", Services: []uint16{7}, SeenAt: time.Now()})

	if _, ok := r.ResolveService(99, sender.RoundRobin, ""); ok {
		t.Fatalf("expected no candidate for unhosted service")
	}
}

func TestConsistentResolvePicksSameServerForSameKey(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Heartbeat(ServerInfo{Nid: "1:1", Services: []uint16{7}, SeenAt: time.Now()})
	r.Heartbeat(ServerInfo{Nid: "1:2", Services: []uint16{7}, SeenAt: time.Now()})
	r.Heartbeat(ServerInfo{Nid: "1:3", Services: []uint16{7}, SeenAt: time.Now()})

	first, ok := r.ResolveService(7, sender.Consistent, "player-42")
	if !ok {
		t.Fatalf("expected a resolved peer")
	}
	for i := 0; i < 5; i++ {
		next, ok := r.ResolveService(7, sender.Consistent, "player-42")
		if !ok || next != first {
			t.Fatalf("consistent policy should repeatedly pick %s, got %s", first, next)
		}
	}
}

func TestPurgeEvictsStaleEntries(t *testing.T) {
	r := NewRegistry(time.Millisecond)
	r.Heartbeat(ServerInfo{Nid: "1:1", SeenAt: time.Now().Add(-time.Hour)})

	evicted := r.Purge(time.Now())
	if len(evicted) != 1 || evicted[0] != "1:1" {
		t.Fatalf("expected 1:1 to be evicted, got %v", evicted)
	}
	if _, ok := r.Get("1:1"); ok {
		t.Fatalf("expected entry to be gone after purge")
	}
}
