// Package resolver implements the cluster address book of spec §4.4/§4.6
// (C6): every server process periodically publishes its own ServerInfo to
// every peer it knows about, and keeps a TTL-purged view of everyone
// else's. sender.MeshSender consults a Registry through ResolveService to
// turn a logical service id into a concrete peer to route to.
package resolver

import (
	"sync"
	"time"

	"playhouse/sender"
	"playhouse/wire"
)

// defaultServerInfoTTL mirrors the root package's DefaultServerInfoTTL.
// Duplicated rather than imported: the root playhouse package is the
// composition root and imports resolver, so resolver importing back would
// cycle. Composition roots always pass an already-defaulted ttl in
// practice; this only matters for callers that construct a Registry
// directly with a zero value.
const defaultServerInfoTTL = 10 * time.Second

// ServerInfo is what one server process publishes about itself (spec §4.6).
type ServerInfo struct {
	Nid      wire.Nid
	MeshAddr string
	Services []uint16
	Load     int
	SeenAt   time.Time
}

// hosts reports whether this server advertises serviceID.
func (s ServerInfo) hosts(serviceID uint16) bool {
	for _, id := range s.Services {
		if id == serviceID {
			return true
		}
	}
	return false
}

// Registry is the default in-memory directory implementation: a server's
// local view of the cluster, refreshed by received heartbeats and purged of
// anything not heard from within ttl (spec §4.6 edge cases: "a server that
// stops heartbeating must eventually stop receiving routed traffic").
type Registry struct {
	ttl time.Duration

	mu      sync.RWMutex
	servers map[wire.Nid]ServerInfo
	rrCur   map[uint16]int
}

// NewRegistry constructs an empty registry. ttl <= 0 uses DefaultServerInfoTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = defaultServerInfoTTL
	}
	return &Registry{
		ttl:     ttl,
		servers: make(map[wire.Nid]ServerInfo),
		rrCur:   make(map[uint16]int),
	}
}

// Heartbeat records or refreshes info for the server it describes.
func (r *Registry) Heartbeat(info ServerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[info.Nid] = info
}

// Purge removes any server not heard from within the registry's ttl,
// returning the nids it evicted. Intended to run off a ticker.
func (r *Registry) Purge(now time.Time) []wire.Nid {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []wire.Nid
	for nid, info := range r.servers {
		if now.Sub(info.SeenAt) > r.ttl {
			delete(r.servers, nid)
			evicted = append(evicted, nid)
		}
	}
	return evicted
}

// List returns a snapshot of every currently-known server.
func (r *Registry) List() []ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerInfo, 0, len(r.servers))
	for _, info := range r.servers {
		out = append(out, info)
	}
	return out
}

// Get returns the registry's current view of one server.
func (r *Registry) Get(nid wire.Nid) (ServerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.servers[nid]
	return info, ok
}

// ResolveService implements sender.ServiceResolver: it picks one peer
// advertising serviceID according to policy (spec §4.6, §9).
func (r *Registry) ResolveService(serviceID uint16, policy sender.Policy, key string) (wire.Nid, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []ServerInfo
	for _, info := range r.servers {
		if info.hosts(serviceID) {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	switch policy {
	case sender.Consistent:
		idx := hashKey(key) % uint32(len(candidates))
		return candidates[idx].Nid, true
	case sender.Random:
		idx := int(hashKey(key+time.Now().String())) % len(candidates)
		return candidates[idx].Nid, true
	default: // RoundRobin
		idx := r.rrCur[serviceID] % len(candidates)
		r.rrCur[serviceID] = idx + 1
		return candidates[idx].Nid, true
	}
}

// hashKey is a small FNV-1a hash used only to spread Consistent/Random
// picks across candidates; it carries no cryptographic weight.
func hashKey(key string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h
}
