package stage

import (
	"fmt"
	"sync"
	"sync/atomic"

	"playhouse/sender"
	"playhouse/wire"
)

// Factory constructs a fresh IStage implementation for a given stage type.
// Registered per stage type by the composition root (spec §4.8, C14
// UseStage).
type Factory func() IStage

// Pool owns every live Stage on one Play server process (spec §4.8 C10).
type Pool struct {
	self     wire.Nid
	sender   *sender.MeshSender
	sessions SessionRegistry

	nextID int64

	mu        sync.RWMutex
	factories map[string]Factory
	stages    map[int64]*Stage
}

// NewPool constructs an empty stage pool.
func NewPool(self wire.Nid, ms *sender.MeshSender, sessions SessionRegistry) *Pool {
	return &Pool{
		self:      self,
		sender:    ms,
		sessions:  sessions,
		factories: make(map[string]Factory),
		stages:    make(map[int64]*Stage),
	}
}

// Register associates stageType with a Factory. Must be called before any
// CreateStage for that type (spec §4.8, C14 UseStage).
func (p *Pool) Register(stageType string, f Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[stageType] = f
}

// CreateStage allocates a new stage of stageType with a server-assigned id,
// posts its creation message, and registers it in the pool. Returns
// ErrUnknownStageType if no factory was registered. Use this for a
// matchmaking-style create with no caller-meaningful id.
func (p *Pool) CreateStage(stageType string) (*Stage, error) {
	id := atomic.AddInt64(&p.nextID, 1)
	return p.createWithID(id, stageType)
}

func (p *Pool) createWithID(id int64, stageType string) (*Stage, error) {
	p.mu.RLock()
	f, ok := p.factories[stageType]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stage: %w: %s", ErrUnknownStageType, stageType)
	}

	st := New(id, stageType, p.self, f(), p.sender, p.sessions)

	p.mu.Lock()
	p.stages[id] = st
	p.mu.Unlock()

	st.Start()
	return st, nil
}

// Get returns the stage with the given id, if it exists and has not yet
// been reaped.
func (p *Pool) Get(id int64) (*Stage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.stages[id]
	return st, ok
}

// GetOrCreate returns the existing stage for id, or creates one keyed by
// that exact id if none exists yet (spec §4.8 CreateJoinStage semantics —
// the caller, typically an Authenticator, picks the id, e.g. a room
// number, and expects to land in the same stage either way).
func (p *Pool) GetOrCreate(id int64, stageType string) (*Stage, error) {
	if st, ok := p.Get(id); ok {
		return st, nil
	}
	return p.createWithID(id, stageType)
}

// Close removes the stage from the pool and then posts it a close message —
// the stage itself finishes draining and runs OnDestroy asynchronously.
func (p *Pool) Close(id int64) {
	p.mu.Lock()
	st, ok := p.stages[id]
	if ok {
		delete(p.stages, id)
	}
	p.mu.Unlock()
	if ok {
		st.Close()
	}
}

// CloseAll closes every live stage, e.g. during server shutdown (spec
// §4.12).
func (p *Pool) CloseAll() {
	p.mu.Lock()
	stages := p.stages
	p.stages = make(map[int64]*Stage)
	p.mu.Unlock()

	for _, st := range stages {
		st.Close()
	}
}

// Len reports the number of currently tracked stages.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}
