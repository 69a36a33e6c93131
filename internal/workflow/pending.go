package workflow

import (
	"sort"
	"sync"
	"time"
)

// PendingCall tracks one issued request awaiting its answer.
type PendingCall struct {
	ID       int64
	Function string
	IssuedAt time.Time
}

// Pending maps issued request ids to what the workflow is waiting for.
type Pending struct {
	mu    sync.RWMutex
	items map[int64]PendingCall
}

func NewPending() *Pending {
	return &Pending{
		items: make(map[int64]PendingCall),
	}
}

// Track records call. Control ids (<= 0) are never tracked.
func (p *Pending) Track(call PendingCall) {
	if call.ID <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[call.ID] = call
}

// Resolve removes and returns the entry for id.
func (p *Pending) Resolve(id int64) (PendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[id]
	if ok {
		delete(p.items, id)
	}
	return item, ok
}

func (p *Pending) Get(id int64) (PendingCall, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.items[id]
	return item, ok
}

func (p *Pending) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

func (p *Pending) List() []PendingCall {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingCall, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Expired lists calls issued more than ttl before now, oldest id first.
func (p *Pending) Expired(now time.Time, ttl time.Duration) []PendingCall {
	if ttl <= 0 {
		return nil
	}
	var out []PendingCall
	for _, item := range p.List() {
		if now.Sub(item.IssuedAt) > ttl {
			out = append(out, item)
		}
	}
	return out
}
