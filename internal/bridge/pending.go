package bridge

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingCall is one in-flight call as seen by Client.Pending.
type PendingCall struct {
	CallID        string
	Operation     string
	Endpoint      string
	CorrelationID string
	Attempts      int
	Probes        int
	StartedAt     time.Time
	LastAttemptAt time.Time
	LastError     string
}

type pendingTable struct {
	mu    sync.RWMutex
	items map[string]PendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{items: make(map[string]PendingCall)}
}

func (p *pendingTable) Upsert(item PendingCall) {
	key := strings.TrimSpace(item.CallID)
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[key] = item
}

func (p *pendingTable) MarkAttempt(callID, correlationID string, at time.Time) (PendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[callID]
	if !ok {
		return PendingCall{}, false
	}
	item.Attempts++
	item.CorrelationID = correlationID
	item.LastAttemptAt = at
	p.items[callID] = item
	return item, true
}

func (p *pendingTable) MarkProbe(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.items[callID]; ok {
		item.Probes++
		p.items[callID] = item
	}
}

func (p *pendingTable) MarkError(callID string, err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.items[callID]; ok {
		item.LastError = err.Error()
		p.items[callID] = item
	}
}

func (p *pendingTable) Remove(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, callID)
}

func (p *pendingTable) Get(callID string) (PendingCall, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.items[callID]
	return item, ok
}

func (p *pendingTable) List() []PendingCall {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingCall, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].CallID < out[j].CallID
	})
	return out
}
