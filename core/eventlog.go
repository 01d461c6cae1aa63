package core

import (
	"sync"

	"deedvault/core/events"
	"deedvault/core/types"
)

// typedEvent is satisfied by the engine event wrappers that carry a concrete
// payload alongside the events.Event interface.
type typedEvent interface {
	Event() *types.Event
}

// eventLog keeps a bounded in-memory window of engine events and optionally
// forwards them to a downstream emitter (RPC subscribers, indexers).
type eventLog struct {
	mu         sync.Mutex
	capacity   int
	entries    []*types.Event
	downstream events.Emitter
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = 128
	}
	return &eventLog{capacity: capacity}
}

// Emit implements events.Emitter.
func (l *eventLog) Emit(evt events.Event) {
	var payload *types.Event
	if typed, ok := evt.(typedEvent); ok {
		payload = typed.Event()
	}
	l.mu.Lock()
	if payload != nil {
		l.entries = append(l.entries, payload)
		if len(l.entries) > l.capacity {
			l.entries = l.entries[len(l.entries)-l.capacity:]
		}
	}
	downstream := l.downstream
	l.mu.Unlock()
	if downstream != nil {
		downstream.Emit(evt)
	}
}

func (l *eventLog) setDownstream(emitter events.Emitter) {
	l.mu.Lock()
	l.downstream = emitter
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []*types.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*types.Event, len(l.entries))
	copy(out, l.entries)
	return out
}
