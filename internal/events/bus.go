// Package events carries session lifecycle notifications between the
// orchestrator and in-process observers.
package events

import (
	"sync"
	"time"
)

// Event is one session lifecycle notification.
type Event interface {
	Session() string
}

// Transition is published whenever a session changes state.
type Transition struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	At        time.Time `json:"at"`
}

func (t Transition) Session() string { return t.SessionID }

// SinkResult is published when one sink's delivery reaches a terminal status.
type SinkResult struct {
	SessionID string    `json:"session_id"`
	Sink      string    `json:"sink"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func (s SinkResult) Session() string { return s.SessionID }

// Bus fans session events out to in-process subscribers. Publishing never
// blocks; a slow subscriber misses events.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
