package service

import (
	"sync"

	"canvas-sync/internal/domain"
)

type EventKind string

const (
	EventConnectivity EventKind = "connectivity"
	EventChanged      EventKind = "changed"
	EventAcked        EventKind = "acked"
	EventFailed       EventKind = "failed"
	EventRebased      EventKind = "rebased"
	EventSaved        EventKind = "saved"
	EventFlushed      EventKind = "flushed"
)

type Event struct {
	DocumentID string                   `json:"document_id,omitempty"`
	Kind       EventKind                `json:"kind"`
	State      domain.ConnectivityState `json:"state"`
	Revision   int64                    `json:"revision"`
	Outbox     domain.OutboxCount       `json:"outbox"`
	OpID       string                   `json:"op_id,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// broker fans events out to subscribers. Slow subscribers miss events
// rather than block the engine.
type broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan Event)}
}

func (b *broker) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *broker) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
