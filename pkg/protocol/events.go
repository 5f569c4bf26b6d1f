package protocol

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionStatus is the lifecycle state of a long-lived connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	}
	return "disconnected"
}

// EventType tells what an Event carries.
type EventType int

const (
	EventMessage EventType = iota
	EventError
	EventStatus
)

// Event is an inbound notification from a streaming handler.
type Event struct {
	Type   EventType
	Data   []byte
	Err    error
	Status ConnectionStatus
	Time   time.Time
}

// DefaultEventBuffer is the capacity of an event channel when none is configured.
const DefaultEventBuffer = 256

// eventQueue is a bounded, order-preserving event channel. When the reader
// falls behind new events are dropped and counted.
type eventQueue struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

func newEventQueue(size int) *eventQueue {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	return &eventQueue{ch: make(chan Event, size)}
}

func (q *eventQueue) publish(ev Event) bool {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- ev:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
