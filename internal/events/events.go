// Package events delivers typed progress events from executions to
// observers. Delivery never blocks the execution path: each subscriber gets
// a buffered channel and events are dropped when the buffer is full.
package events

import (
	"sync"
	"time"
)

// Type identifies what happened.
type Type string

const (
	TypePlanningStarted    Type = "planning_started"
	TypePlanningCompleted  Type = "planning_completed"
	TypePlanRefined        Type = "plan_refined"
	TypeStepStarted        Type = "step_started"
	TypeStepCompleted      Type = "step_completed"
	TypeStepFailed         Type = "step_failed"
	TypeApprovalRequested  Type = "approval_requested"
	TypeApprovalResolved   Type = "approval_resolved"
	TypeRollbackCreated    Type = "rollback_created"
	TypeRollbackApplied    Type = "rollback_applied"
	TypeExecutionPaused    Type = "execution_paused"
	TypeExecutionResumed   Type = "execution_resumed"
	TypeExecutionCancelled Type = "execution_cancelled"
	TypeExecutionCompleted Type = "execution_completed"
	TypeExecutionFailed    Type = "execution_failed"
)

// Event is one observation of execution progress.
type Event struct {
	Type        Type           `json:"type"`
	ExecutionID string         `json:"execution_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// DropHandler is called when a subscriber's buffer is full and an event is
// discarded for it. Used to count drops; must not block.
type DropHandler func(sub string, ev Event)

// Bus fans events out to subscribers. Publish is safe for concurrent use;
// events published from one goroutine arrive at each subscriber in order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	onDrop DropHandler
	closed bool
}

// NewBus creates a Bus. onDrop may be nil.
func NewBus(onDrop DropHandler) *Bus {
	return &Bus{
		subs:   make(map[string]chan Event),
		onDrop: onDrop,
	}
}

// Subscribe registers a named observer and returns its channel. The buffer
// bounds how far the observer may lag before events are dropped for it.
func (b *Bus) Subscribe(name string, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	if old, ok := b.subs[name]; ok {
		close(old)
	}
	b.subs[name] = ch
	return ch
}

// Unsubscribe removes an observer and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[name]; ok {
		close(ch)
		delete(b.subs, name)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish stamps the event and delivers it to every subscriber that has
// buffer room. Slow subscribers lose events rather than stall execution.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for name, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if b.onDrop != nil {
				b.onDrop(name, ev)
			}
		}
	}
}

// Emit is shorthand for Publish with the common fields.
func (b *Bus) Emit(t Type, executionID string, payload map[string]any) {
	b.Publish(Event{Type: t, ExecutionID: executionID, Payload: payload})
}

// Close shuts the bus down and closes all subscriber channels. Publish
// becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, ch := range b.subs {
		close(ch)
		delete(b.subs, name)
	}
}
