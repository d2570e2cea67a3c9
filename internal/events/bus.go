// Package events is a publish/subscribe bus for operational events.
// Sessions, the reasoning loop and the agent lifecycle publish; the
// websocket stream subscribes. Publish on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceSession   = "session"
	SourceAgent     = "agent"
	SourceLifecycle = "lifecycle"
)

// Kinds. The Data keys each kind carries are listed alongside.
const (
	// request_id, subject, message_len
	KindRequestStart = "request_start"
	// request_id, iterations, steps, tokens_in, tokens_out, elapsed_ms
	KindRequestComplete = "request_complete"
	// request_id, error, kind
	KindRequestError = "request_error"

	// request_id, iter, model, tools
	KindLLMCall = "llm_call"
	// request_id, iter, model, tokens_in, tokens_out, tool_calls
	KindLLMResponse = "llm_response"
	// request_id, tool
	KindToolCall = "tool_call"
	// request_id, tool, ok, duration_ms
	KindToolDone = "tool_done"

	// attempt
	KindInitStart = "init_start"
	// attempt, elapsed_ms
	KindInitReady = "init_ready"
	// attempt, error, timeout
	KindInitFailed = "init_failed"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A full
// subscriber misses events; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room for it. A zero
// Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving published events. Call
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
