package protocol

import (
	"encoding/json"
	"sync"
)

// AckFunc sends the reply for an inbound event.
type AckFunc func(args ...any) error

// Event is an inbound named event with its raw arguments.
type Event struct {
	Name string
	Args []json.RawMessage

	mu    sync.Mutex
	ack   AckFunc
	acked bool
}

// NewEvent wraps a decoded event. ack is nil when the sender did not ask for an
// acknowledgement.
func NewEvent(name string, args []json.RawMessage, ack AckFunc) *Event {
	return &Event{Name: name, Args: args, ack: ack}
}

// Arg decodes the i-th argument into a generic value. Arguments that are not
// valid JSON are returned as their raw text and absent arguments as nil.
func (e *Event) Arg(i int) any {
	if i < 0 || i >= len(e.Args) {
		return nil
	}
	var v any
	if err := json.Unmarshal(e.Args[i], &v); err != nil {
		return string(e.Args[i])
	}
	return v
}

// Bind decodes the i-th argument into v.
func (e *Event) Bind(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return ErrInvalidPacket
	}
	return json.Unmarshal(e.Args[i], v)
}

// HasAck reports whether the sender is waiting for an acknowledgement.
func (e *Event) HasAck() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ack != nil && !e.acked
}

// Ack replies to the sender. Only the first call is sent.
func (e *Event) Ack(args ...any) error {
	e.mu.Lock()
	ack, acked := e.ack, e.acked
	e.acked = true
	e.mu.Unlock()

	switch {
	case ack == nil:
		return ErrNoAckRequested
	case acked:
		return ErrAlreadyAcked
	}
	return ack(args...)
}

// EventHandler handles one inbound event.
type EventHandler func(*Event)

// Handlers maps event names to their handler.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewHandlers returns an empty handler registry.
func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[string]EventHandler)}
}

// On registers h for name, replacing any previous handler.
func (h *Handlers) On(name string, handler EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if handler == nil {
		delete(h.handlers, name)
		return
	}
	h.handlers[name] = handler
}

// Off removes the handler for name.
func (h *Handlers) Off(name string) {
	h.On(name, nil)
}

// Dispatch runs the handler registered for ev.Name and reports whether one
// existed.
func (h *Handlers) Dispatch(ev *Event) bool {
	h.mu.RLock()
	handler, ok := h.handlers[ev.Name]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	handler(ev)
	return true
}
