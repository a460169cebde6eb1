package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	// ErrAckCanceled is returned by Ack.Wait when the connection closed before
	// the peer replied.
	ErrAckCanceled = errors.New("protocol: acknowledgement canceled")
	// ErrAlreadyAcked is returned when an inbound event is acknowledged twice.
	ErrAlreadyAcked = errors.New("protocol: event already acknowledged")
	// ErrNoAckRequested is returned when acknowledging an event whose sender
	// did not ask for a reply.
	ErrNoAckRequested = errors.New("protocol: no acknowledgement requested")
)

// Ack is the pending result of an event emitted with an acknowledgement
// request. It resolves exactly once.
type Ack struct {
	id   uint64
	done chan struct{}
	once sync.Once
	args []json.RawMessage
	err  error
}

func newAck(id uint64) *Ack {
	return &Ack{id: id, done: make(chan struct{})}
}

// ID returns the acknowledgement id carried on the wire.
func (a *Ack) ID() uint64 {
	return a.id
}

// Done is closed once the peer replied or the acknowledgement failed.
func (a *Ack) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the peer replies, the acknowledgement fails, or ctx ends.
func (a *Ack) Wait(ctx context.Context) ([]json.RawMessage, error) {
	select {
	case <-a.done:
		return a.args, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Ack) resolve(args []json.RawMessage, err error) bool {
	resolved := false
	a.once.Do(func() {
		a.args = args
		a.err = err
		close(a.done)
		resolved = true
	})
	return resolved
}

// AckRegistry tracks the acknowledgements a connection is waiting for.
type AckRegistry struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Ack
	closed  bool
}

// NewAckRegistry returns an empty registry.
func NewAckRegistry() *AckRegistry {
	return &AckRegistry{pending: make(map[uint64]*Ack)}
}

// Register allocates the next id and its pending Ack. After Close, the
// returned Ack is already failed with ErrAckCanceled.
func (r *AckRegistry) Register() *Ack {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	ack := newAck(id)
	if r.closed {
		ack.resolve(nil, ErrAckCanceled)
		return ack
	}
	r.pending[id] = ack
	return ack
}

// Forget drops a pending Ack without resolving it, for emits that never
// reached the wire.
func (r *AckRegistry) Forget(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// Resolve completes the Ack with the given id. It reports false when the id is
// unknown or was already resolved.
func (r *AckRegistry) Resolve(id uint64, args []json.RawMessage) bool {
	r.mu.Lock()
	ack, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	return ack.resolve(args, nil)
}

// Pending returns the number of acknowledgements still outstanding.
func (r *AckRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close fails every pending Ack with ErrAckCanceled.
func (r *AckRegistry) Close() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]*Ack)
	r.closed = true
	r.mu.Unlock()

	for _, ack := range pending {
		ack.resolve(nil, ErrAckCanceled)
	}
}
