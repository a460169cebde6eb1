package protocol

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckRegistryResolvesOnce(t *testing.T) {
	reg := NewAckRegistry()
	first := reg.Register()
	second := reg.Register()
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 2, reg.Pending())

	assert.True(t, reg.Resolve(first.ID(), []json.RawMessage{json.RawMessage(`"ok"`)}))
	assert.False(t, reg.Resolve(first.ID(), nil), "duplicate reply must not resolve again")
	assert.False(t, reg.Resolve(99, nil))

	args, err := first.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, args, 1)
	assert.JSONEq(t, `"ok"`, string(args[0]))
	assert.Equal(t, 1, reg.Pending())
}

func TestAckRegistryCloseCancelsPending(t *testing.T) {
	reg := NewAckRegistry()
	ack := reg.Register()

	reg.Close()

	select {
	case <-ack.Done():
	case <-time.After(time.Second):
		t.Fatal("pending ack was not failed on close")
	}
	_, err := ack.Wait(context.Background())
	assert.ErrorIs(t, err, ErrAckCanceled)

	late := reg.Register()
	_, err = late.Wait(context.Background())
	assert.ErrorIs(t, err, ErrAckCanceled)
	assert.False(t, reg.Resolve(ack.ID(), nil))
}

func TestAckWaitHonoursContext(t *testing.T) {
	reg := NewAckRegistry()
	ack := reg.Register()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ack.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	reg.Forget(ack.ID())
	assert.Equal(t, 0, reg.Pending())
}

func TestEventAckIsOneShot(t *testing.T) {
	var calls atomic.Int32
	ev := NewEvent("hello", nil, func(args ...any) error {
		calls.Add(1)
		return nil
	})

	assert.True(t, ev.HasAck())
	require.NoError(t, ev.Ack("thanks"))
	assert.ErrorIs(t, ev.Ack(), ErrAlreadyAcked)
	assert.False(t, ev.HasAck())
	assert.Equal(t, int32(1), calls.Load())

	noAck := NewEvent("world", nil, nil)
	assert.False(t, noAck.HasAck())
	assert.ErrorIs(t, noAck.Ack(), ErrNoAckRequested)
}

func TestHandlersDispatch(t *testing.T) {
	h := NewHandlers()
	var got string
	h.On("world", func(ev *Event) { got = ev.Name })

	assert.True(t, h.Dispatch(NewEvent("world", nil, nil)))
	assert.Equal(t, "world", got)
	assert.False(t, h.Dispatch(NewEvent("other", nil, nil)))

	h.Off("world")
	assert.False(t, h.Dispatch(NewEvent("world", nil, nil)))
}
