package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHub_PublishSubscribe(t *testing.T) {
	h := NewHub[int]()

	a := h.Subscribe(t.Context())
	b := h.Subscribe(t.Context())

	h.Publish(1)
	h.Publish(2)

	require.Equal(t, 1, <-a)
	require.Equal(t, 2, <-a)
	require.Equal(t, 1, <-b)
	require.Equal(t, 2, <-b)
}

func TestHub_SubscriberCancel(t *testing.T) {
	h := NewHub[int]()

	ctx, cancel := context.WithCancel(t.Context())
	ch := h.Subscribe(ctx)
	cancel()

	// channel must eventually close; publishes after cancel are not delivered
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	h := NewHub[string]()
	ch := h.Subscribe(t.Context())

	h.Close()
	_, ok := <-ch
	require.False(t, ok)

	// publish after close is a no-op
	h.Publish("x")

	// subscribe after close returns a closed channel
	ch2 := h.Subscribe(t.Context())
	_, ok = <-ch2
	require.False(t, ok)
}
