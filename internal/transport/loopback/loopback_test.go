package loopback_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/transport"
	"github.com/zhouzirui/pairchat/internal/transport/loopback"
)

func dialPair(t *testing.T, hub *loopback.Hub) (transport.Channel, transport.Channel) {
	t.Helper()
	ctx := context.Background()
	a, err := hub.Dial(ctx, transport.Target{Endpoint: "loop", SessionID: "s1", Peer: "a"})
	require.NoError(t, err)
	b, err := hub.Dial(ctx, transport.Target{Endpoint: "loop", SessionID: "s1", Peer: "b"})
	require.NoError(t, err)
	return a, b
}

func next(t *testing.T, c transport.Channel) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return transport.Event{}
	}
}

func TestSendReachesPeer(t *testing.T) {
	hub := loopback.NewHub()
	a, b := dialPair(t, hub)

	require.NoError(t, a.Send(context.Background(), []byte("hi")))
	ev := next(t, b)
	assert.Equal(t, transport.EventMessage, ev.Kind)
	assert.Equal(t, []byte("hi"), ev.Data)
}

func TestHoldAndRelease(t *testing.T) {
	hub := loopback.NewHub()
	a, b := dialPair(t, hub)
	hub.SetFilter(func(from pairing.Identity, data []byte) loopback.Verdict {
		switch string(data) {
		case "drop":
			return loopback.Drop
		case "hold":
			return loopback.Hold
		}
		return loopback.Deliver
	})

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, []byte("drop")))
	require.NoError(t, a.Send(ctx, []byte("hold")))
	require.NoError(t, a.Send(ctx, []byte("pass")))

	assert.Equal(t, []byte("pass"), next(t, b).Data)
	assert.Equal(t, 1, hub.Release())
	assert.Equal(t, []byte("hold"), next(t, b).Data)
}

func TestDisconnectAndReconnect(t *testing.T) {
	hub := loopback.NewHub()
	a, b := dialPair(t, hub)

	hub.DisconnectAll(nil)
	assert.Equal(t, transport.EventDisconnect, next(t, a).Kind)
	assert.Equal(t, transport.EventDisconnect, next(t, b).Kind)
	assert.ErrorIs(t, a.Send(context.Background(), []byte("x")), transport.ErrDisconnected)

	hub.ReconnectAll()
	assert.Equal(t, transport.EventReconnect, next(t, a).Kind)
	require.NoError(t, a.Send(context.Background(), []byte("back")))
	assert.Equal(t, transport.EventReconnect, next(t, b).Kind)
	assert.Equal(t, []byte("back"), next(t, b).Data)
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := loopback.NewHub()
	a, _ := dialPair(t, hub)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, ok := <-a.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, a.Send(context.Background(), nil), transport.ErrClosed)
}
