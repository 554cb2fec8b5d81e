package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/pairchat/internal/transport"
)

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		name     string
		endpoint string
		want     string
		wantErr  bool
	}{
		{name: "http", endpoint: "http://relay.test", want: "ws://relay.test/ws/abc?peer=p1"},
		{name: "https with path", endpoint: "https://relay.test/chat/", want: "wss://relay.test/chat/ws/abc?peer=p1"},
		{name: "ws kept", endpoint: "ws://relay.test:9000", want: "ws://relay.test:9000/ws/abc?peer=p1"},
		{name: "unsupported scheme", endpoint: "ftp://relay.test", wantErr: true},
		{name: "no host", endpoint: "http://", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EndpointURL(tc.endpoint, "abc", "p1")
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// echoServer upgrades every request and echoes frames back. drop closes every
// live server-side connection.
type echoServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	dials int
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{}
	es.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("peer") == "" {
			http.Error(w, "peer required", http.StatusForbidden)
			return
		}
		conn, err := es.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.conns = append(es.conns, conn)
		es.dials++
		es.mu.Unlock()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(es.Close)
	return es
}

func (es *echoServer) drop() {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, c := range es.conns {
		_ = c.Close()
	}
	es.conns = nil
}

func (es *echoServer) dialCount() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.dials
}

func testOptions() *Options {
	opts := DefaultOptions()
	opts.RetryDelay = 10 * time.Millisecond
	opts.MaxRetryDelay = 50 * time.Millisecond
	opts.MaxRetries = 5
	return opts
}

func nextEvent(t *testing.T, ch transport.Channel) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return transport.Event{}
	}
}

func TestDialSendReceive(t *testing.T) {
	es := newEchoServer(t)
	d := NewDialer(testOptions(), zerolog.Nop())

	ch, err := d.Dial(context.Background(), transport.Target{Endpoint: es.URL, SessionID: "s1", Peer: "p1"})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(context.Background(), []byte(`{"type":"hello"}`)))
	ev := nextEvent(t, ch)
	assert.Equal(t, transport.EventMessage, ev.Kind)
	assert.Equal(t, `{"type":"hello"}`, string(ev.Data))
}

func TestReconnectAfterDrop(t *testing.T) {
	es := newEchoServer(t)
	d := NewDialer(testOptions(), zerolog.Nop())

	ch, err := d.Dial(context.Background(), transport.Target{Endpoint: es.URL, SessionID: "s1", Peer: "p1"})
	require.NoError(t, err)
	defer ch.Close()

	es.drop()
	assert.Equal(t, transport.EventDisconnect, nextEvent(t, ch).Kind)
	assert.Equal(t, transport.EventReconnect, nextEvent(t, ch).Kind)
	require.Eventually(t, func() bool { return es.dialCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Send(context.Background(), []byte("after")))
	ev := nextEvent(t, ch)
	assert.Equal(t, "after", string(ev.Data))
}

func TestDialRefusedIsNotRetried(t *testing.T) {
	es := newEchoServer(t)
	d := NewDialer(testOptions(), zerolog.Nop())

	_, err := d.Dial(context.Background(), transport.Target{Endpoint: es.URL, SessionID: "s1"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "403"), "got %v", err)
	assert.Equal(t, 0, es.dialCount())
}

func TestDialHonoursContext(t *testing.T) {
	opts := testOptions()
	opts.RetryDelay = time.Second
	d := NewDialer(opts, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := d.Dial(ctx, transport.Target{Endpoint: "http://127.0.0.1:1", SessionID: "s1", Peer: "p1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestCloseStopsChannel(t *testing.T) {
	es := newEchoServer(t)
	d := NewDialer(testOptions(), zerolog.Nop())

	ch, err := d.Dial(context.Background(), transport.Target{Endpoint: es.URL, SessionID: "s1", Peer: "p1"})
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	_, ok := <-ch.Events()
	assert.False(t, ok, "events must be closed after Close")
	assert.ErrorIs(t, ch.Send(context.Background(), []byte("x")), transport.ErrClosed)
}
