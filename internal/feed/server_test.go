package feed

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/meridianfx/execgate/internal/reconnect"
)

func dialFeed(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	url := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func waitForSubscribers(t *testing.T, server *Server, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.subs) == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	server := NewServer("127.0.0.1:0")
	conn := dialFeed(t, server)
	waitForSubscribers(t, server, 1)

	server.OnConnectionLost(reconnect.Event{
		Kind:         reconnect.EventConnectionLost,
		ConnectionID: "conn-1",
		Detail:       "read timeout",
		At:           time.Now(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	kind, payload, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, kind)

	var got frame
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "connection_lost", got.Event)
	require.Equal(t, "conn-1", got.ConnectionID)
	require.Equal(t, "read timeout", got.Detail)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	server := NewServer("127.0.0.1:0")

	// a subscriber with no reader and no buffer can never accept a frame
	stuck := &subscriber{ch: make(chan []byte)}
	server.mu.Lock()
	server.subs[stuck] = struct{}{}
	server.mu.Unlock()

	server.OnReconnectionStarted(reconnect.Event{
		Kind:         reconnect.EventReconnectionStarted,
		ConnectionID: "conn-1",
		At:           time.Now(),
	})

	waitForSubscribers(t, server, 0)
	_, open := <-stuck.ch
	require.False(t, open, "dropped subscriber channel must be closed")
}

func TestShutdownClosesSubscribers(t *testing.T) {
	server := NewServer("127.0.0.1:0")
	conn := dialFeed(t, server)
	waitForSubscribers(t, server, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	require.Error(t, err)
}

func TestStartAndShutdown(t *testing.T) {
	server := NewServer("127.0.0.1:0")
	addr, err := server.Start()
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
}
