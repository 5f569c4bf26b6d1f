package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer starts a server that optionally greets the client, then answers
// every message with reply(msg). A nil reply swallows messages.
func wsServer(t *testing.T, greeting string, reply func(string) string) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Reject") != "" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if greeting != "" {
			conn.WriteMessage(websocket.TextMessage, []byte(greeting))
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if reply == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply(string(msg)))); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextMessage(t *testing.T, events <-chan Event, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed")
			if ev.Type == EventMessage {
				return ev
			}
		case <-deadline:
			t.Fatal("no message event received")
		}
	}
}

func TestWebSocketExecuteEcho(t *testing.T) {
	_, url := wsServer(t, "", func(msg string) string { return "echo: " + msg })

	c := NewWebSocketClient(ClientConfig{})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), &Request{URL: url}))
	assert.True(t, c.Connected())

	for _, msg := range []string{"ping", "second"} {
		resp, err := c.Execute(context.Background(), &Request{URL: url, Method: "SEND", Body: []byte(msg)})
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "echo: "+msg, string(resp.Body))
		assert.Equal(t, int64(len(msg)), resp.Metrics.BytesSent)
	}
}

func TestWebSocketEventsReceivePushedMessages(t *testing.T) {
	_, url := wsServer(t, "welcome", nil)

	c := NewWebSocketClient(ClientConfig{})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), &Request{URL: url}))
	ev := nextMessage(t, c.Events(), 2*time.Second)
	assert.Equal(t, "welcome", string(ev.Data))
}

func TestWebSocketExecuteTimeout(t *testing.T) {
	_, url := wsServer(t, "", nil)

	c := NewWebSocketClient(ClientConfig{})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), &Request{URL: url}))
	_, err := c.Execute(context.Background(), &Request{URL: url, Method: "SEND", Body: []byte("hello?"), Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestWebSocketRequiresConnection(t *testing.T) {
	c := NewWebSocketClient(ClientConfig{})
	defer c.Close()

	_, err := c.Execute(context.Background(), &Request{URL: "ws://localhost", Method: "SEND"})
	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.Equal(t, KindInvalidState, KindOf(c.Send(context.Background(), []byte("x"))))
}

func TestWebSocketRejectsNonWebSocketScheme(t *testing.T) {
	c := NewWebSocketClient(ClientConfig{})
	defer c.Close()

	err := c.Connect(context.Background(), &Request{URL: "http://localhost:1234"})
	assert.Equal(t, KindInvalidConfig, KindOf(err))

	err = c.Connect(context.Background(), &Request{URL: ""})
	assert.Equal(t, KindInvalidConfig, KindOf(err))
}

func TestWebSocketUpgradeRejected(t *testing.T) {
	_, url := wsServer(t, "", nil)

	c := NewWebSocketClient(ClientConfig{})
	defer c.Close()

	err := c.Connect(context.Background(), &Request{URL: url, Headers: Headers{{Name: "X-Reject", Value: "1"}}})
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.Contains(t, err.Error(), "403")
}

func TestWebSocketHandshakeCarriesHeadersAndAuth(t *testing.T) {
	seen := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewWebSocketClient(ClientConfig{})
	defer c.Close()

	err := c.Connect(context.Background(), &Request{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Headers: Headers{
			{Name: "X-Trace", Value: "t-1"},
			{Name: "Connection", Value: "keep-alive"},
		},
		Auth: BasicAuth{Username: "u", Password: "p"},
	})
	require.NoError(t, err)

	h := <-seen
	assert.Equal(t, "t-1", h.Get("X-Trace"))
	assert.Equal(t, "Basic dTpw", h.Get("Authorization"))
	assert.Equal(t, DefaultWebSocketUserAgent, h.Get("User-Agent"))
}

func TestWebSocketCloseJoinsReadLoop(t *testing.T) {
	_, url := wsServer(t, "", func(msg string) string { return msg })

	c := NewWebSocketClient(ClientConfig{})
	require.NoError(t, c.Connect(context.Background(), &Request{URL: url}))

	c.mu.Lock()
	done := c.readDone
	c.mu.Unlock()

	require.NoError(t, c.Close())
	assert.False(t, c.Connected())

	select {
	case <-done:
	default:
		t.Fatal("read loop still running after Close")
	}

	// The event channel is closed once everything drained.
	for range c.Events() {
	}
}

func TestWebSocketCancelThenReconnect(t *testing.T) {
	_, url := wsServer(t, "", func(msg string) string { return "re: " + msg })

	c := NewWebSocketClient(ClientConfig{})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), &Request{URL: url}))
	c.Cancel()
	assert.False(t, c.Connected())

	require.NoError(t, c.Connect(context.Background(), &Request{URL: url}))
	resp, err := c.Execute(context.Background(), &Request{URL: url, Method: "SEND", Body: []byte("again")})
	require.NoError(t, err)
	assert.Equal(t, "re: again", string(resp.Body))
}
