package protocol

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

// DefaultWebSocketUserAgent identifies the client during the upgrade.
const DefaultWebSocketUserAgent = "FlowDriver WebSocket Client"

// WebSocketOptions tunes the WebSocket client.
type WebSocketOptions struct {
	HandshakeTimeout time.Duration
	EventBuffer      int
}

// reservedHandshakeHeaders are generated by the dialer and must not be
// supplied by callers.
var reservedHandshakeHeaders = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
}

// WebSocketClient implements Handler over a single WebSocket connection.
// Inbound frames are delivered on Events unless an Execute call is waiting
// for its reply.
type WebSocketClient struct {
	opts   WebSocketOptions
	log    hclog.Logger
	dialer *streamDialer
	events *eventQueue

	mu       sync.Mutex
	conn     *websocket.Conn
	readDone chan struct{}
	waiter   chan []byte

	writeMu sync.Mutex
	callMu  sync.Mutex
}

// NewWebSocketClient creates an unconnected WebSocket client.
func NewWebSocketClient(cfg ClientConfig) *WebSocketClient {
	log := cfg.logger("websocket")
	opts := cfg.WebSocket
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 45 * time.Second
	}
	return &WebSocketClient{
		opts:   opts,
		log:    log,
		dialer: newStreamDialer(cfg, log),
		events: newEventQueue(opts.EventBuffer),
	}
}

// Events returns the channel inbound messages, errors and status changes
// are delivered on. It is closed by Close.
func (c *WebSocketClient) Events() <-chan Event { return c.events.ch }

// Dropped returns the number of events discarded because the channel was full.
func (c *WebSocketClient) Dropped() int64 { return c.events.dropped.Load() }

// Connected reports whether a connection is open.
func (c *WebSocketClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the connection described by req, replacing any existing one.
func (c *WebSocketClient) Connect(ctx context.Context, req *Request) error {
	if req == nil || strings.TrimSpace(req.URL) == "" {
		return Errorf(KindInvalidConfig, "url is required")
	}

	headers := req.Headers.Clone()
	rawURL, err := applyRequestAuth(req, &headers)
	if err != nil {
		return err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Wrap(KindInvalidConfig, err, "parse url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Errorf(KindInvalidConfig, "websocket url must use ws or wss, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return Errorf(KindInvalidConfig, "url %q has no host", rawURL)
	}

	c.disconnect()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var m Metrics
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return c.dialer.dial(ctx, host, port, false, &m)
		},
		NetDialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return c.dialer.dial(ctx, host, port, true, &m)
		},
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}

	hdr := http.Header{}
	for _, h := range headers {
		name := http.CanonicalHeaderKey(h.Name)
		if reservedHandshakeHeaders[name] {
			c.log.Debug("skipping reserved handshake header", "header", h.Name)
			continue
		}
		hdr.Add(name, h.Value)
	}
	if hdr.Get("User-Agent") == "" {
		hdr.Set("User-Agent", DefaultWebSocketUserAgent)
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, hdr)
	if err != nil {
		if resp != nil {
			return &Error{Kind: KindProtocol, Msg: "websocket upgrade rejected with status " + resp.Status, Err: err}
		}
		if ctx.Err() != nil {
			return ioError(ctx, err, "websocket connect")
		}
		return Wrap(KindNetwork, err, "websocket connect")
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.readDone = done
	c.mu.Unlock()

	go c.readLoop(conn, done)

	c.log.Info("connected", "url", u.Redacted(), "dns", m.DNS, "connect", m.Connect, "tls", m.TLS)
	c.events.publish(Event{Type: EventStatus, Status: StatusConnected})
	return nil
}

// readLoop owns all reads on conn until it fails or is closed.
func (c *WebSocketClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				c.log.Debug("read failed", "error", err)
				c.events.publish(Event{Type: EventError, Err: Wrap(KindNetwork, err, "websocket read")})
			}
			c.events.publish(Event{Type: EventStatus, Status: StatusDisconnected})
			return
		}

		c.mu.Lock()
		w := c.waiter
		c.waiter = nil
		c.mu.Unlock()

		if w != nil {
			w <- data
			continue
		}
		c.events.publish(Event{Type: EventMessage, Data: data})
	}
}

// ExecuteAsync sends req.Body and resolves with the next inbound message.
func (c *WebSocketClient) ExecuteAsync(ctx context.Context, req *Request) *Future {
	if err := Validate(req); err != nil {
		return Failed(err)
	}
	return Go(ctx, func(ctx context.Context) (*Response, error) {
		return c.request(ctx, req)
	})
}

// Execute sends req.Body and waits for the reply.
func (c *WebSocketClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	return Await(ctx, c.ExecuteAsync(ctx, req))
}

func (c *WebSocketClient) request(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	reply := make(chan []byte, 1)
	c.mu.Lock()
	conn, done := c.conn, c.readDone
	if conn == nil {
		c.mu.Unlock()
		return nil, Errorf(KindInvalidState, "websocket not connected")
	}
	c.waiter = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.waiter == reply {
			c.waiter = nil
		}
		c.mu.Unlock()
	}()

	if err := c.write(conn, req.Body); err != nil {
		return nil, Wrap(KindNetwork, err, "send message")
	}

	select {
	case data := <-reply:
		return &Response{
			StatusCode: http.StatusOK,
			Body:       data,
			Metrics: Metrics{
				FirstByte:     time.Since(start),
				Total:         time.Since(start),
				BytesSent:     int64(len(req.Body)),
				BytesReceived: int64(len(data)),
			},
		}, nil
	case <-done:
		return nil, Errorf(KindNetwork, "connection closed before a reply arrived")
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, Errorf(KindTimeout, "no reply within %s", time.Since(start).Round(time.Millisecond))
		}
		return nil, Wrap(KindNetwork, ctx.Err(), "waiting for reply")
	}
}

// Send writes payload without waiting for a reply.
func (c *WebSocketClient) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return Errorf(KindInvalidState, "websocket not connected")
	}
	if err := ctx.Err(); err != nil {
		return Wrap(KindNetwork, err, "send message")
	}
	if err := c.write(conn, payload); err != nil {
		return Wrap(KindNetwork, err, "send message")
	}
	return nil
}

func (c *WebSocketClient) write(conn *websocket.Conn, payload []byte) error {
	kind := websocket.TextMessage
	if !utf8.Valid(payload) {
		kind = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(kind, payload)
}

// Cancel closes the connection gracefully.
func (c *WebSocketClient) Cancel() {
	c.disconnect()
}

// Close closes the connection and the event channel.
func (c *WebSocketClient) Close() error {
	c.disconnect()
	c.events.close()
	return nil
}

// disconnect sends a normal closure, waits briefly for the peer to answer
// and joins the read loop.
func (c *WebSocketClient) disconnect() {
	c.mu.Lock()
	conn, done := c.conn, c.readDone
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}

	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !isTeardownError(err) {
		c.log.Debug("close frame not sent", "error", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
	}
	conn.Close()
	<-done

	c.log.Info("disconnected")
}
