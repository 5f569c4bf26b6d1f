package protocol

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// ZMQOptions tunes the ZeroMQ client.
type ZMQOptions struct {
	// Timeout bounds how long a requester or dealer waits for a reply.
	Timeout time.Duration
	// ReqRepTimeout is the lower bound on Timeout for REQ_REP sockets.
	ReqRepTimeout     time.Duration
	HighWaterMark     int
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	// ReleaseDelay is the pause after a socket is closed, letting the OS
	// release a bound port before the next Configure.
	ReleaseDelay time.Duration
	EventBuffer  int
}

// DefaultZMQOptions returns the options used for zero values.
func DefaultZMQOptions() ZMQOptions {
	return ZMQOptions{
		Timeout:           500 * time.Millisecond,
		ReqRepTimeout:     30 * time.Second,
		HighWaterMark:     1000,
		ReconnectInterval: 100 * time.Millisecond,
		DialTimeout:       5 * time.Second,
		ReleaseDelay:      100 * time.Millisecond,
		EventBuffer:       DefaultEventBuffer,
	}
}

func (o ZMQOptions) withDefaults() ZMQOptions {
	d := DefaultZMQOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.ReqRepTimeout <= 0 {
		o.ReqRepTimeout = d.ReqRepTimeout
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = d.HighWaterMark
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = d.ReconnectInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.ReleaseDelay < 0 {
		o.ReleaseDelay = 0
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	return o
}

// ZMQClient implements Handler for one ZeroMQ socket at a time.
type ZMQClient struct {
	opts   ZMQOptions
	log    hclog.Logger
	events *eventQueue
	stats  zmqCounters

	mu       sync.RWMutex
	session  *zmqSession
	endpoint string
	timeout  time.Duration

	stateMu sync.Mutex
	status  ConnectionStatus
	lastErr error
}

// NewZMQClient creates an unconfigured ZeroMQ client.
func NewZMQClient(cfg ClientConfig) *ZMQClient {
	opts := cfg.ZeroMQ.withDefaults()
	return &ZMQClient{
		opts:    opts,
		log:     cfg.logger("zmq"),
		events:  newEventQueue(opts.EventBuffer),
		timeout: opts.Timeout,
	}
}

// Configure tears down the current socket and opens a new one for the
// given pattern and role. Binding roles listen on endpoint with the host
// replaced by a wildcard; the others dial it.
func (c *ZMQClient) Configure(ctx context.Context, pattern Pattern, role Role, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()

	spec, err := lookupSocket(pattern, role)
	if err != nil {
		c.setLastError(err)
		return err
	}
	if endpoint == "" {
		err := Errorf(KindInvalidConfig, "endpoint is required")
		c.setLastError(err)
		return err
	}

	c.setStatus(StatusConnecting, nil)

	opts := []zmq4.Option{
		zmq4.WithDialerRetry(c.opts.ReconnectInterval),
		zmq4.WithDialerTimeout(c.opts.DialTimeout),
		zmq4.WithLogger(c.log.StandardLogger(&hclog.StandardLoggerOptions{ForceLevel: hclog.Debug})),
	}
	if spec.kind == zmq4.Dealer {
		opts = append(opts, zmq4.WithID(zmq4.SocketIdentity("DEALER-"+uuid.NewString())))
	}

	sockCtx, cancel := context.WithCancel(context.Background())
	sock := spec.open(sockCtx, opts...)

	if err := sock.SetOption(zmq4.OptionHWM, c.opts.HighWaterMark); err != nil {
		c.log.Trace("high water mark not applied", "socket", spec.kind, "error", err)
	}
	if spec.kind == zmq4.Sub {
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			sock.Close()
			cancel()
			return c.fail(Wrap(KindMessaging, err, "subscribe"))
		}
	}

	// Cancelling ctx cuts the dial retry loop short.
	stop := context.AfterFunc(ctx, cancel)
	addr := endpoint
	if spec.binds {
		addr = bindEndpoint(endpoint)
		err = sock.Listen(addr)
	} else {
		err = sock.Dial(addr)
	}
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		sock.Close()
		cancel()
		if ctx.Err() != nil {
			return c.fail(ioError(ctx, err, "open "+addr))
		}
		return c.fail(Wrap(KindMessaging, err, "open "+addr))
	}

	timeout := c.timeout
	if pattern == PatternReqRep && timeout < c.opts.ReqRepTimeout {
		timeout = c.opts.ReqRepTimeout
	}

	c.session = newZMQSession(spec, sock, cancel, timeout, c.log, c.events, &c.stats, func(err error) {
		c.setStatus(StatusError, err)
	})
	c.session.start()
	c.endpoint = endpoint

	c.setStatus(StatusConnected, nil)
	c.log.Info("socket ready",
		"pattern", pattern,
		"role", role,
		"socket", spec.kind,
		"endpoint", addr,
		"bind", spec.binds)
	return nil
}

// teardownLocked stops the active session and pauses so a bound port is
// released. c.mu must be held.
func (c *ZMQClient) teardownLocked() {
	if c.session == nil {
		return
	}
	c.session.close()
	c.session = nil
	if c.opts.ReleaseDelay > 0 {
		time.Sleep(c.opts.ReleaseDelay)
	}
	c.setStatus(StatusDisconnected, nil)
	c.log.Debug("socket closed", "endpoint", c.endpoint)
}

func (c *ZMQClient) fail(err error) error {
	c.setStatus(StatusError, err)
	return err
}

func (c *ZMQClient) setStatus(status ConnectionStatus, err error) {
	c.stateMu.Lock()
	changed := c.status != status
	c.status = status
	if err != nil {
		c.lastErr = err
	}
	c.stateMu.Unlock()

	if err != nil {
		c.events.publish(Event{Type: EventError, Err: err})
	}
	if changed {
		c.events.publish(Event{Type: EventStatus, Status: status})
	}
}

func (c *ZMQClient) setLastError(err error) {
	c.stateMu.Lock()
	c.lastErr = err
	c.stateMu.Unlock()
}

// Status returns the current connection status.
func (c *ZMQClient) Status() ConnectionStatus {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.status
}

// LastError returns the most recent failure, if any.
func (c *ZMQClient) LastError() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastErr
}

// Events returns the channel inbound messages, errors and status changes
// are delivered on. It is closed by Close.
func (c *ZMQClient) Events() <-chan Event { return c.events.ch }

// Dropped returns the number of events discarded because the channel was full.
func (c *ZMQClient) Dropped() int64 { return c.events.dropped.Load() }

// Stats returns the message counters.
func (c *ZMQClient) Stats() ZMQStats { return c.stats.snapshot() }

// SetTimeout changes the reply timeout for this and future sockets.
func (c *ZMQClient) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
	if c.session != nil {
		c.session.timeout.Store(int64(d))
	}
}

// Subscribe adds topic filters to a subscriber socket. No topics means all.
func (c *ZMQClient) Subscribe(ctx context.Context, topics ...string) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	if s.spec.role != RoleSubscriber {
		return Errorf(KindInvalidState, "subscribe needs a subscriber socket, have %s", s.spec.role)
	}
	if topics == nil {
		topics = []string{}
	}
	_, err = s.submit(ctx, zmqOp{subscribe: topics})
	return err
}

func (c *ZMQClient) active() (*zmqSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, Errorf(KindInvalidState, "socket not configured")
	}
	return c.session, nil
}

// ExecuteAsync sends req.Body on the configured socket.
func (c *ZMQClient) ExecuteAsync(ctx context.Context, req *Request) *Future {
	if err := Validate(req); err != nil {
		return Failed(err)
	}
	return Go(ctx, func(ctx context.Context) (*Response, error) {
		return c.send(ctx, req)
	})
}

// Execute sends req.Body and, for requesters and dealers, waits for the reply.
func (c *ZMQClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	return Await(ctx, c.ExecuteAsync(ctx, req))
}

func (c *ZMQClient) send(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	s, err := c.active()
	if err != nil {
		return nil, err
	}

	op := zmqOp{frames: [][]byte{req.Body}}
	switch s.spec.role {
	case RoleSubscriber:
		return nil, Errorf(KindProtocol, "subscribers cannot send messages")
	case RoleRequester, RoleDealer:
		op.await = true
		op.timeout = time.Duration(s.timeout.Load())
		if req.Timeout > 0 {
			op.timeout = req.Timeout
		}
	case RoleRouter:
		op.toLastPeer = true
	}

	reply, err := s.submit(ctx, op)
	if err != nil {
		return nil, err
	}

	body := req.Body
	if op.await {
		body = reply
	}
	return &Response{
		StatusCode: http.StatusOK,
		Body:       body,
		Metrics: Metrics{
			Total:         time.Since(start),
			BytesSent:     int64(len(req.Body)),
			BytesReceived: int64(len(reply)),
		},
	}, nil
}

// Cancel closes the socket and returns to Disconnected.
func (c *ZMQClient) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.setStatus(StatusDisconnected, nil)
}

// Close closes the socket and the event channel.
func (c *ZMQClient) Close() error {
	c.Cancel()
	c.events.close()
	return nil
}
