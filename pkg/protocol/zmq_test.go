package protocol

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeEndpoint(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return fmt.Sprintf("tcp://127.0.0.1:%d", port)
}

func newTestZMQ(t *testing.T) *ZMQClient {
	t.Helper()
	c := NewZMQClient(ClientConfig{ZeroMQ: ZMQOptions{ReleaseDelay: 10 * time.Millisecond}})
	t.Cleanup(func() { c.Close() })
	return c
}

func zmqMessage(body string) *Request {
	return &Request{URL: "zmq", Method: "SEND", Body: []byte(body)}
}

func TestLookupSocketTable(t *testing.T) {
	valid := map[Pattern]map[Role]zmq4.SocketType{
		PatternReqRep:       {RoleRequester: zmq4.Req, RoleReplier: zmq4.Rep},
		PatternPubSub:       {RolePublisher: zmq4.Pub, RoleSubscriber: zmq4.Sub},
		PatternPushPull:     {RolePusher: zmq4.Push, RolePuller: zmq4.Pull},
		PatternDealerRouter: {RoleDealer: zmq4.Dealer, RoleRouter: zmq4.Router},
	}

	legal := 0
	for p := PatternReqRep; p <= PatternDealerRouter; p++ {
		for r := RoleRequester; r <= RoleRouter; r++ {
			spec, err := lookupSocket(p, r)
			want, ok := valid[p][r]
			if !ok {
				require.Error(t, err, "%s/%s", p, r)
				assert.Equal(t, KindInvalidConfig, KindOf(err))
				continue
			}
			require.NoError(t, err, "%s/%s", p, r)
			assert.Equal(t, want, spec.kind)
			legal++
		}
	}
	assert.Equal(t, 8, legal)
}

func TestBindingRoles(t *testing.T) {
	binds := map[Role]bool{
		RoleReplier:   true,
		RolePublisher: true,
		RolePuller:    true,
		RoleRouter:    true,
	}
	for _, s := range socketSpecs {
		assert.Equal(t, binds[s.role], s.binds, s.role.String())
	}
}

func TestBindEndpoint(t *testing.T) {
	assert.Equal(t, "tcp://*:5555", bindEndpoint("tcp://localhost:5555"))
	assert.Equal(t, "tcp://*:6000", bindEndpoint("tcp://10.0.0.1:6000"))
	assert.Equal(t, "ipc:///tmp/feed.sock", bindEndpoint("ipc:///tmp/feed.sock"))
	assert.Equal(t, "localhost:1", bindEndpoint("localhost:1"))
}

func TestParsePatternAndRole(t *testing.T) {
	p, err := ParsePattern("dealer-router")
	require.NoError(t, err)
	assert.Equal(t, PatternDealerRouter, p)

	r, err := ParseRole("Subscriber")
	require.NoError(t, err)
	assert.Equal(t, RoleSubscriber, r)

	_, err = ParsePattern("PAIR")
	assert.Error(t, err)
	_, err = ParseRole("broker")
	assert.Error(t, err)
}

func TestConfigureRejectsInvalidPair(t *testing.T) {
	c := newTestZMQ(t)

	err := c.Configure(context.Background(), PatternReqRep, RolePublisher, freeEndpoint(t))
	require.Error(t, err)
	assert.Equal(t, KindInvalidConfig, KindOf(err))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Error(t, c.LastError())

	c.mu.RLock()
	assert.Nil(t, c.session)
	c.mu.RUnlock()
}

func TestExecuteWithoutSocket(t *testing.T) {
	c := newTestZMQ(t)
	_, err := c.Execute(context.Background(), zmqMessage("hi"))
	assert.Equal(t, KindInvalidState, KindOf(err))
}

func TestRequesterReplierRoundTrip(t *testing.T) {
	ep := freeEndpoint(t)
	rep := newTestZMQ(t)
	req := newTestZMQ(t)

	require.NoError(t, rep.Configure(context.Background(), PatternReqRep, RoleReplier, ep))
	require.NoError(t, req.Configure(context.Background(), PatternReqRep, RoleRequester, ep))
	assert.Equal(t, StatusConnected, req.Status())

	resp, err := req.Execute(context.Background(), zmqMessage("ping"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "Reply to: ping", string(resp.Body))

	ev := nextMessage(t, rep.Events(), 2*time.Second)
	assert.Equal(t, "ping", string(ev.Data))

	stats := req.Stats()
	assert.Equal(t, int64(1), stats.MessagesSent)
	assert.Equal(t, int64(1), stats.MessagesReceived)
	assert.Equal(t, int64(4), stats.BytesSent)
	assert.Equal(t, int64(len("Reply to: ping")), stats.BytesReceived)

	assert.Eventually(t, func() bool {
		s := rep.Stats()
		return s.MessagesReceived == 1 && s.MessagesSent == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRequesterTimesOutWithoutReply(t *testing.T) {
	ep := freeEndpoint(t)

	silent := zmq4.NewRep(context.Background())
	defer silent.Close()
	require.NoError(t, silent.Listen(ep))

	req := newTestZMQ(t)
	require.NoError(t, req.Configure(context.Background(), PatternReqRep, RoleRequester, ep))

	start := time.Now()
	r := zmqMessage("anyone?")
	r.Timeout = 200 * time.Millisecond
	_, err := req.Execute(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSubscriberCannotSend(t *testing.T) {
	ep := freeEndpoint(t)
	pub := newTestZMQ(t)
	sub := newTestZMQ(t)

	require.NoError(t, pub.Configure(context.Background(), PatternPubSub, RolePublisher, ep))
	require.NoError(t, sub.Configure(context.Background(), PatternPubSub, RoleSubscriber, ep))

	for _, body := range []string{"", "anything"} {
		_, err := sub.Execute(context.Background(), zmqMessage(body))
		require.Error(t, err)
		assert.Equal(t, KindProtocol, KindOf(err))
	}
	assert.Equal(t, int64(0), sub.Stats().MessagesSent)
}

func TestPublisherReachesSubscriber(t *testing.T) {
	ep := freeEndpoint(t)
	pub := newTestZMQ(t)
	sub := newTestZMQ(t)

	require.NoError(t, pub.Configure(context.Background(), PatternPubSub, RolePublisher, ep))
	require.NoError(t, sub.Configure(context.Background(), PatternPubSub, RoleSubscriber, ep))

	// Subscriptions propagate asynchronously, so publish until one lands.
	require.Eventually(t, func() bool {
		resp, err := pub.Execute(context.Background(), zmqMessage("tick"))
		if err != nil || string(resp.Body) != "tick" {
			return false
		}
		for {
			select {
			case ev := <-sub.Events():
				if ev.Type == EventMessage {
					return string(ev.Data) == "tick"
				}
			case <-time.After(50 * time.Millisecond):
				return false
			}
		}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubscribeRequiresSubscriber(t *testing.T) {
	ep := freeEndpoint(t)
	pub := newTestZMQ(t)
	require.NoError(t, pub.Configure(context.Background(), PatternPubSub, RolePublisher, ep))

	err := pub.Subscribe(context.Background(), "news")
	assert.Equal(t, KindInvalidState, KindOf(err))

	sub := newTestZMQ(t)
	require.NoError(t, sub.Configure(context.Background(), PatternPubSub, RoleSubscriber, ep))
	assert.NoError(t, sub.Subscribe(context.Background(), "news", "sports"))
}

func TestPushPull(t *testing.T) {
	ep := freeEndpoint(t)
	pull := newTestZMQ(t)
	push := newTestZMQ(t)

	require.NoError(t, pull.Configure(context.Background(), PatternPushPull, RolePuller, ep))
	require.NoError(t, push.Configure(context.Background(), PatternPushPull, RolePusher, ep))

	resp, err := push.Execute(context.Background(), zmqMessage("job-1"))
	require.NoError(t, err)
	assert.Equal(t, "job-1", string(resp.Body))

	ev := nextMessage(t, pull.Events(), 2*time.Second)
	assert.Equal(t, "job-1", string(ev.Data))
	assert.Eventually(t, func() bool { return pull.Stats().MessagesReceived == 1 }, time.Second, 10*time.Millisecond)
}

func TestDealerRouter(t *testing.T) {
	ep := freeEndpoint(t)
	router := newTestZMQ(t)
	dealer := newTestZMQ(t)

	require.NoError(t, router.Configure(context.Background(), PatternDealerRouter, RoleRouter, ep))

	_, err := router.Execute(context.Background(), zmqMessage("too early"))
	assert.Equal(t, KindInvalidState, KindOf(err))

	require.NoError(t, dealer.Configure(context.Background(), PatternDealerRouter, RoleDealer, ep))

	resp, err := dealer.Execute(context.Background(), zmqMessage("hello"))
	require.NoError(t, err)
	assert.Equal(t, "Response to: hello", string(resp.Body))

	ev := nextMessage(t, router.Events(), 2*time.Second)
	assert.Equal(t, "hello", string(ev.Data))

	// The router now knows the dealer and can push to it directly.
	_, err = router.Execute(context.Background(), zmqMessage("direct"))
	require.NoError(t, err)
	ev = nextMessage(t, dealer.Events(), 2*time.Second)
	assert.Equal(t, "direct", string(ev.Data))
}

func TestRouterKeepsDelimiterForDirectSends(t *testing.T) {
	ep := freeEndpoint(t)
	router := newTestZMQ(t)
	require.NoError(t, router.Configure(context.Background(), PatternDealerRouter, RoleRouter, ep))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peer := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity("req-like")))
	defer peer.Close()
	require.NoError(t, peer.Dial(ep))

	// Framed the way a REQ socket frames its requests.
	require.NoError(t, peer.SendMulti(zmq4.NewMsgFrom([]byte{}, []byte("hello"))))
	msg, err := peer.Recv()
	require.NoError(t, err)
	require.Len(t, msg.Frames, 2)
	assert.Empty(t, msg.Frames[0])
	assert.Equal(t, "Response to: hello", string(msg.Frames[1]))

	_, err = router.Execute(context.Background(), zmqMessage("direct"))
	require.NoError(t, err)
	msg, err = peer.Recv()
	require.NoError(t, err)
	require.Len(t, msg.Frames, 2)
	assert.Empty(t, msg.Frames[0])
	assert.Equal(t, "direct", string(msg.Frames[1]))
}

func TestBindConflictSetsErrorStatus(t *testing.T) {
	ep := freeEndpoint(t)
	first := newTestZMQ(t)
	second := newTestZMQ(t)

	require.NoError(t, first.Configure(context.Background(), PatternReqRep, RoleReplier, ep))

	err := second.Configure(context.Background(), PatternReqRep, RoleReplier, ep)
	require.Error(t, err)
	assert.Equal(t, KindMessaging, KindOf(err))
	assert.Equal(t, StatusError, second.Status())
	assert.Error(t, second.LastError())

	second.Cancel()
	assert.Equal(t, StatusDisconnected, second.Status())
}

func TestDialFailureSetsErrorStatus(t *testing.T) {
	ep := freeEndpoint(t)
	c := NewZMQClient(ClientConfig{ZeroMQ: ZMQOptions{
		ReconnectInterval: 10 * time.Millisecond,
		ReleaseDelay:      10 * time.Millisecond,
	}})
	defer c.Close()

	err := c.Configure(context.Background(), PatternDealerRouter, RoleDealer, ep)
	require.Error(t, err)
	assert.Equal(t, KindMessaging, KindOf(err))
	assert.Equal(t, StatusError, c.Status())
	assert.Error(t, c.LastError())
}

func TestConfigureHonoursContext(t *testing.T) {
	ep := freeEndpoint(t)
	c := NewZMQClient(ClientConfig{ZeroMQ: ZMQOptions{
		ReconnectInterval: 200 * time.Millisecond,
		ReleaseDelay:      10 * time.Millisecond,
	}})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Configure(ctx, PatternReqRep, RoleRequester, ep)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusError, c.Status())

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = c.Configure(ctx, PatternPushPull, RolePusher, ep)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestReconfigureReleasesPort(t *testing.T) {
	ep := freeEndpoint(t)
	c := newTestZMQ(t)

	require.NoError(t, c.Configure(context.Background(), PatternPushPull, RolePuller, ep))
	require.NoError(t, c.Configure(context.Background(), PatternReqRep, RoleReplier, ep))
	assert.Equal(t, StatusConnected, c.Status())
}

func TestCloseJoinsSocketGoroutines(t *testing.T) {
	ep := freeEndpoint(t)
	c := NewZMQClient(ClientConfig{ZeroMQ: ZMQOptions{ReleaseDelay: 10 * time.Millisecond}})
	require.NoError(t, c.Configure(context.Background(), PatternReqRep, RoleReplier, ep))

	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	require.NotNil(t, s)

	require.NoError(t, c.Close())
	assert.Equal(t, StatusDisconnected, c.Status())

	for name, done := range map[string]chan struct{}{"owner": s.ownerDone, "pump": s.pumpDone} {
		select {
		case <-done:
		default:
			t.Fatalf("%s goroutine still running after Close", name)
		}
	}

	for range c.Events() {
	}
}

func TestStatusEvents(t *testing.T) {
	ep := freeEndpoint(t)
	c := newTestZMQ(t)

	require.NoError(t, c.Configure(context.Background(), PatternPushPull, RolePuller, ep))
	c.Cancel()

	var seen []ConnectionStatus
	for len(c.Events()) > 0 {
		ev := <-c.Events()
		if ev.Type == EventStatus {
			seen = append(seen, ev.Status)
		}
	}
	assert.Equal(t, []ConnectionStatus{StatusConnecting, StatusConnected, StatusDisconnected}, seen)
}
