package protocol

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/hashicorp/go-hclog"
)

// pollInterval is how often the owner goroutine checks pending deadlines.
const pollInterval = 100 * time.Millisecond

const (
	replyPrefix    = "Reply to: "
	responsePrefix = "Response to: "
)

// ZMQStats is a snapshot of the message counters of a ZMQClient.
type ZMQStats struct {
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
}

type zmqCounters struct {
	msgsSent  atomic.Int64
	msgsRecv  atomic.Int64
	bytesSent atomic.Int64
	bytesRecv atomic.Int64
}

func (c *zmqCounters) sent(frames [][]byte) {
	c.msgsSent.Add(1)
	c.bytesSent.Add(int64(frameLen(frames)))
}

func (c *zmqCounters) received(frames [][]byte) {
	c.msgsRecv.Add(1)
	c.bytesRecv.Add(int64(frameLen(frames)))
}

func (c *zmqCounters) snapshot() ZMQStats {
	return ZMQStats{
		MessagesSent:     c.msgsSent.Load(),
		MessagesReceived: c.msgsRecv.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesRecv.Load(),
	}
}

func frameLen(frames [][]byte) int {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	return n
}

// zmqOp is a unit of work submitted to the owner goroutine.
type zmqOp struct {
	ctx        context.Context
	frames     [][]byte
	toLastPeer bool
	await      bool
	timeout    time.Duration
	subscribe  []string
	done       chan zmqResult
}

type zmqResult struct {
	reply []byte
	err   error
}

// zmqSession owns one socket. The owner goroutine performs every send and
// all pattern logic; the pump goroutine only receives and hands frames
// over. Nothing else touches the socket once the session runs.
type zmqSession struct {
	spec    socketSpec
	sock    zmq4.Socket
	cancel  context.CancelFunc
	log     hclog.Logger
	events  *eventQueue
	stats   *zmqCounters
	timeout atomic.Int64
	onFail  func(error)

	ops     chan zmqOp
	inbound chan zmq4.Msg
	resume  chan struct{}
	stop    chan struct{}

	ownerDone chan struct{}
	pumpDone  chan struct{}

	// peer is the identity of the last peer a router heard from, and
	// peerDelim whether that peer framed its message with an empty
	// delimiter. Owned by the owner goroutine.
	peer      []byte
	peerDelim bool
}

func newZMQSession(spec socketSpec, sock zmq4.Socket, cancel context.CancelFunc, timeout time.Duration, log hclog.Logger, events *eventQueue, stats *zmqCounters, onFail func(error)) *zmqSession {
	s := &zmqSession{
		spec:      spec,
		sock:      sock,
		cancel:    cancel,
		log:       log,
		events:    events,
		stats:     stats,
		onFail:    onFail,
		ops:       make(chan zmqOp),
		inbound:   make(chan zmq4.Msg),
		resume:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		ownerDone: make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
	s.timeout.Store(int64(timeout))
	return s
}

func (s *zmqSession) start() {
	go s.run()
	if s.spec.receives {
		go s.pump()
	} else {
		close(s.pumpDone)
	}
}

// close stops the owner, closes the socket and waits for the pump.
func (s *zmqSession) close() {
	close(s.stop)
	<-s.ownerDone

	if err := s.sock.Close(); err != nil && !isTeardownError(err) {
		s.log.Debug("socket close failed", "error", err)
	}
	s.cancel()
	<-s.pumpDone
}

// submit hands op to the owner and waits for its result.
func (s *zmqSession) submit(ctx context.Context, op zmqOp) ([]byte, error) {
	op.ctx = ctx
	op.done = make(chan zmqResult, 1)

	select {
	case s.ops <- op:
	case <-s.ownerDone:
		return nil, Errorf(KindInvalidState, "socket closed")
	case <-ctx.Done():
		return nil, ioError(ctx, ctx.Err(), "submit message")
	}

	select {
	case res := <-op.done:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ioError(ctx, ctx.Err(), "waiting for reply")
	}
}

func (s *zmqSession) run() {
	defer close(s.ownerDone)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var pending *zmqOp
	var deadline time.Time

	for {
		// One outstanding request at a time.
		ops := s.ops
		if pending != nil {
			ops = nil
		}

		select {
		case <-s.stop:
			if pending != nil {
				pending.done <- zmqResult{err: Errorf(KindInvalidState, "socket closed while waiting for a reply")}
			}
			return

		case op := <-ops:
			if op.subscribe != nil {
				op.done <- zmqResult{err: s.subscribe(op.subscribe)}
				continue
			}

			frames := op.frames
			if op.toLastPeer {
				if s.peer == nil {
					op.done <- zmqResult{err: Errorf(KindInvalidState, "no peer identity known yet")}
					continue
				}
				frames = append(s.route(), frames...)
			}

			if err := s.send(frames); err != nil {
				err = Wrap(KindMessaging, err, "send message")
				s.onFail(err)
				op.done <- zmqResult{err: err}
				continue
			}

			if !op.await {
				op.done <- zmqResult{}
				continue
			}
			pending = &op
			deadline = time.Now().Add(op.timeout)

		case msg := <-s.inbound:
			s.stats.received(msg.Frames)
			if pending != nil && (s.spec.role == RoleRequester || s.spec.role == RoleDealer) {
				pending.done <- zmqResult{reply: joinFrames(msg.Frames)}
				pending = nil
				continue
			}
			s.dispatch(msg)

		case now := <-ticker.C:
			if pending == nil {
				continue
			}
			if pending.ctx.Err() != nil {
				pending = nil
				continue
			}
			if now.After(deadline) {
				pending.done <- zmqResult{err: Errorf(KindTimeout, "no reply received within %s", pending.timeout)}
				pending = nil
			}
		}
	}
}

// dispatch applies the pattern logic for a message nobody is waiting for.
func (s *zmqSession) dispatch(msg zmq4.Msg) {
	switch s.spec.role {
	case RoleReplier:
		payload := joinFrames(msg.Frames)
		s.events.publish(Event{Type: EventMessage, Data: payload})
		reply := append([]byte(replyPrefix), payload...)
		if err := s.send([][]byte{reply}); err != nil {
			s.log.Debug("reply failed", "error", err)
			s.events.publish(Event{Type: EventError, Err: Wrap(KindMessaging, err, "send reply")})
		}
		s.resume <- struct{}{}

	case RoleRouter:
		if len(msg.Frames) < 2 {
			s.log.Debug("dropping router message without identity", "frames", len(msg.Frames))
			return
		}
		s.peer = bytes.Clone(msg.Frames[0])
		// REQ peers put an empty delimiter between identity and payload.
		s.peerDelim = len(msg.Frames) > 2 && len(msg.Frames[1]) == 0
		payload := msg.Frames[len(msg.Frames)-1]
		s.events.publish(Event{Type: EventMessage, Data: bytes.Clone(payload)})

		reply := append(s.route(), append([]byte(responsePrefix), payload...))
		if err := s.send(reply); err != nil {
			s.log.Debug("router response failed", "error", err)
			s.events.publish(Event{Type: EventError, Err: Wrap(KindMessaging, err, "send response")})
		}

	case RoleRequester:
		s.log.Debug("dropping reply with no pending request")

	default:
		s.events.publish(Event{Type: EventMessage, Data: joinFrames(msg.Frames)})
	}
}

// route returns the envelope frames addressing the last known peer.
func (s *zmqSession) route() [][]byte {
	if s.peerDelim {
		return [][]byte{s.peer, {}}
	}
	return [][]byte{s.peer}
}

// pump is the only caller of Recv.
func (s *zmqSession) pump() {
	defer close(s.pumpDone)

	for {
		msg, err := s.sock.Recv()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			if isTeardownError(err) {
				s.log.Trace("peer went away", "error", err)
			} else {
				s.log.Debug("receive failed", "error", err)
				s.events.publish(Event{Type: EventError, Err: Wrap(KindMessaging, err, "receive")})
			}
			select {
			case <-time.After(pollInterval):
			case <-s.stop:
				return
			}
			continue
		}

		select {
		case s.inbound <- msg:
		case <-s.stop:
			return
		}

		// A replier must answer before it may receive again.
		if s.spec.role == RoleReplier {
			select {
			case <-s.resume:
			case <-s.stop:
				return
			}
		}
	}
}

func (s *zmqSession) send(frames [][]byte) error {
	var err error
	if len(frames) == 1 {
		err = s.sock.Send(zmq4.NewMsg(frames[0]))
	} else {
		err = s.sock.SendMulti(zmq4.NewMsgFrom(frames...))
	}
	if err != nil {
		return err
	}
	s.stats.sent(frames)
	return nil
}

func (s *zmqSession) subscribe(topics []string) error {
	if len(topics) == 0 {
		topics = []string{""}
	}
	for _, topic := range topics {
		if err := s.sock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			return Wrap(KindMessaging, err, "subscribe to "+topic)
		}
	}
	return nil
}

func joinFrames(frames [][]byte) []byte {
	if len(frames) == 1 {
		return bytes.Clone(frames[0])
	}
	return bytes.Join(frames, nil)
}
