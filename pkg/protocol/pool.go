package protocol

import (
	"bufio"
	"context"
	"sync"
	"time"
)

// pooledConn is an HTTP/1.1 connection owned by a connPool.
type pooledConn struct {
	*stream
	br        *bufio.Reader
	bw        *bufio.Writer
	key       string
	idleSince time.Time
}

func newPooledConn(s *stream) *pooledConn {
	return &pooledConn{
		stream: s,
		br:     bufio.NewReaderSize(s, 32*1024),
		bw:     bufio.NewWriterSize(s, 32*1024),
	}
}

// hostPool tracks the connections of one scheme:host:port key. Every live
// connection, busy or idle, holds one token in sem.
type hostPool struct {
	sem  chan struct{}
	idle []*pooledConn
	wake chan struct{}
}

// connPool bounds the number of live connections per key and keeps idle
// ones around for reuse until idleTimeout passes.
type connPool struct {
	mu          sync.Mutex
	hosts       map[string]*hostPool
	max         int
	idleTimeout time.Duration
	closed      bool
	now         func() time.Time
}

func newConnPool(max int, idleTimeout time.Duration) *connPool {
	return &connPool{
		hosts:       make(map[string]*hostPool),
		max:         max,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

func (p *connPool) host(key string) *hostPool {
	hp, ok := p.hosts[key]
	if !ok {
		hp = &hostPool{wake: make(chan struct{})}
		if p.max > 0 {
			hp.sem = make(chan struct{}, p.max)
		}
		p.hosts[key] = hp
	}
	return hp
}

// get returns an idle connection for key or dials a new one once a slot is
// free. The bool result reports whether the connection was reused.
func (p *connPool) get(ctx context.Context, key string, dial func(context.Context) (*stream, error)) (*pooledConn, bool, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false, Errorf(KindInvalidState, "client closed")
		}
		hp := p.host(key)
		if pc := p.popIdleLocked(hp); pc != nil {
			p.mu.Unlock()
			return pc, true, nil
		}
		wake, sem := hp.wake, hp.sem
		p.mu.Unlock()

		if sem == nil {
			s, err := dial(ctx)
			if err != nil {
				return nil, false, err
			}
			pc := newPooledConn(s)
			pc.key = key
			return pc, false, nil
		}

		select {
		case sem <- struct{}{}:
			s, err := dial(ctx)
			if err != nil {
				<-sem
				return nil, false, err
			}
			pc := newPooledConn(s)
			pc.key = key
			return pc, false, nil
		case <-wake:
		case <-ctx.Done():
			return nil, false, Wrap(KindTimeout, ctx.Err(), "waiting for a free connection to "+key)
		}
	}
}

func (p *connPool) popIdleLocked(hp *hostPool) *pooledConn {
	for len(hp.idle) > 0 {
		pc := hp.idle[len(hp.idle)-1]
		hp.idle = hp.idle[:len(hp.idle)-1]
		if p.idleTimeout > 0 && p.now().Sub(pc.idleSince) > p.idleTimeout {
			p.releaseLocked(hp, pc)
			continue
		}
		return pc
	}
	return nil
}

// put hands a healthy connection back for reuse.
func (p *connPool) put(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hp := p.host(pc.key)
	if p.closed {
		p.releaseLocked(hp, pc)
		return
	}
	pc.idleSince = p.now()
	hp.idle = append(hp.idle, pc)
	close(hp.wake)
	hp.wake = make(chan struct{})
}

// discard closes a connection that must not be reused.
func (p *connPool) discard(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(p.host(pc.key), pc)
}

func (p *connPool) releaseLocked(hp *hostPool, pc *pooledConn) {
	pc.Close()
	if hp.sem != nil {
		select {
		case <-hp.sem:
		default:
		}
	}
}

// closeIdle closes every idle connection.
func (p *connPool) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hp := range p.hosts {
		for _, pc := range hp.idle {
			p.releaseLocked(hp, pc)
		}
		hp.idle = nil
	}
}

// close stops all reuse; connections still in use are closed when returned.
func (p *connPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.closeIdle()
}

// idleCount reports the number of idle connections for key.
func (p *connPool) idleCount(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hp, ok := p.hosts[key]; ok {
		return len(hp.idle)
	}
	return 0
}
