package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowdriver/pkg/protocol"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"
)

// Job is a single request to run on a handler.
type Job struct {
	Protocol string
	Handler  protocol.Handler
	Request  *protocol.Request
}

// Result is the outcome of a Job.
type Result struct {
	Job      Job
	Response *protocol.Response
	Err      error
	Elapsed  time.Duration
}

// Recorder receives pool and request measurements. *metrics.Metrics
// implements it.
type Recorder interface {
	RecordRequest(proto string, resp *protocol.Response, err error, elapsed time.Duration)
	IncRequestsInFlight()
	DecRequestsInFlight()
	SetActiveWorkers(count int)
	SetQueuedRequests(count int)
	SetCurrentRPS(rps float64)
	SetTargetRPS(rps float64)
}

// Config sizes the pool.
type Config struct {
	PoolSize  int
	QueueSize int
	// Rate caps requests per second across all workers; 0 means unlimited.
	Rate float64
}

// Pool manages a pool of worker goroutines.
type Pool struct {
	cfg      Config
	rec      Recorder
	log      hclog.Logger
	onResult func(Result)
	limiter  *rate.Limiter
	jobs     chan Job
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	active   int64
	pending  int64
	cancel   context.CancelFunc
	mu       sync.Mutex
	tpsCount int64
}

// NewPool creates a new worker pool. rec, log and onResult may be nil.
// onResult is called from the worker goroutine that ran the job.
func NewPool(cfg Config, rec Recorder, log hclog.Logger, onResult func(Result)) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.PoolSize
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if onResult == nil {
		onResult = func(Result) {}
	}

	p := &Pool{
		cfg:      cfg,
		rec:      rec,
		log:      log.Named("worker"),
		onResult: onResult,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		jobs:     make(chan Job, cfg.QueueSize),
		quit:     make(chan struct{}),
	}
	p.SetRate(cfg.Rate)
	return p
}

// Start launches the worker pool.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.PoolSize; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.wg.Add(1)
	go p.measureTPS(ctx)

	p.log.Info("started workers", "workers", p.cfg.PoolSize, "queue", p.cfg.QueueSize)
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.rec.SetQueuedRequests(len(p.jobs))
			p.processJob(ctx, job)
			atomic.AddInt64(&p.pending, -1)
		}
	}
}

func (p *Pool) processJob(ctx context.Context, job Job) {
	if err := p.limiter.Wait(ctx); err != nil {
		return // cancelled
	}

	p.rec.SetActiveWorkers(int(atomic.AddInt64(&p.active, 1)))
	p.rec.IncRequestsInFlight()
	defer func() {
		p.rec.SetActiveWorkers(int(atomic.AddInt64(&p.active, -1)))
		p.rec.DecRequestsInFlight()
	}()

	start := time.Now()
	resp, err := job.Handler.Execute(ctx, job.Request)
	elapsed := time.Since(start)

	p.rec.RecordRequest(job.Protocol, resp, err, elapsed)
	atomic.AddInt64(&p.tpsCount, 1)

	if err != nil {
		p.log.Trace("request failed", "protocol", job.Protocol, "error", err)
	}
	p.onResult(Result{Job: job, Response: resp, Err: err, Elapsed: elapsed})
}

// measureTPS periodically publishes the completed request rate.
func (p *Pool) measureTPS(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := atomic.SwapInt64(&p.tpsCount, 0)
			p.rec.SetCurrentRPS(float64(count))
		}
	}
}

// Submit adds a job to the queue without blocking. It reports false when
// the queue is full or the pool is stopped.
func (p *Pool) Submit(job Job) bool {
	select {
	case <-p.quit:
		return false
	default:
	}

	atomic.AddInt64(&p.pending, 1)
	select {
	case p.jobs <- job:
		p.rec.SetQueuedRequests(len(p.jobs))
		return true
	default:
		atomic.AddInt64(&p.pending, -1)
		return false
	}
}

// SubmitWait adds a job, waiting for queue space.
func (p *Pool) SubmitWait(ctx context.Context, job Job) error {
	select {
	case <-p.quit:
		return protocol.Errorf(protocol.KindInvalidState, "worker pool stopped")
	default:
	}

	atomic.AddInt64(&p.pending, 1)
	select {
	case p.jobs <- job:
		p.rec.SetQueuedRequests(len(p.jobs))
		return nil
	case <-p.quit:
		atomic.AddInt64(&p.pending, -1)
		return protocol.Errorf(protocol.KindInvalidState, "worker pool stopped")
	case <-ctx.Done():
		atomic.AddInt64(&p.pending, -1)
		return ctx.Err()
	}
}

// SetRate updates the rate limiter. Zero or less removes the limit.
func (p *Pool) SetRate(rps float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rps <= 0 {
		p.limiter.SetLimit(rate.Inf)
		p.limiter.SetBurst(1)
		p.rec.SetTargetRPS(0)
		return
	}

	p.limiter.SetLimit(rate.Limit(rps))
	p.limiter.SetBurst(int(rps / 10)) // Burst of 10% of rate
	if p.limiter.Burst() < 1 {
		p.limiter.SetBurst(1)
	}
	p.rec.SetTargetRPS(rps)
}

// Active returns the number of workers currently running a job.
func (p *Pool) Active() int {
	return int(atomic.LoadInt64(&p.active))
}

// QueueSize returns the current queue length.
func (p *Pool) QueueSize() int {
	return len(p.jobs)
}

// Stop cancels in-flight jobs, discards queued ones and waits for every
// worker to exit. It is safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.log.Info("all workers stopped")
	})
}

// Drain waits until every submitted job has finished, or until timeout.
// It reports whether the pool went idle.
func (p *Pool) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&p.pending) <= 0 {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}

	p.log.Warn("drain timeout", "in_flight", atomic.LoadInt64(&p.active), "queued", len(p.jobs))
	return false
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(string, *protocol.Response, error, time.Duration) {}
func (nopRecorder) IncRequestsInFlight()                                           {}
func (nopRecorder) DecRequestsInFlight()                                           {}
func (nopRecorder) SetActiveWorkers(int)                                           {}
func (nopRecorder) SetQueuedRequests(int)                                          {}
func (nopRecorder) SetCurrentRPS(float64)                                          {}
func (nopRecorder) SetTargetRPS(float64)                                           {}
