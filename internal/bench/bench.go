// Package bench drives one request repeatedly through a protocol handler
// from a number of concurrent users and summarises the outcome.
package bench

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/flowdriver/internal/worker"
	"github.com/flowdriver/pkg/protocol"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

const (
	// maxLatency is the largest latency the histogram tracks exactly.
	maxLatency = time.Minute

	defaultGrace = 10 * time.Second
)

// Config describes a benchmark run.
type Config struct {
	Protocol        string
	Request         *protocol.Request
	ConcurrentUsers int
	Duration        time.Duration
	// RateLimit caps requests per second; 0 means unlimited.
	RateLimit float64
	// Grace bounds how long requests still in flight at the end of
	// Duration may take before they are cancelled.
	Grace time.Duration
}

// Latency summarises the latency distribution of a run.
type Latency struct {
	Min  time.Duration `json:"min"`
	Mean time.Duration `json:"mean"`
	P50  time.Duration `json:"p50"`
	P90  time.Duration `json:"p90"`
	P95  time.Duration `json:"p95"`
	P99  time.Duration `json:"p99"`
	Max  time.Duration `json:"max"`
}

// Stats is the result of a run.
type Stats struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	RequestsPerSecond  float64          `json:"requests_per_second"`
	BytesReceived      int64            `json:"bytes_received"`
	StartTime          time.Time        `json:"start_time"`
	EndTime            time.Time        `json:"end_time"`
	Latency            Latency          `json:"latency"`
	Errors             map[string]int64 `json:"errors,omitempty"`
}

// Progress is a snapshot reported once per second while a run is active.
type Progress struct {
	Elapsed   time.Duration
	Completed int64
	Failed    int64
}

// Runner executes benchmarks against one handler.
type Runner struct {
	handler    protocol.Handler
	rec        worker.Recorder
	log        hclog.Logger
	onProgress func(Progress)

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Option customises a Runner.
type Option func(*Runner)

// WithRecorder exports per-request measurements, typically to Prometheus.
func WithRecorder(rec worker.Recorder) Option {
	return func(r *Runner) { r.rec = rec }
}

// WithLogger sets the logger.
func WithLogger(log hclog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithProgress registers a callback invoked once per second during a run.
func WithProgress(fn func(Progress)) Option {
	return func(r *Runner) { r.onProgress = fn }
}

// NewRunner creates a runner for h.
func NewRunner(h protocol.Handler, opts ...Option) *Runner {
	r := &Runner{handler: h, log: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("bench")
	return r
}

// Validate checks cfg before anything is sent.
func Validate(cfg Config) error {
	if cfg.ConcurrentUsers <= 0 {
		return protocol.Errorf(protocol.KindInvalidConfig, "concurrent users must be greater than 0")
	}
	if cfg.Duration <= 0 {
		return protocol.Errorf(protocol.KindInvalidConfig, "duration must be greater than 0")
	}
	if cfg.Request == nil || strings.TrimSpace(cfg.Request.URL) == "" {
		return protocol.Errorf(protocol.KindInvalidConfig, "request URL cannot be empty")
	}
	return protocol.Validate(cfg.Request)
}

// Run sends cfg.Request for cfg.Duration and returns the collected stats.
// Stop ends the run early but still lets queued requests finish within
// the grace period. Cancelling ctx aborts them as well. Either way the
// stats gathered so far are returned.
func (r *Runner) Run(ctx context.Context, cfg Config) (*Stats, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	col := newCollector()
	pool := worker.NewPool(worker.Config{
		PoolSize:  cfg.ConcurrentUsers,
		QueueSize: cfg.ConcurrentUsers,
		Rate:      cfg.RateLimit,
	}, r.rec, r.log, col.add)

	// Requests in flight when the run ends may finish within the grace period.
	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()

	stats := &Stats{StartTime: time.Now()}
	r.log.Info("benchmark started",
		"protocol", cfg.Protocol,
		"url", cfg.Request.URL,
		"users", cfg.ConcurrentUsers,
		"duration", cfg.Duration,
		"rate", cfg.RateLimit)

	pool.Start(poolCtx)

	job := worker.Job{Protocol: cfg.Protocol, Handler: r.handler, Request: cfg.Request}
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		for {
			if err := pool.SubmitWait(gctx, job); err != nil {
				return nil
			}
		}
	})
	if r.onProgress != nil {
		g.Go(func() error {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					done, failed := col.counts()
					r.onProgress(Progress{Elapsed: time.Since(stats.StartTime), Completed: done, Failed: failed})
				}
			}
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		r.log.Debug("run cancelled, abandoning queued requests")
	} else if !pool.Drain(cfg.Grace) {
		r.log.Warn("requests still in flight after grace period, cancelling")
	}
	pool.Stop()

	stats.EndTime = time.Now()
	col.fill(stats)

	r.log.Info("benchmark finished",
		"total", stats.TotalRequests,
		"failed", stats.FailedRequests,
		"rps", stats.RequestsPerSecond)
	return stats, nil
}

// Stop ends the current run early.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// collector aggregates results from the worker goroutines.
type collector struct {
	mu      sync.Mutex
	hist    *hdrhistogram.Histogram
	total   int64
	success int64
	bytes   int64
	errors  map[string]int64
}

func newCollector() *collector {
	return &collector{
		hist:   hdrhistogram.New(1, maxLatency.Microseconds(), 3),
		errors: map[string]int64{},
	}
}

func (c *collector) add(res worker.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	us := res.Elapsed.Microseconds()
	if us < 1 {
		us = 1
	}
	if us > maxLatency.Microseconds() {
		us = maxLatency.Microseconds()
	}
	c.hist.RecordValue(us)

	switch {
	case res.Err != nil:
		c.errors[protocol.KindOf(res.Err).String()]++
	case res.Response == nil || res.Response.Failed():
		c.errors["status"]++
	default:
		c.success++
	}
	if res.Response != nil {
		c.bytes += res.Response.Metrics.BytesReceived
	}
}

func (c *collector) counts() (done, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, c.total - c.success
}

func (c *collector) fill(s *Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s.TotalRequests = c.total
	s.SuccessfulRequests = c.success
	s.FailedRequests = c.total - c.success
	s.BytesReceived = c.bytes
	if len(c.errors) > 0 {
		s.Errors = c.errors
	}
	if elapsed := s.EndTime.Sub(s.StartTime).Seconds(); elapsed > 0 {
		s.RequestsPerSecond = float64(c.total) / elapsed
	}
	if c.total == 0 {
		return
	}

	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	s.Latency = Latency{
		Min:  us(c.hist.Min()),
		Mean: time.Duration(c.hist.Mean() * float64(time.Microsecond)),
		P50:  us(c.hist.ValueAtQuantile(50)),
		P90:  us(c.hist.ValueAtQuantile(90)),
		P95:  us(c.hist.ValueAtQuantile(95)),
		P99:  us(c.hist.ValueAtQuantile(99)),
		Max:  us(c.hist.Max()),
	}
}
