package bench

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowdriver/pkg/protocol"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	status int
	err    error
	delay  time.Duration
	calls  atomic.Int64
}

func (h *fakeHandler) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return protocol.Await(ctx, h.ExecuteAsync(ctx, req))
}

func (h *fakeHandler) ExecuteAsync(ctx context.Context, req *protocol.Request) *protocol.Future {
	if err := protocol.Validate(req); err != nil {
		return protocol.Failed(err)
	}
	return protocol.Go(ctx, func(ctx context.Context) (*protocol.Response, error) {
		h.calls.Add(1)
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, protocol.Wrap(protocol.KindTimeout, ctx.Err(), "cancelled")
		}
		if h.err != nil {
			return nil, h.err
		}
		return &protocol.Response{
			StatusCode: h.status,
			Body:       []byte("ok"),
			Metrics:    protocol.Metrics{BytesReceived: 2},
		}, nil
	})
}

func (h *fakeHandler) Cancel()      {}
func (h *fakeHandler) Close() error { return nil }

func request() *protocol.Request {
	return &protocol.Request{Protocol: protocol.ProtocolHTTP, Method: "GET", URL: "http://localhost"}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		msg  string
	}{
		{"no users", Config{Duration: time.Second, Request: request()}, "concurrent users"},
		{"negative users", Config{ConcurrentUsers: -1, Duration: time.Second, Request: request()}, "concurrent users"},
		{"no duration", Config{ConcurrentUsers: 1, Request: request()}, "duration"},
		{"no request", Config{ConcurrentUsers: 1, Duration: time.Second}, "URL cannot be empty"},
		{"blank url", Config{ConcurrentUsers: 1, Duration: time.Second, Request: &protocol.Request{Method: "GET", URL: "  "}}, "URL cannot be empty"},
		{"no method", Config{ConcurrentUsers: 1, Duration: time.Second, Request: &protocol.Request{URL: "http://x"}}, "method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			require.Error(t, err)
			assert.Equal(t, protocol.KindInvalidConfig, protocol.KindOf(err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	assert.NoError(t, Validate(Config{ConcurrentUsers: 1, Duration: time.Second, Request: request()}))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	h := &fakeHandler{status: 200}
	stats, err := NewRunner(h).Run(context.Background(), Config{Request: request()})
	require.Error(t, err)
	assert.Nil(t, stats)
	assert.Zero(t, h.calls.Load())
}

func TestRunCountsSuccesses(t *testing.T) {
	h := &fakeHandler{status: 200, delay: time.Millisecond}
	r := NewRunner(h, WithLogger(hclog.NewNullLogger()))

	stats, err := r.Run(context.Background(), Config{
		Protocol:        "http",
		Request:         request(),
		ConcurrentUsers: 4,
		Duration:        200 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Positive(t, stats.TotalRequests)
	assert.Equal(t, h.calls.Load(), stats.TotalRequests)
	assert.Equal(t, stats.TotalRequests, stats.SuccessfulRequests)
	assert.Zero(t, stats.FailedRequests)
	assert.Empty(t, stats.Errors)
	assert.Equal(t, 2*stats.TotalRequests, stats.BytesReceived)
	assert.Positive(t, stats.RequestsPerSecond)
	assert.True(t, stats.EndTime.After(stats.StartTime))

	l := stats.Latency
	assert.Positive(t, l.Min)
	assert.LessOrEqual(t, l.Min, l.P50)
	assert.LessOrEqual(t, l.P50, l.P90)
	assert.LessOrEqual(t, l.P90, l.P99)
	assert.LessOrEqual(t, l.P99, l.Max)
}

func TestRunCountsStatusFailures(t *testing.T) {
	h := &fakeHandler{status: 503}
	stats, err := NewRunner(h).Run(context.Background(), Config{
		Request:         request(),
		ConcurrentUsers: 2,
		Duration:        100 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Positive(t, stats.TotalRequests)
	assert.Zero(t, stats.SuccessfulRequests)
	assert.Equal(t, stats.TotalRequests, stats.FailedRequests)
	assert.Equal(t, stats.TotalRequests, stats.Errors["status"])
}

func TestRunGroupsErrorsByKind(t *testing.T) {
	h := &fakeHandler{err: protocol.Errorf(protocol.KindNetwork, "connection refused")}
	stats, err := NewRunner(h).Run(context.Background(), Config{
		Request:         request(),
		ConcurrentUsers: 2,
		Duration:        100 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Positive(t, stats.FailedRequests)
	assert.Equal(t, stats.FailedRequests, stats.Errors["network"])
}

func TestRunHonoursRateLimit(t *testing.T) {
	h := &fakeHandler{status: 200}
	stats, err := NewRunner(h).Run(context.Background(), Config{
		Request:         request(),
		ConcurrentUsers: 2,
		Duration:        500 * time.Millisecond,
		RateLimit:       20,
	})
	require.NoError(t, err)

	// About ten requests fit in the window; a few more were already queued.
	assert.Positive(t, stats.TotalRequests)
	assert.LessOrEqual(t, stats.TotalRequests, int64(20))
}

func TestStopEndsRunEarly(t *testing.T) {
	h := &fakeHandler{status: 200, delay: time.Millisecond}
	r := NewRunner(h)

	go func() {
		time.Sleep(100 * time.Millisecond)
		r.Stop()
	}()

	start := time.Now()
	stats, err := r.Run(context.Background(), Config{
		Request:         request(),
		ConcurrentUsers: 2,
		Duration:        time.Minute,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Positive(t, stats.TotalRequests)
}

func TestRunCancelledContextAbandonsQueue(t *testing.T) {
	h := &fakeHandler{status: 200, delay: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	stats, err := NewRunner(h).Run(ctx, Config{
		Request:         request(),
		ConcurrentUsers: 2,
		Duration:        time.Minute,
		Grace:           time.Minute,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Zero(t, stats.SuccessfulRequests)
}

func TestRunReportsProgress(t *testing.T) {
	h := &fakeHandler{status: 200, delay: time.Millisecond}

	var reports atomic.Int64
	var last atomic.Int64
	r := NewRunner(h, WithProgress(func(p Progress) {
		reports.Add(1)
		last.Store(p.Completed)
	}))

	_, err := r.Run(context.Background(), Config{
		Request:         request(),
		ConcurrentUsers: 1,
		Duration:        1500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reports.Load(), int64(1))
	assert.Positive(t, last.Load())
}

func TestRunAgainstHTTPServer(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1)%2 == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	client := protocol.NewHTTPClient(protocol.ClientConfig{MaxConnections: 4})
	defer client.Close()

	stats, err := NewRunner(client).Run(context.Background(), Config{
		Protocol:        "http",
		Request:         &protocol.Request{Method: "GET", URL: srv.URL, Timeout: 5 * time.Second},
		ConcurrentUsers: 4,
		Duration:        200 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Positive(t, hits.Load())
	assert.Positive(t, stats.SuccessfulRequests)
	assert.Positive(t, stats.FailedRequests)
	assert.Equal(t, stats.TotalRequests, stats.SuccessfulRequests+stats.FailedRequests)
}
