package protocol

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"
)

// DefaultUserAgent is sent unless the request carries its own User-Agent.
const DefaultUserAgent = "FlowDriver/1.0"

const maxHeaderBytes = 1 << 20

// HTTPClient implements Handler for HTTP/1.1 and HTTP/2.
type HTTPClient struct {
	cfg       ClientConfig
	log       hclog.Logger
	dialer    *streamDialer
	pool      *connPool
	h2        *http.Client
	userAgent string
	bufPool   sync.Pool

	mu     sync.Mutex
	scope  context.Context
	cancel context.CancelFunc
}

// NewHTTPClient creates a new HTTP/1.1 client. Connections are pooled per
// scheme, host and port, with at most cfg.MaxConnections live at a time.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	log := cfg.logger("http")
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	c := &HTTPClient{
		cfg:       cfg,
		log:       log,
		dialer:    newStreamDialer(cfg, log),
		pool:      newConnPool(cfg.MaxConnections, cfg.IdleConnTimeout),
		userAgent: ua,
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 32*1024)
				return &buf
			},
		},
	}
	c.scope, c.cancel = context.WithCancel(context.Background())
	return c
}

// NewHTTP2Client creates a new HTTP/2 client. Plain http URLs use h2c with
// prior knowledge, https URLs negotiate h2 over TLS.
func NewHTTP2Client(cfg ClientConfig) *HTTPClient {
	c := NewHTTPClient(cfg)
	c.h2 = &http.Client{
		Transport: &h2Transport{
			plain: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					d := &net.Dialer{
						Timeout:   30 * time.Second,
						KeepAlive: 30 * time.Second,
					}
					return d.DialContext(ctx, network, addr)
				},
			},
			secure: &http2.Transport{
				TLSClientConfig: cfg.tlsBase(),
			},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return c
}

type h2Transport struct {
	plain  *http2.Transport
	secure *http2.Transport
}

func (t *h2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme == "https" {
		return t.secure.RoundTrip(req)
	}
	return t.plain.RoundTrip(req)
}

func (t *h2Transport) CloseIdleConnections() {
	t.plain.CloseIdleConnections()
	t.secure.CloseIdleConnections()
}

// ExecuteAsync validates req and runs it in a new goroutine.
func (c *HTTPClient) ExecuteAsync(ctx context.Context, req *Request) *Future {
	if err := Validate(req); err != nil {
		return Failed(err)
	}

	c.mu.Lock()
	scope := c.scope
	c.mu.Unlock()

	return Go(ctx, func(ctx context.Context) (*Response, error) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(scope, cancel)
		defer stop()

		return c.do(ctx, req)
	})
}

// Execute runs req and waits for the response.
func (c *HTTPClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	return Await(ctx, c.ExecuteAsync(ctx, req))
}

// Cancel aborts every request in flight and drops idle connections.
func (c *HTTPClient) Cancel() {
	c.mu.Lock()
	c.cancel()
	c.scope, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.pool.closeIdle()
	c.log.Debug("in-flight requests cancelled")
}

// Close releases resources.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()

	c.pool.close()
	if c.h2 != nil {
		c.h2.CloseIdleConnections()
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	headers := req.Headers.Clone()
	rawURL, err := applyRequestAuth(req, &headers)
	if err != nil {
		return nil, err
	}

	t, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}

	if c.h2 != nil {
		return c.doH2(ctx, req.Method, rawURL, headers, req.Body, start)
	}

	for attempt := 0; ; attempt++ {
		var m Metrics
		pc, reused, err := c.pool.get(ctx, t.key(), func(ctx context.Context) (*stream, error) {
			return c.dialer.dial(ctx, t.host, t.port, t.secure(), &m)
		})
		if err != nil {
			return nil, err
		}

		resp, keep, gotBytes, err := c.exchange(ctx, pc, t, req.Method, headers, req.Body, &m, start)
		if err != nil {
			c.pool.discard(pc)
			// The server may have closed an idle connection just before we used it.
			if reused && !gotBytes && attempt == 0 && ctx.Err() == nil {
				c.log.Trace("stale pooled connection, redialing", "key", t.key(), "error", err)
				continue
			}
			return nil, err
		}

		if keep {
			c.pool.put(pc)
		} else {
			c.pool.discard(pc)
		}

		c.log.Trace("request completed",
			"method", req.Method,
			"url", rawURL,
			"status", resp.StatusCode,
			"reused", reused,
			"duration", resp.Metrics.Total)
		return resp, nil
	}
}

// exchange writes one request on pc and reads the full response. keep
// reports whether the connection may be reused; gotBytes whether the server
// sent anything at all.
func (c *HTTPClient) exchange(ctx context.Context, pc *pooledConn, t target, method string, headers Headers, body []byte, m *Metrics, start time.Time) (resp *Response, keep, gotBytes bool, err error) {
	if dl, ok := ctx.Deadline(); ok {
		pc.SetDeadline(dl)
	} else {
		pc.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		pc.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	head, err := c.buildHead(method, t, headers, len(body))
	if err != nil {
		return nil, false, false, err
	}
	if _, err := pc.bw.Write(head); err != nil {
		return nil, false, false, ioError(ctx, err, "write request")
	}
	if _, err := pc.bw.Write(body); err != nil {
		return nil, false, false, ioError(ctx, err, "write request body")
	}
	if err := pc.bw.Flush(); err != nil {
		return nil, false, false, ioError(ctx, err, "write request")
	}
	m.BytesSent = int64(len(head) + len(body))

	if _, err := pc.br.Peek(1); err != nil {
		return nil, false, false, ioError(ctx, err, "read response")
	}
	m.FirstByte = time.Since(start)

	// Interim 1xx blocks (other than 101) precede the final response.
	var interim int
	var raw []byte
	var ordered Headers
	for {
		raw, ordered, err = readHeaderBlock(pc.br)
		if err != nil {
			return nil, false, true, ioError(ctx, err, "read response headers")
		}
		if !informational(raw) {
			break
		}
		interim += len(raw)
	}

	inner := bufio.NewReader(io.MultiReader(bytes.NewReader(raw), pc.br))
	httpResp, err := http.ReadResponse(inner, &http.Request{Method: method})
	if err != nil {
		return nil, false, true, Wrap(KindParse, err, "parse response")
	}
	defer httpResp.Body.Close()

	bufPtr := c.bufPool.Get().(*[]byte)
	defer c.bufPool.Put(bufPtr)

	var buf bytes.Buffer
	if _, err := io.CopyBuffer(&buf, httpResp.Body, *bufPtr); err != nil {
		return nil, false, true, ioError(ctx, err, "read response body")
	}

	m.BytesReceived = int64(interim + len(raw) + buf.Len())
	m.Total = time.Since(start)

	keep = !httpResp.Close && inner.Buffered() == 0
	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    ordered,
		Body:       buf.Bytes(),
		Metrics:    *m,
	}, keep, true, nil
}

// buildHead renders the request line and headers. Caller headers keep their
// order; Host and User-Agent are only added when the caller did not set them.
func (c *HTTPClient) buildHead(method string, t target, headers Headers, bodyLen int) ([]byte, error) {
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, Errorf(KindInvalidArgument, "invalid method %q", method)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, t.uri)
	if !headers.Has("Host") {
		fmt.Fprintf(&b, "Host: %s\r\n", t.authority)
	}
	if !headers.Has("User-Agent") {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", c.userAgent)
	}
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		if !httpguts.ValidHeaderFieldName(h.Name) || !httpguts.ValidHeaderFieldValue(h.Value) {
			return nil, Errorf(KindInvalidArgument, "invalid header %q", h.Name)
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	if bodyLen > 0 || method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", bodyLen)
	}
	b.WriteString("\r\n")
	return b.Bytes(), nil
}

// informational reports whether a header block carries a 1xx status that
// is followed by another response on the same connection.
func informational(raw []byte) bool {
	line, _, _ := bytes.Cut(raw, []byte("\n"))
	_, rest, ok := bytes.Cut(line, []byte(" "))
	if !ok || len(rest) < 3 {
		return false
	}
	code, err := strconv.Atoi(string(rest[:3]))
	if err != nil {
		return false
	}
	return code >= 100 && code < 200 && code != http.StatusSwitchingProtocols
}

// readHeaderBlock consumes the status line and header lines up to the blank
// line. It returns the raw bytes and the headers in wire order.
func readHeaderBlock(br *bufio.Reader) ([]byte, Headers, error) {
	var raw []byte
	var headers Headers
	first := true

	for {
		line, err := br.ReadString('\n')
		raw = append(raw, line...)
		if err != nil {
			return nil, nil, err
		}
		if len(raw) > maxHeaderBytes {
			return nil, nil, Errorf(KindParse, "response headers exceed %d bytes", maxHeaderBytes)
		}

		text := strings.TrimRight(line, "\r\n")
		if first {
			first = false
			continue
		}
		if text == "" {
			return raw, headers, nil
		}
		if (text[0] == ' ' || text[0] == '\t') && len(headers) > 0 {
			last := &headers[len(headers)-1]
			last.Value += " " + strings.TrimSpace(text)
			continue
		}
		name, value, ok := strings.Cut(text, ":")
		if !ok {
			return nil, nil, Errorf(KindParse, "malformed header line %q", text)
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

func (c *HTTPClient) doH2(ctx context.Context, method, rawURL string, headers Headers, body []byte, start time.Time) (*Response, error) {
	var m Metrics
	var dnsStart, connStart, tlsStart time.Time
	trace := &httptrace.ClientTrace{
		DNSStart:             func(httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone:              func(httptrace.DNSDoneInfo) { m.DNS = time.Since(dnsStart) },
		ConnectStart:         func(string, string) { connStart = time.Now() },
		ConnectDone:          func(string, string, error) { m.Connect = time.Since(connStart) },
		TLSHandshakeStart:    func() { tlsStart = time.Now() },
		TLSHandshakeDone:     func(tls.ConnectionState, error) { m.TLS = time.Since(tlsStart) },
		GotFirstResponseByte: func() { m.FirstByte = time.Since(start) },
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
		m.BytesSent = int64(len(body))
	}

	httpReq, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), method, rawURL, bodyReader)
	if err != nil {
		return nil, Wrap(KindInvalidArgument, err, "build request")
	}
	for _, h := range headers {
		httpReq.Header.Add(h.Name, h.Value)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	httpResp, err := c.h2.Do(httpReq)
	if err != nil {
		return nil, ioError(ctx, err, "http2 request")
	}
	defer httpResp.Body.Close()

	bufPtr := c.bufPool.Get().(*[]byte)
	defer c.bufPool.Put(bufPtr)

	var buf bytes.Buffer
	if _, err := io.CopyBuffer(&buf, httpResp.Body, *bufPtr); err != nil {
		return nil, ioError(ctx, err, "read response body")
	}

	names := make([]string, 0, len(httpResp.Header))
	for name := range httpResp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	var out Headers
	for _, name := range names {
		for _, v := range httpResp.Header[name] {
			out.Add(name, v)
		}
	}

	m.BytesReceived = int64(buf.Len())
	m.Total = time.Since(start)
	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    out,
		Body:       buf.Bytes(),
		Metrics:    m,
	}, nil
}

// ioError classifies a transport failure, preferring the context's verdict
// when the context ended first.
func ioError(ctx context.Context, err error, msg string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if ctxErr == context.DeadlineExceeded {
			return Wrap(KindTimeout, ctxErr, msg)
		}
		return Wrap(KindNetwork, ctxErr, msg)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return Wrap(KindTimeout, err, msg)
	}
	return Wrap(KindNetwork, err, msg)
}

// target is a parsed request URL.
type target struct {
	scheme    string
	host      string
	port      string
	authority string
	uri       string
}

func (t target) key() string  { return t.scheme + ":" + t.host + ":" + t.port }
func (t target) secure() bool { return t.scheme == "https" || t.scheme == "wss" }

func parseTarget(raw string) (target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, Wrap(KindInvalidConfig, err, "parse url")
	}

	scheme := strings.ToLower(u.Scheme)
	var defaultPort string
	switch scheme {
	case "http":
		defaultPort = "80"
	case "https":
		defaultPort = "443"
	default:
		return target{}, Errorf(KindInvalidConfig, "unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return target{}, Errorf(KindInvalidConfig, "url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	return target{
		scheme:    scheme,
		host:      host,
		port:      port,
		authority: u.Host,
		uri:       u.RequestURI(),
	}, nil
}
