package protocol

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Protocol identifies the wire protocol a request is meant for.
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolGRPC      Protocol = "grpc"
	ProtocolZeroMQ    Protocol = "zeromq"
)

// ParseProtocol maps user input onto one of the four supported protocols.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http", "https", "rest":
		return ProtocolHTTP, nil
	case "ws", "wss", "websocket":
		return ProtocolWebSocket, nil
	case "grpc":
		return ProtocolGRPC, nil
	case "zmq", "zeromq":
		return ProtocolZeroMQ, nil
	}
	return "", Errorf(KindInvalidArgument, "unknown protocol %q", s)
}

// Header is a single name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Duplicates are kept.
type Headers []Header

// Add appends a header.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Get returns the first value for name, compared case-insensitively.
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Has reports whether a header with the given name exists.
func (h Headers) Has(name string) bool {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return true
		}
	}
	return false
}

// Clone returns a copy that can be mutated independently.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Request describes one call, independent of the protocol that carries it.
type Request struct {
	Protocol Protocol
	Method   string
	URL      string
	Headers  Headers
	Body     []byte
	Auth     AuthConfig
	Timeout  time.Duration
}

// Metrics holds the timings collected while serving a request.
// Fields a protocol cannot observe stay zero.
type Metrics struct {
	DNS           time.Duration
	Connect       time.Duration
	TLS           time.Duration
	FirstByte     time.Duration
	Total         time.Duration
	BytesSent     int64
	BytesReceived int64
}

// Response represents the result of a request.
type Response struct {
	StatusCode int
	Headers    Headers
	Body       []byte
	Metrics    Metrics
	Error      string
}

// Failed reports whether the response denotes a failure: either an error
// message is set or the status code is outside 2xx.
func (r *Response) Failed() bool {
	return r.Error != "" || r.StatusCode < 200 || r.StatusCode > 299
}

func (r *Response) String() string {
	if r.Error != "" {
		return fmt.Sprintf("%d (%s)", r.StatusCode, r.Error)
	}
	return fmt.Sprintf("%d, %d bytes in %s", r.StatusCode, len(r.Body), r.Metrics.Total)
}

// Handler is implemented by every protocol client.
type Handler interface {
	// Execute runs the request and blocks until it completes.
	Execute(ctx context.Context, req *Request) (*Response, error)

	// ExecuteAsync starts the request and returns immediately.
	ExecuteAsync(ctx context.Context, req *Request) *Future

	// Cancel aborts outstanding work. What exactly is aborted depends on
	// the protocol.
	Cancel()

	// Close releases any resources held by the handler.
	Close() error
}

// Validate checks the fields every protocol needs before any I/O starts.
func Validate(req *Request) error {
	if req == nil {
		return Errorf(KindInvalidConfig, "request is nil")
	}
	if strings.TrimSpace(req.URL) == "" {
		return Errorf(KindInvalidConfig, "url is required")
	}
	if strings.TrimSpace(req.Method) == "" {
		return Errorf(KindInvalidConfig, "method is required")
	}
	return nil
}

// ClientConfig contains common configuration for all clients.
type ClientConfig struct {
	MaxConnections  int
	IdleConnTimeout time.Duration
	TLSInsecure     bool
	TLSConfig       *tls.Config
	UserAgent       string
	Logger          hclog.Logger

	WebSocket WebSocketOptions
	ZeroMQ    ZMQOptions
	GRPC      GRPCOptions
}

func (c ClientConfig) logger(name string) hclog.Logger {
	if c.Logger == nil {
		return hclog.NewNullLogger()
	}
	return c.Logger.Named(name)
}

// tlsBase returns the TLS configuration dialers clone for every connection.
func (c ClientConfig) tlsBase() *tls.Config {
	if c.TLSConfig != nil {
		return c.TLSConfig.Clone()
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLSInsecure,
	}
}
