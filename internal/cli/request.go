package cli

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/flowdriver/internal/config"
	"github.com/flowdriver/pkg/protocol"
	"github.com/spf13/cobra"
)

// requestFlags are shared by every command that builds a request.
type requestFlags struct {
	protocol string
	method   string
	headers  []string
	data     string
	timeout  time.Duration

	user     string
	bearer   string
	apiKey   string
	apiKeyIn string

	protoFile string
	service   string
	rpc       string

	pattern string
	role    string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.protocol, "protocol", "p", "", "Protocol: http, websocket, grpc or zmq (default from the URL scheme)")
	fs.StringVarP(&f.method, "method", "X", "GET", "HTTP method")
	fs.StringArrayVarP(&f.headers, "header", "H", nil, `Header as "Name: value", repeatable`)
	fs.StringVarP(&f.data, "data", "d", "", "Request body, @file to read a file or @- for stdin")
	fs.DurationVarP(&f.timeout, "timeout", "t", 30*time.Second, "Request timeout")

	fs.StringVarP(&f.user, "user", "u", "", `Basic credentials as "user:password"`)
	fs.StringVar(&f.bearer, "bearer", "", "Bearer token")
	fs.StringVar(&f.apiKey, "api-key", "", `API key as "name=value"`)
	fs.StringVar(&f.apiKeyIn, "api-key-in", "header", "Where the API key goes: header or query")

	fs.StringVar(&f.protoFile, "proto", "", "gRPC schema file")
	fs.StringVar(&f.service, "service", "", "gRPC service")
	fs.StringVar(&f.rpc, "rpc", "", "gRPC method")

	fs.StringVar(&f.pattern, "pattern", "", "ZeroMQ pattern: REQ_REP, PUB_SUB, PUSH_PULL or DEALER_ROUTER")
	fs.StringVar(&f.role, "role", "", "ZeroMQ role")
}

// parseHeaders turns "Name: value" lines into headers, keeping order and
// duplicates.
func parseHeaders(lines []string) (protocol.Headers, error) {
	var headers protocol.Headers
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, protocol.Errorf(protocol.KindInvalidArgument, "malformed header %q, want \"Name: value\"", line)
		}
		headers.Add(name, strings.TrimSpace(value))
	}
	return headers, nil
}

// authConfig picks credentials from the flags, falling back to the auth
// section of the configuration. At most one credential flag may be set.
func (f *requestFlags) authConfig(ctx context.Context, cfg config.Auth) (protocol.AuthConfig, error) {
	set := 0
	for _, v := range []string{f.user, f.bearer, f.apiKey} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return nil, protocol.Errorf(protocol.KindInvalidArgument, "--user, --bearer and --api-key are mutually exclusive")
	}

	switch {
	case f.user != "":
		user, pass, _ := strings.Cut(f.user, ":")
		return protocol.BasicAuth{Username: user, Password: pass}, nil
	case f.bearer != "":
		return protocol.BearerAuth{Token: f.bearer}, nil
	case f.apiKey != "":
		name, value, ok := strings.Cut(f.apiKey, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, protocol.Errorf(protocol.KindInvalidArgument, "malformed api key %q, want \"name=value\"", f.apiKey)
		}
		placement := protocol.PlacementHeader
		switch strings.ToLower(f.apiKeyIn) {
		case "", "header":
		case "query":
			placement = protocol.PlacementQuery
		default:
			return nil, protocol.Errorf(protocol.KindInvalidArgument, "--api-key-in must be header or query, got %q", f.apiKeyIn)
		}
		return protocol.APIKeyAuth{Name: strings.TrimSpace(name), Value: value, Placement: placement}, nil
	}
	return cfg.AuthConfig(ctx), nil
}

func (f *requestFlags) body(stdin io.Reader) ([]byte, error) {
	switch {
	case f.data == "@-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(f.data, "@"):
		data, err := os.ReadFile(f.data[1:])
		if err != nil {
			return nil, protocol.Wrap(protocol.KindInvalidArgument, err, "read request body")
		}
		return data, nil
	}
	return []byte(f.data), nil
}

// resolveProtocol uses --protocol when given and the URL scheme otherwise.
func (f *requestFlags) resolveProtocol(rawURL string) (protocol.Protocol, error) {
	if f.protocol != "" {
		return protocol.ParseProtocol(f.protocol)
	}
	if !strings.Contains(rawURL, "://") {
		if _, _, err := net.SplitHostPort(rawURL); err == nil {
			return protocol.ProtocolGRPC, nil
		}
		return "", protocol.Errorf(protocol.KindInvalidArgument, "cannot infer protocol from %q, pass --protocol", rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", protocol.Wrap(protocol.KindInvalidArgument, err, "parse url")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return protocol.ProtocolHTTP, nil
	case "ws", "wss":
		return protocol.ProtocolWebSocket, nil
	case "tcp", "ipc", "inproc":
		return protocol.ProtocolZeroMQ, nil
	}
	return "", protocol.Errorf(protocol.KindInvalidArgument, "cannot infer protocol from scheme %q, pass --protocol", u.Scheme)
}

// build assembles the request described by the flags.
func (f *requestFlags) build(ctx context.Context, cfg *config.Config, rawURL string, stdin io.Reader) (*protocol.Request, error) {
	p, err := f.resolveProtocol(rawURL)
	if err != nil {
		return nil, err
	}
	headers, err := parseHeaders(f.headers)
	if err != nil {
		return nil, err
	}
	body, err := f.body(stdin)
	if err != nil {
		return nil, err
	}
	auth, err := f.authConfig(ctx, cfg.Auth)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(f.method)
	switch p {
	case protocol.ProtocolWebSocket, protocol.ProtocolZeroMQ:
		method = "SEND"
	case protocol.ProtocolGRPC:
		method = "CALL"
	}

	return &protocol.Request{
		Protocol: p,
		Method:   method,
		URL:      rawURL,
		Headers:  headers,
		Body:     body,
		Auth:     auth,
		Timeout:  f.timeout,
	}, nil
}

// connect returns a handler ready to execute req. The caller closes it.
func (f *requestFlags) connect(ctx context.Context, e *env, req *protocol.Request) (protocol.Handler, error) {
	cc, err := e.cfg.ClientConfig(e.log)
	if err != nil {
		return nil, err
	}

	switch req.Protocol {
	case protocol.ProtocolHTTP:
		if e.cfg.HTTP.Version == "2" {
			return protocol.NewHTTP2Client(cc), nil
		}
		return protocol.NewHTTPClient(cc), nil

	case protocol.ProtocolWebSocket:
		c := protocol.NewWebSocketClient(cc)
		if err := c.Connect(ctx, req); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil

	case protocol.ProtocolGRPC:
		cc.GRPC.Endpoint = req.URL
		c, err := f.grpcClient(ctx, e.cfg.GRPC, cc)
		if err != nil {
			return nil, err
		}
		return c, nil

	case protocol.ProtocolZeroMQ:
		c, err := f.zmqClient(ctx, e.cfg.ZeroMQ, cc, req.URL)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, protocol.Errorf(protocol.KindInvalidArgument, "unsupported protocol %q", req.Protocol)
}

func (f *requestFlags) grpcClient(ctx context.Context, cfg config.GRPC, cc protocol.ClientConfig) (*protocol.GRPCClient, error) {
	c := protocol.NewGRPCClient(cc)

	protoFile := firstNonEmpty(f.protoFile, cfg.ProtoFile)
	if protoFile == "" {
		c.Close()
		return nil, protocol.Errorf(protocol.KindInvalidArgument, "a schema is required, pass --proto")
	}
	if err := c.LoadProtoFile(ctx, protoFile); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.SetService(firstNonEmpty(f.service, cfg.Service)); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.SetMethod(firstNonEmpty(f.rpc, cfg.Method)); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (f *requestFlags) zmqClient(ctx context.Context, cfg config.ZeroMQ, cc protocol.ClientConfig, endpoint string) (*protocol.ZMQClient, error) {
	if f.pattern != "" {
		cfg.Pattern = f.pattern
	}
	if f.role != "" {
		cfg.Role = f.role
	}
	pattern, role, err := cfg.Socket()
	if err != nil {
		return nil, err
	}

	c := protocol.NewZMQClient(cc)
	if err := c.Configure(ctx, pattern, role, firstNonEmpty(endpoint, cfg.Endpoint)); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
