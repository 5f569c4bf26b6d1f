package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// DefaultGRPCEndpoint is used until SetEndpoint is called.
const DefaultGRPCEndpoint = "localhost:50051"

// GRPCOptions tunes the gRPC client.
type GRPCOptions struct {
	Endpoint string
	UseTLS   bool
}

// GRPCClient implements Handler for unary gRPC calls described by a
// .proto file loaded at runtime.
type GRPCClient struct {
	cfg ClientConfig
	log hclog.Logger

	mu       sync.RWMutex
	schema   *Schema
	service  protoreflect.ServiceDescriptor
	method   protoreflect.MethodDescriptor
	endpoint string
	useTLS   bool
	conn     *grpc.ClientConn
	metadata Headers
	closed   bool
}

// NewGRPCClient creates a new gRPC client.
func NewGRPCClient(cfg ClientConfig) *GRPCClient {
	endpoint := cfg.GRPC.Endpoint
	if endpoint == "" {
		endpoint = DefaultGRPCEndpoint
	}
	return &GRPCClient{
		cfg:      cfg,
		log:      cfg.logger("grpc"),
		endpoint: endpoint,
		useTLS:   cfg.GRPC.UseTLS,
	}
}

// LoadProtoFile compiles path and makes its services available. Any
// previously selected service and method are cleared.
func (c *GRPCClient) LoadProtoFile(ctx context.Context, path string) error {
	schema, err := LoadSchema(ctx, path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.schema = schema
	c.service = nil
	c.method = nil
	c.mu.Unlock()

	c.log.Info("proto file loaded", "path", path, "services", len(schema.Services()))
	return nil
}

// Services lists the services of the loaded file.
func (c *GRPCClient) Services() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.schema == nil {
		return nil
	}
	return c.schema.Services()
}

// Methods lists the methods of a service in the loaded file.
func (c *GRPCClient) Methods(service string) ([]string, error) {
	c.mu.RLock()
	schema := c.schema
	c.mu.RUnlock()
	if schema == nil {
		return nil, Errorf(KindInvalidState, "no proto file loaded")
	}
	return schema.Methods(service)
}

// SetService selects the service subsequent calls go to.
func (c *GRPCClient) SetService(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.schema == nil {
		return Errorf(KindInvalidState, "no proto file loaded")
	}
	sd, err := c.schema.ResolveService(name)
	if err != nil {
		return err
	}
	c.service = sd
	c.method = nil
	return nil
}

// Service returns the full name of the selected service.
func (c *GRPCClient) Service() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.service == nil {
		return ""
	}
	return string(c.service.FullName())
}

// SetMethod selects a unary method of the selected service.
func (c *GRPCClient) SetMethod(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.service == nil {
		return Errorf(KindInvalidState, "no service selected")
	}
	md := c.service.Methods().ByName(protoreflect.Name(name))
	if md == nil {
		return Errorf(KindInvalidConfig, "method %q not found in %s", name, c.service.FullName())
	}
	if md.IsStreamingClient() || md.IsStreamingServer() {
		return Errorf(KindInvalidConfig, "method %s is streaming; only unary calls are supported", md.FullName())
	}
	c.method = md
	return nil
}

// SetEndpoint points the client at a new server, replacing the channel.
func (c *GRPCClient) SetEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return Errorf(KindInvalidConfig, "endpoint is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint = endpoint
	return c.reconnectLocked()
}

// Endpoint returns the server address.
func (c *GRPCClient) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// SetUseTLS switches between TLS and plaintext, replacing the channel.
func (c *GRPCClient) SetUseTLS(useTLS bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useTLS = useTLS
	return c.reconnectLocked()
}

// SetAuthMetadata sets metadata sent with every call.
func (c *GRPCClient) SetAuthMetadata(md Headers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata = md.Clone()
}

func (c *GRPCClient) dialOptions() []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
			grpc.MaxCallSendMsgSize(math.MaxInt32),
		),
	}

	if c.useTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.cfg.tlsBase())))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return opts
}

// reconnectLocked replaces the channel. c.mu must be held.
func (c *GRPCClient) reconnectLocked() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.closed {
		return nil
	}
	conn, err := grpc.NewClient(c.endpoint, c.dialOptions()...)
	if err != nil {
		return Wrap(KindInvalidConfig, err, "create channel to "+c.endpoint)
	}
	c.conn = conn
	return nil
}

// getConn returns the current channel, creating it on first use.
func (c *GRPCClient) getConn() (*grpc.ClientConn, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		return conn, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, Errorf(KindInvalidState, "client closed")
	}
	if c.conn == nil {
		if err := c.reconnectLocked(); err != nil {
			return nil, err
		}
	}
	return c.conn, nil
}

// ExecuteAsync invokes the selected method with req.Body as JSON input.
func (c *GRPCClient) ExecuteAsync(ctx context.Context, req *Request) *Future {
	if err := Validate(req); err != nil {
		return Failed(err)
	}
	return Go(ctx, func(ctx context.Context) (*Response, error) {
		return c.invoke(ctx, req)
	})
}

// Execute invokes the selected method and waits for the reply.
func (c *GRPCClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	return Await(ctx, c.ExecuteAsync(ctx, req))
}

func (c *GRPCClient) invoke(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	c.mu.RLock()
	service, method := c.service, c.method
	headers := c.metadata.Clone()
	c.mu.RUnlock()

	if method == nil {
		return nil, Errorf(KindInvalidArgument, "no method selected")
	}

	in := dynamicpb.NewMessage(method.Input())
	body := bytes.TrimSpace(req.Body)
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := protojson.Unmarshal(body, in); err != nil {
		return nil, Wrap(KindInvalidArgument, err, "decode request JSON")
	}

	headers = append(headers, req.Headers...)
	if _, err := applyRequestAuth(req, &headers); err != nil {
		return nil, err
	}
	md := metadata.MD{}
	for _, h := range headers {
		md.Append(strings.ToLower(h.Name), h.Value)
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	conn, err := c.getConn()
	if err != nil {
		return nil, err
	}

	fullMethod := "/" + string(service.FullName()) + "/" + string(method.Name())
	out := dynamicpb.NewMessage(method.Output())
	var header metadata.MD

	err = conn.Invoke(ctx, fullMethod, in, out, grpc.Header(&header))
	m := Metrics{
		Total:     time.Since(start),
		BytesSent: int64(len(body)),
	}
	if err != nil {
		st, ok := status.FromError(err)
		switch {
		case !ok, ctx.Err() != nil:
			return nil, ioError(ctx, err, "invoke "+fullMethod)
		case header.Len() == 0 && (st.Code() == codes.Unavailable || st.Code() == codes.Canceled):
			// Never reached the server, or the channel was replaced by Cancel.
			return nil, Wrap(KindNetwork, err, "invoke "+fullMethod)
		}
		// The server answered with a status: that is a result, not a local failure.
		c.log.Debug("call returned status", "method", fullMethod, "code", st.Code(), "message", st.Message())
		return &Response{
			StatusCode: int(st.Code()),
			Headers:    metadataHeaders(header),
			Error:      st.Message(),
			Metrics:    m,
		}, nil
	}

	raw, err := protojson.MarshalOptions{EmitUnpopulated: true}.Marshal(out)
	if err != nil {
		return nil, Wrap(KindParse, err, "encode response JSON")
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return nil, Wrap(KindParse, err, "format response JSON")
	}

	m.BytesReceived = int64(pretty.Len())
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    metadataHeaders(header),
		Body:       pretty.Bytes(),
		Metrics:    m,
	}, nil
}

// CheckHealth queries the standard health service of the endpoint.
func (c *GRPCClient) CheckHealth(ctx context.Context, service string) (string, error) {
	conn, err := c.getConn()
	if err != nil {
		return "", err
	}
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
		Service: service,
	})
	if err != nil {
		if st, ok := status.FromError(err); ok {
			return "", Errorf(KindProtocol, "health check: %s: %s", st.Code(), st.Message())
		}
		return "", Wrap(KindNetwork, err, "health check")
	}
	return resp.Status.String(), nil
}

func metadataHeaders(md metadata.MD) Headers {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out Headers
	for _, k := range keys {
		for _, v := range md[k] {
			out.Add(k, v)
		}
	}
	return out
}

// Cancel aborts every call in flight by replacing the channel.
func (c *GRPCClient) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reconnectLocked(); err != nil {
		c.log.Warn("channel not recreated", "error", err)
	}
}

// Close releases the channel.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
