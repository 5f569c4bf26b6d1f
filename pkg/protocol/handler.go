package protocol

var (
	_ Handler = (*HTTPClient)(nil)
	_ Handler = (*WebSocketClient)(nil)
	_ Handler = (*GRPCClient)(nil)
	_ Handler = (*ZMQClient)(nil)
)

// New returns the handler for p. Protocol specific setup such as
// WebSocketClient.Connect or ZMQClient.Configure is left to the caller.
func New(p Protocol, cfg ClientConfig) (Handler, error) {
	switch p {
	case ProtocolHTTP:
		return NewHTTPClient(cfg), nil
	case ProtocolWebSocket:
		return NewWebSocketClient(cfg), nil
	case ProtocolGRPC:
		return NewGRPCClient(cfg), nil
	case ProtocolZeroMQ:
		return NewZMQClient(cfg), nil
	}
	return nil, Errorf(KindInvalidArgument, "unsupported protocol %q", p)
}
