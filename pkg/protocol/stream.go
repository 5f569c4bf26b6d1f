package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
)

// stream is a connected byte stream, either plain TCP or TLS over TCP.
// Callers read, write and close it the same way in both cases.
type stream struct {
	net.Conn
	tls *tls.Conn
	log hclog.Logger
}

// Close shuts the stream down. For TLS a close_notify is attempted first;
// a peer that already went away is not an error.
func (s *stream) Close() error {
	if s.tls != nil {
		_ = s.tls.SetWriteDeadline(time.Now().Add(time.Second))
		if err := s.tls.CloseWrite(); err != nil && !isTeardownError(err) {
			s.log.Debug("tls shutdown failed", "remote", s.RemoteAddr(), "error", err)
		}
	}
	if err := s.Conn.Close(); err != nil && !isTeardownError(err) {
		return err
	}
	return nil
}

// isTeardownError matches errors a peer produces by closing first.
func isTeardownError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// streamDialer opens streams and records where the time went.
type streamDialer struct {
	dialer   net.Dialer
	resolver *net.Resolver
	tlsBase  *tls.Config
	log      hclog.Logger
}

func newStreamDialer(cfg ClientConfig, log hclog.Logger) *streamDialer {
	return &streamDialer{
		dialer: net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		resolver: net.DefaultResolver,
		tlsBase:  cfg.tlsBase(),
		log:      log,
	}
}

// dial resolves host, connects to the first reachable address and, when
// secure is set, completes a TLS handshake with SNI set to host.
func (d *streamDialer) dial(ctx context.Context, host, port string, secure bool, m *Metrics) (*stream, error) {
	addrs := []string{host}
	if net.ParseIP(host) == nil {
		start := time.Now()
		resolved, err := d.resolver.LookupHost(ctx, host)
		if m != nil {
			m.DNS = time.Since(start)
		}
		if err != nil {
			return nil, Wrap(KindNetwork, err, "resolve "+host)
		}
		addrs = resolved
	}

	start := time.Now()
	var conn net.Conn
	var lastErr error
	for _, addr := range addrs {
		c, err := d.dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
		if err == nil {
			conn = c
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if m != nil {
		m.Connect = time.Since(start)
	}
	if conn == nil {
		return nil, Wrap(KindNetwork, lastErr, "connect "+net.JoinHostPort(host, port))
	}

	s := &stream{Conn: conn, log: d.log}
	if !secure {
		return s, nil
	}

	cfg := d.tlsBase.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	tc := tls.Client(conn, cfg)

	start = time.Now()
	err := tc.HandshakeContext(ctx)
	if m != nil {
		m.TLS = time.Since(start)
	}
	if err != nil {
		conn.Close()
		return nil, Wrap(KindTLS, err, "tls handshake with "+host)
	}

	state := tc.ConnectionState()
	if len(state.PeerCertificates) > 0 {
		cert := state.PeerCertificates[0]
		d.log.Debug("tls established",
			"host", host,
			"version", tls.VersionName(state.Version),
			"subject", cert.Subject.String(),
			"issuer", cert.Issuer.String())
	}

	s.Conn = tc
	s.tls = tc
	return s, nil
}
