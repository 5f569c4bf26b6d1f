package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/flowdriver/pkg/protocol"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientConfig builds the handler configuration. logger may be nil.
func (c *Config) ClientConfig(logger hclog.Logger) (protocol.ClientConfig, error) {
	tlsCfg, err := c.HTTP.TLS.load()
	if err != nil {
		return protocol.ClientConfig{}, err
	}

	return protocol.ClientConfig{
		MaxConnections:  c.HTTP.MaxConnections,
		IdleConnTimeout: c.HTTP.IdleConnTimeout,
		TLSInsecure:     c.HTTP.TLS.Insecure,
		TLSConfig:       tlsCfg,
		UserAgent:       c.HTTP.UserAgent,
		Logger:          logger,
		WebSocket: protocol.WebSocketOptions{
			HandshakeTimeout: c.WebSocket.HandshakeTimeout,
			EventBuffer:      c.WebSocket.EventBuffer,
		},
		ZeroMQ: protocol.ZMQOptions{
			Timeout:           c.ZeroMQ.Timeout,
			ReqRepTimeout:     c.ZeroMQ.ReqRepTimeout,
			HighWaterMark:     c.ZeroMQ.HighWaterMark,
			ReconnectInterval: c.ZeroMQ.ReconnectInterval,
			DialTimeout:       c.ZeroMQ.DialTimeout,
			ReleaseDelay:      c.ZeroMQ.ReleaseDelay,
			EventBuffer:       c.ZeroMQ.EventBuffer,
		},
		GRPC: protocol.GRPCOptions{
			Endpoint: c.GRPC.Endpoint,
			UseTLS:   c.GRPC.UseTLS,
		},
	}, nil
}

// load returns nil when no custom material is configured, leaving the
// handlers on their default TLS settings.
func (t TLS) load() (*tls.Config, error) {
	if t.CAFile == "" && t.CertFile == "" {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.Insecure,
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}

	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// AuthConfig returns the credentials described by the auth section. A
// bearer token with a token_url is refreshed through the OAuth2 client
// credentials flow.
func (a Auth) AuthConfig(ctx context.Context) protocol.AuthConfig {
	switch strings.ToLower(a.Type) {
	case "basic":
		return protocol.BasicAuth{Username: a.Username, Password: a.Password}

	case "bearer":
		b := protocol.BearerAuth{Token: a.Token}
		if a.TokenURL != "" {
			cc := clientcredentials.Config{
				ClientID:     a.ClientID,
				ClientSecret: a.ClientSecret,
				TokenURL:     a.TokenURL,
				Scopes:       a.Scopes,
			}
			b.Source = cc.TokenSource(ctx)
		}
		return b

	case "apikey":
		placement := protocol.PlacementHeader
		if strings.EqualFold(a.KeyIn, "query") {
			placement = protocol.PlacementQuery
		}
		return protocol.APIKeyAuth{Name: a.KeyName, Value: a.KeyValue, Placement: placement}
	}
	return protocol.NoAuth{}
}

// Socket returns the parsed ZeroMQ pattern and role.
func (z ZeroMQ) Socket() (protocol.Pattern, protocol.Role, error) {
	p, err := protocol.ParsePattern(z.Pattern)
	if err != nil {
		return 0, 0, err
	}
	r, err := protocol.ParseRole(z.Role)
	if err != nil {
		return 0, 0, err
	}
	return p, r, nil
}
