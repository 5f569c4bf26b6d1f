package config

import "time"

// Config is the root configuration structure.
type Config struct {
	Log       Log       `yaml:"log" koanf:"log"`
	HTTP      HTTP      `yaml:"http" koanf:"http"`
	WebSocket WebSocket `yaml:"websocket" koanf:"websocket"`
	GRPC      GRPC      `yaml:"grpc" koanf:"grpc"`
	ZeroMQ    ZeroMQ    `yaml:"zeromq" koanf:"zeromq"`
	Auth      Auth      `yaml:"auth" koanf:"auth"`
	Bench     Bench     `yaml:"bench" koanf:"bench"`
	Metrics   Metrics   `yaml:"metrics" koanf:"metrics"`
}

// Log configures the root logger.
type Log struct {
	Level  string `yaml:"level" koanf:"level"`
	Format string `yaml:"format" koanf:"format"` // text or json
	File   string `yaml:"file,omitempty" koanf:"file"`
}

// HTTP configures the HTTP handler.
type HTTP struct {
	Version         string        `yaml:"version" koanf:"version"` // 1.1 or 2
	MaxConnections  int           `yaml:"max_connections" koanf:"max_connections"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout" koanf:"idle_conn_timeout"`
	UserAgent       string        `yaml:"user_agent,omitempty" koanf:"user_agent"`
	TLS             TLS           `yaml:"tls" koanf:"tls"`
}

// TLS holds client TLS material shared by every handler.
type TLS struct {
	Insecure bool   `yaml:"insecure" koanf:"insecure"`
	CAFile   string `yaml:"ca_file,omitempty" koanf:"ca_file"`
	CertFile string `yaml:"cert_file,omitempty" koanf:"cert_file"`
	KeyFile  string `yaml:"key_file,omitempty" koanf:"key_file"`
}

// WebSocket configures the WebSocket handler.
type WebSocket struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" koanf:"handshake_timeout"`
	EventBuffer      int           `yaml:"event_buffer" koanf:"event_buffer"`
}

// GRPC configures the gRPC handler.
type GRPC struct {
	Endpoint  string `yaml:"endpoint" koanf:"endpoint"`
	UseTLS    bool   `yaml:"use_tls" koanf:"use_tls"`
	ProtoFile string `yaml:"proto_file,omitempty" koanf:"proto_file"`
	Service   string `yaml:"service,omitempty" koanf:"service"`
	Method    string `yaml:"method,omitempty" koanf:"method"`
}

// ZeroMQ configures the ZeroMQ handler.
type ZeroMQ struct {
	Pattern           string        `yaml:"pattern" koanf:"pattern"`
	Role              string        `yaml:"role" koanf:"role"`
	Endpoint          string        `yaml:"endpoint" koanf:"endpoint"`
	Timeout           time.Duration `yaml:"timeout" koanf:"timeout"`
	ReqRepTimeout     time.Duration `yaml:"req_rep_timeout" koanf:"req_rep_timeout"`
	HighWaterMark     int           `yaml:"high_water_mark" koanf:"high_water_mark"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" koanf:"reconnect_interval"`
	DialTimeout       time.Duration `yaml:"dial_timeout" koanf:"dial_timeout"`
	ReleaseDelay      time.Duration `yaml:"release_delay" koanf:"release_delay"`
	EventBuffer       int           `yaml:"event_buffer" koanf:"event_buffer"`
}

// Auth selects the credential attached to outgoing requests.
type Auth struct {
	Type     string `yaml:"type" koanf:"type"` // none, basic, bearer or apikey
	Username string `yaml:"username,omitempty" koanf:"username"`
	Password string `yaml:"password,omitempty" koanf:"password"`

	Token        string   `yaml:"token,omitempty" koanf:"token"`
	TokenURL     string   `yaml:"token_url,omitempty" koanf:"token_url"` // client credentials refresh
	ClientID     string   `yaml:"client_id,omitempty" koanf:"client_id"`
	ClientSecret string   `yaml:"client_secret,omitempty" koanf:"client_secret"`
	Scopes       []string `yaml:"scopes,omitempty" koanf:"scopes"`

	KeyName  string `yaml:"key_name,omitempty" koanf:"key_name"`
	KeyValue string `yaml:"key_value,omitempty" koanf:"key_value"`
	KeyIn    string `yaml:"key_in,omitempty" koanf:"key_in"` // header or query
}

// Bench configures the benchmark runner.
type Bench struct {
	ConcurrentUsers int           `yaml:"concurrent_users" koanf:"concurrent_users"`
	Duration        time.Duration `yaml:"duration" koanf:"duration"`
	RateLimit       float64       `yaml:"rate_limit" koanf:"rate_limit"` // requests per second, 0 = unlimited
	Timeout         time.Duration `yaml:"timeout" koanf:"timeout"`
}

// Metrics configures Prometheus metrics.
type Metrics struct {
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
	Address string `yaml:"address" koanf:"address"`
	Path    string `yaml:"path" koanf:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		HTTP: HTTP{
			Version:         "1.1",
			MaxConnections:  10,
			IdleConnTimeout: 90 * time.Second,
		},
		WebSocket: WebSocket{
			HandshakeTimeout: 45 * time.Second,
			EventBuffer:      256,
		},
		GRPC: GRPC{
			Endpoint: "localhost:50051",
		},
		ZeroMQ: ZeroMQ{
			Pattern:           "REQ_REP",
			Role:              "requester",
			Endpoint:          "tcp://localhost:5555",
			Timeout:           500 * time.Millisecond,
			ReqRepTimeout:     30 * time.Second,
			HighWaterMark:     1000,
			ReconnectInterval: 100 * time.Millisecond,
			DialTimeout:       5 * time.Second,
			ReleaseDelay:      100 * time.Millisecond,
			EventBuffer:       256,
		},
		Auth: Auth{
			Type:  "none",
			KeyIn: "header",
		},
		Bench: Bench{
			ConcurrentUsers: 10,
			Duration:        30 * time.Second,
			Timeout:         30 * time.Second,
		},
		Metrics: Metrics{
			Enabled: false,
			Address: ":9090",
			Path:    "/metrics",
		},
	}
}
