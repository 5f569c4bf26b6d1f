package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/flowdriver/pkg/protocol"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix marks environment variables that override file settings.
// Nested keys are separated by a double underscore, for example
// FLOWDRIVER_HTTP__MAX_CONNECTIONS=4.
const EnvPrefix = "FLOWDRIVER_"

// Load reads and parses a YAML configuration file, then applies
// environment overrides. An empty path starts from the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays FLOWDRIVER_* variables. Keys that are not set keep
// their current value.
func applyEnv(cfg *Config) error {
	k := koanf.New(".")
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return err
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	return k.Unmarshal("", cfg)
}

// validate checks the configuration for errors and fills derived defaults.
func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}

	switch cfg.HTTP.Version {
	case "":
		cfg.HTTP.Version = "1.1"
	case "1.1", "2":
	default:
		return fmt.Errorf("http.version must be 1.1 or 2, got %q", cfg.HTTP.Version)
	}
	if cfg.HTTP.MaxConnections <= 0 {
		return fmt.Errorf("http.max_connections must be positive")
	}
	if (cfg.HTTP.TLS.CertFile == "") != (cfg.HTTP.TLS.KeyFile == "") {
		return fmt.Errorf("http.tls.cert_file and http.tls.key_file must be set together")
	}

	if cfg.WebSocket.EventBuffer < 0 {
		return fmt.Errorf("websocket.event_buffer must not be negative")
	}

	if _, err := protocol.ParsePattern(cfg.ZeroMQ.Pattern); err != nil {
		return fmt.Errorf("zeromq.pattern: %w", err)
	}
	if _, err := protocol.ParseRole(cfg.ZeroMQ.Role); err != nil {
		return fmt.Errorf("zeromq.role: %w", err)
	}
	if cfg.ZeroMQ.HighWaterMark < 0 {
		return fmt.Errorf("zeromq.high_water_mark must not be negative")
	}

	switch strings.ToLower(cfg.Auth.Type) {
	case "":
		cfg.Auth.Type = "none"
	case "none":
	case "basic":
		if cfg.Auth.Username == "" {
			return fmt.Errorf("auth.username is required for basic auth")
		}
	case "bearer":
		if cfg.Auth.Token == "" && cfg.Auth.TokenURL == "" {
			return fmt.Errorf("auth.token or auth.token_url is required for bearer auth")
		}
	case "apikey":
		if cfg.Auth.KeyName == "" {
			return fmt.Errorf("auth.key_name is required for apikey auth")
		}
		if in := strings.ToLower(cfg.Auth.KeyIn); in != "" && in != "header" && in != "query" {
			return fmt.Errorf("auth.key_in must be header or query, got %q", cfg.Auth.KeyIn)
		}
	default:
		return fmt.Errorf("auth.type must be none, basic, bearer or apikey, got %q", cfg.Auth.Type)
	}

	if cfg.Bench.RateLimit < 0 {
		return fmt.Errorf("bench.rate_limit must not be negative")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return nil
}
