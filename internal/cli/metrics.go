package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/flowdriver/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// startMetrics serves Prometheus metrics when the configuration enables
// them or addr is set. It returns nil metrics when disabled. The returned
// stop function is always safe to call.
func startMetrics(e *env, addr string) (*metrics.Metrics, func(), error) {
	cfg := e.cfg.Metrics
	if addr != "" {
		cfg.Enabled = true
		cfg.Address = addr
	}
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	srv := metrics.NewServer(cfg, reg, e.log)
	if err := srv.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return m, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			e.log.Warn("metrics server shutdown", "error", err)
		}
	}, nil
}
