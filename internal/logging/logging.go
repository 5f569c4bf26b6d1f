// Package logging builds the root hclog logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/flowdriver/internal/config"
	"github.com/hashicorp/go-hclog"
)

// Name is the root logger name; handlers add their own sub-names.
const Name = "flowdriver"

// New returns the root logger described by cfg and a function that
// releases its output. Logs go to stderr unless cfg.File is set.
func New(cfg config.Log) (hclog.Logger, func() error, error) {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		if cfg.Level != "" {
			return nil, nil, fmt.Errorf("unknown log level %q", cfg.Level)
		}
		level = hclog.Info
	}

	var out io.Writer = os.Stderr
	closer := func() error { return nil }
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closer = f.Close
	}

	return NewWithWriter(cfg, level, out), closer, nil
}

// NewWithWriter is New with an explicit level and destination.
func NewWithWriter(cfg config.Log, level hclog.Level, out io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:            Name,
		Level:           level,
		Output:          out,
		JSONFormat:      strings.EqualFold(cfg.Format, "json"),
		IncludeLocation: level <= hclog.Debug,
	})
}
