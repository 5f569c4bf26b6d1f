package cli

import (
	"fmt"
	"os"

	"github.com/flowdriver/internal/config"
	"github.com/flowdriver/internal/logging"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"

	configPath string
	logLevel   string
	logFormat  string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "flowdriver",
	Short: "Multi-protocol request runner",
	Long: `
    ███████╗██╗      ██████╗ ██╗    ██╗██████╗ ██████╗ ██╗██╗   ██╗███████╗██████╗
    ██╔════╝██║     ██╔═══██╗██║    ██║██╔══██╗██╔══██╗██║██║   ██║██╔════╝██╔══██╗
    █████╗  ██║     ██║   ██║██║ █╗ ██║██║  ██║██████╔╝██║██║   ██║█████╗  ██████╔╝
    ██╔══╝  ██║     ██║   ██║██║███╗██║██║  ██║██╔══██╗██║╚██╗ ██╔╝██╔══╝  ██╔══██╗
    ██║     ███████╗╚██████╔╝╚███╔███╔╝██████╔╝██║  ██║██║ ╚████╔╝ ███████╗██║  ██║
    ╚═╝     ╚══════╝ ╚═════╝  ╚══╝╚══╝ ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═══╝  ╚══════╝╚═╝  ╚═╝

flowdriver sends requests over HTTP(S), WebSocket, gRPC and ZeroMQ
through one request and result model.

Get started:
  flowdriver send        Send a single request
  flowdriver listen      Stream inbound WebSocket or ZeroMQ messages
  flowdriver grpc        Inspect schemas and check service health
  flowdriver bench       Load test an endpoint`,
	Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle().Render("✗ "+err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text or json)")
}

// SetVersion sets the version info
func SetVersion(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s, commit %s)", version, buildTime, gitCommit)
}

// SetGitCommit sets the commit the binary was built from.
func SetGitCommit(c string) {
	gitCommit = c
	rootCmd.Version = fmt.Sprintf("%s (built %s, commit %s)", version, buildTime, gitCommit)
}

// env is what every command needs before it can build a handler.
type env struct {
	cfg    *config.Config
	log    hclog.Logger
	closer func() error
}

// setup loads the configuration and builds the root logger. Command line
// log flags win over the file and the environment.
func setup() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	log, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	log.Debug("configuration loaded", "path", configPath)
	return &env{cfg: cfg, log: log, closer: closer}, nil
}

func (e *env) Close() {
	if err := e.closer(); err != nil {
		fmt.Fprintln(os.Stderr, "failed to close log file:", err)
	}
}
