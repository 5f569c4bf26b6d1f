package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowdriver/internal/bench"
	"github.com/spf13/cobra"
)

var (
	benchFlags    requestFlags
	benchUsers    int
	benchDuration time.Duration
	benchRate     float64
	benchMetrics  string
	benchJSON     bool
	benchQuiet    bool
)

var benchCmd = &cobra.Command{
	Use:   "bench URL",
	Short: "Load test an endpoint",
	Long: `Send the same request from a number of concurrent users for a fixed
duration, then print throughput, failures and latency percentiles.
Request flags are the same as for "flowdriver send".

Examples:
  flowdriver bench http://localhost:8080/health -n 50 --duration 1m
  flowdriver bench http://localhost:8080/items -X POST -d @item.json --rate 200
  flowdriver bench ws://localhost:8080/echo -d ping -n 1 --duration 10s
  flowdriver bench http://localhost:8080 --metrics :9090`,
	Args: cobra.ExactArgs(1),
	RunE: runBench,
}

func init() {
	benchFlags.register(benchCmd)
	fs := benchCmd.Flags()
	fs.IntVarP(&benchUsers, "users", "n", 0, "Concurrent users (default bench.concurrent_users)")
	fs.DurationVar(&benchDuration, "duration", 0, "Test duration (default bench.duration)")
	fs.Float64Var(&benchRate, "rate", 0, "Requests per second across all users, 0 for unlimited (default bench.rate_limit)")
	fs.StringVar(&benchMetrics, "metrics", "", "Serve Prometheus metrics on this address while running")
	fs.BoolVar(&benchJSON, "json", false, "Output as JSON")
	fs.BoolVarP(&benchQuiet, "quiet", "q", false, "Do not print progress")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	cfg := e.cfg.Bench
	fs := cmd.Flags()
	if fs.Changed("users") {
		cfg.ConcurrentUsers = benchUsers
	}
	if fs.Changed("duration") {
		cfg.Duration = benchDuration
	}
	if fs.Changed("rate") {
		cfg.RateLimit = benchRate
	}
	if !fs.Changed("timeout") && cfg.Timeout > 0 {
		benchFlags.timeout = cfg.Timeout
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req, err := benchFlags.build(ctx, e.cfg, args[0], os.Stdin)
	if err != nil {
		return err
	}
	run := bench.Config{
		Protocol:        string(req.Protocol),
		Request:         req,
		ConcurrentUsers: cfg.ConcurrentUsers,
		Duration:        cfg.Duration,
		RateLimit:       cfg.RateLimit,
		Grace:           req.Timeout,
	}
	if err := bench.Validate(run); err != nil {
		return err
	}

	h, err := benchFlags.connect(ctx, e, req)
	if err != nil {
		return err
	}
	defer h.Close()

	opts := []bench.Option{bench.WithLogger(e.log)}

	m, stopMetrics, err := startMetrics(e, benchMetrics)
	if err != nil {
		return err
	}
	defer stopMetrics()
	if m != nil {
		opts = append(opts, bench.WithRecorder(m))
	}

	progress := !benchQuiet && !benchJSON && styled
	if progress {
		opts = append(opts, bench.WithProgress(func(p bench.Progress) {
			fmt.Fprintf(os.Stderr, "\r%s %s",
				dimStyle().Render(fmt.Sprintf("%s / %s", p.Elapsed.Round(time.Second), run.Duration)),
				valueStyle().Render(fmt.Sprintf("%d requests, %d failed", p.Completed, p.Failed)))
		}))
	}

	// A first signal stops sending and waits for in-flight requests; a
	// second one aborts them.
	runner := bench.NewRunner(h, opts...)
	runCtx, abort := context.WithCancel(cmd.Context())
	defer abort()
	go func() {
		select {
		case <-ctx.Done():
		case <-runCtx.Done():
			return
		}
		runner.Stop()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case <-sig:
			abort()
		case <-runCtx.Done():
		}
	}()

	stats, err := runner.Run(runCtx, run)
	if progress {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}
	return printStats(cmd.OutOrStdout(), stats, benchJSON)
}
