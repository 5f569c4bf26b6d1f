package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	sendFlags requestFlags
	sendJSON  bool
)

var sendCmd = &cobra.Command{
	Use:   "send URL",
	Short: "Send a single request",
	Long: `Send one request and print the result. The protocol is taken from the
URL scheme unless --protocol is given: http(s) for HTTP, ws(s) for WebSocket,
tcp/ipc for ZeroMQ and a bare host:port for gRPC.

Examples:
  flowdriver send https://example.com/api -H "Accept: application/json"
  flowdriver send -X POST http://localhost:8080/items -d @item.json --bearer $TOKEN
  flowdriver send ws://localhost:8080/echo -d "hello"
  flowdriver send localhost:50051 --proto greeter.proto --service Greeter --rpc SayHello -d '{"name":"x"}'
  flowdriver send tcp://localhost:5555 --pattern REQ_REP --role requester -d ping`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendFlags.register(sendCmd)
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req, err := sendFlags.build(ctx, e.cfg, args[0], os.Stdin)
	if err != nil {
		return err
	}

	h, err := sendFlags.connect(ctx, e, req)
	if err != nil {
		return err
	}
	defer h.Close()

	e.log.Debug("sending request", "protocol", req.Protocol, "method", req.Method, "url", req.URL)
	resp, err := h.Execute(ctx, req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			h.Cancel()
		}
		return err
	}
	return printResponse(cmd.OutOrStdout(), resp, sendJSON)
}
