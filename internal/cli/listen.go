package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowdriver/pkg/protocol"
	"github.com/spf13/cobra"
)

var (
	listenFlags   requestFlags
	listenTopics  []string
	listenSend    string
	listenJSON    bool
	listenMetrics string
)

var listenCmd = &cobra.Command{
	Use:   "listen URL",
	Short: "Stream inbound WebSocket or ZeroMQ messages",
	Long: `Open a WebSocket connection or a ZeroMQ socket and print every inbound
message and status change until interrupted.

Examples:
  flowdriver listen ws://localhost:8080/feed
  flowdriver listen ws://localhost:8080/chat --send '{"join":"room"}'
  flowdriver listen tcp://localhost:5556 --pattern PUB_SUB --role subscriber --topic prices
  flowdriver listen tcp://*:5557 --pattern PUSH_PULL --role puller`,
	Args: cobra.ExactArgs(1),
	RunE: runListen,
}

func init() {
	listenFlags.register(listenCmd)
	listenCmd.Flags().StringArrayVar(&listenTopics, "topic", nil, "Subscription prefix for ZeroMQ subscribers, repeatable")
	listenCmd.Flags().StringVar(&listenSend, "send", "", "Message to send once connected")
	listenCmd.Flags().BoolVar(&listenJSON, "json", false, "Output as JSON lines")
	listenCmd.Flags().StringVar(&listenMetrics, "metrics", "", "Serve Prometheus metrics on this address while listening")
	rootCmd.AddCommand(listenCmd)
}

// eventSource is a handler with an inbound event stream.
type eventSource interface {
	protocol.Handler
	Events() <-chan protocol.Event
	Dropped() int64
}

func runListen(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req, err := listenFlags.build(ctx, e.cfg, args[0], os.Stdin)
	if err != nil {
		return err
	}
	if req.Protocol != protocol.ProtocolWebSocket && req.Protocol != protocol.ProtocolZeroMQ {
		return protocol.Errorf(protocol.KindInvalidArgument, "listen supports websocket and zmq, not %s", req.Protocol)
	}

	h, err := listenFlags.connect(ctx, e, req)
	if err != nil {
		return err
	}
	defer h.Close()
	src := h.(eventSource)

	m, stopMetrics, err := startMetrics(e, listenMetrics)
	if err != nil {
		return err
	}
	defer stopMetrics()

	out := cmd.OutOrStdout()

	if zc, ok := h.(*protocol.ZMQClient); ok && subscriber(e.cfg.ZeroMQ.Role) {
		// No topics subscribes to everything.
		if err := zc.Subscribe(ctx, listenTopics...); err != nil {
			return err
		}
	}

	if listenSend != "" {
		if err := sendOnce(ctx, cmd.OutOrStdout(), h, req); err != nil {
			return err
		}
	}

	if !listenJSON {
		fmt.Fprintln(out, dimStyle().Render(fmt.Sprintf("listening on %s (ctrl+c to stop)", req.URL)))
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m != nil {
				m.SetDroppedEvents(string(req.Protocol), src.Dropped())
			}
		case <-ctx.Done():
			if n := src.Dropped(); n > 0 {
				e.log.Warn("events dropped because output fell behind", "count", n)
			}
			return nil
		case ev, ok := <-src.Events():
			if !ok {
				return nil
			}
			if err := printEvent(out, ev, listenJSON); err != nil {
				return err
			}
		}
	}
}

func subscriber(configured string) bool {
	role, err := protocol.ParseRole(firstNonEmpty(listenFlags.role, configured))
	return err == nil && role == protocol.RoleSubscriber
}

// sendOnce writes --send on the open connection. A WebSocket reply shows up
// as an event; a ZeroMQ reply is printed directly.
func sendOnce(ctx context.Context, out io.Writer, h protocol.Handler, req *protocol.Request) error {
	if ws, ok := h.(*protocol.WebSocketClient); ok {
		return ws.Send(ctx, []byte(listenSend))
	}

	msg := *req
	msg.Body = []byte(listenSend)
	resp, err := h.Execute(ctx, &msg)
	if err != nil || resp.Metrics.BytesReceived == 0 {
		return err
	}
	return printEvent(out, protocol.Event{
		Type: protocol.EventMessage,
		Data: resp.Body,
		Time: time.Now(),
	}, listenJSON)
}
