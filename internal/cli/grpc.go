package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/flowdriver/pkg/protocol"
	"github.com/spf13/cobra"
)

var (
	grpcProto   string
	grpcJSON    bool
	grpcTimeout time.Duration
)

var grpcCmd = &cobra.Command{
	Use:   "grpc",
	Short: "Inspect gRPC schemas and check service health",
	Long: `Inspect a .proto file without connecting, or query the standard
health service of a server. Calls are made with "flowdriver send".

Examples:
  flowdriver grpc services --proto greeter.proto
  flowdriver grpc methods Greeter --proto greeter.proto
  flowdriver grpc health localhost:50051
  flowdriver grpc health localhost:50051 demo.v1.Greeter`,
}

var grpcServicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List the services in a schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := loadSchema(cmd.Context())
		if err != nil {
			return err
		}
		return printList(cmd, "Services in "+schema.Package(), schema.Services())
	},
}

var grpcMethodsCmd = &cobra.Command{
	Use:   "methods SERVICE",
	Short: "List the methods of a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := loadSchema(cmd.Context())
		if err != nil {
			return err
		}
		methods, err := schema.Methods(args[0])
		if err != nil {
			return err
		}
		return printList(cmd, "Methods of "+args[0], methods)
	},
}

var grpcHealthCmd = &cobra.Command{
	Use:   "health ENDPOINT [SERVICE]",
	Short: "Query the standard health service",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runGRPCHealth,
}

func init() {
	grpcCmd.PersistentFlags().StringVar(&grpcProto, "proto", "", "gRPC schema file (default grpc.proto_file)")
	grpcCmd.PersistentFlags().BoolVar(&grpcJSON, "json", false, "Output as JSON")
	grpcHealthCmd.Flags().DurationVarP(&grpcTimeout, "timeout", "t", 5*time.Second, "Health check timeout")

	grpcCmd.AddCommand(grpcServicesCmd, grpcMethodsCmd, grpcHealthCmd)
	rootCmd.AddCommand(grpcCmd)
}

func loadSchema(ctx context.Context) (*protocol.Schema, error) {
	e, err := setup()
	if err != nil {
		return nil, err
	}
	defer e.Close()
	return protocol.LoadSchema(ctx, firstNonEmpty(grpcProto, e.cfg.GRPC.ProtoFile))
}

func printList(cmd *cobra.Command, title string, items []string) error {
	out := cmd.OutOrStdout()
	if grpcJSON {
		return writeJSON(out, items)
	}
	fmt.Fprintln(out, titleStyle().Render(title))
	for _, item := range items {
		fmt.Fprintf(out, "  %s %s\n", accentStyle().Render("•"), item)
	}
	return nil
}

func runGRPCHealth(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	cc, err := e.cfg.ClientConfig(e.log)
	if err != nil {
		return err
	}
	cc.GRPC.Endpoint = args[0]
	c := protocol.NewGRPCClient(cc)
	defer c.Close()

	service := ""
	if len(args) == 2 {
		service = args[1]
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), grpcTimeout)
	defer cancel()

	status, err := c.CheckHealth(ctx, service)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if grpcJSON {
		return writeJSON(out, map[string]string{"endpoint": args[0], "service": service, "status": status})
	}
	st := warningStyle()
	if status == "SERVING" {
		st = successStyle()
	}
	fmt.Fprintf(out, "%s %s\n", labelStyle().Render(args[0]), st.Render(status))
	return nil
}
