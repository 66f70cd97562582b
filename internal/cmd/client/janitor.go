package client

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rzbill/chatrelay/internal/cmd/client/transports"
)

// NewJanitorCommand constructs the `janitor` command group.
func NewJanitorCommand(baseURL BaseURLFunc) *cobra.Command {
	janitorCmd := &cobra.Command{Use: "janitor", Short: "Janitor operations"}
	janitorCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one orphan sweep now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := getTransport(baseURL).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Error != "" {
				return fmt.Errorf("sweep: %s", res.Error)
			}
			return nil
		},
	})
	return janitorCmd
}

// NewHealthCommand constructs the `health` command, which queries the gRPC
// health service at $CHATRELAY_GRPC.
func NewHealthCommand() *cobra.Command {
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, _ := cmd.Flags().GetString("service")
			status, err := transports.NewGRPCHealth(dialGRPCContext).Check(cmd.Context(), service)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", status)
			if status != "SERVING" {
				return fmt.Errorf("server is %s", status)
			}
			return nil
		},
	}
	healthCmd.Flags().String("service", "", "Service name (empty for the whole server)")
	return healthCmd
}
