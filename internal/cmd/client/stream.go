// Package client contains Cobra CLI commands for chatrelay.
package client

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rzbill/chatrelay/internal/cmd/client/transports"
	"github.com/rzbill/chatrelay/internal/eventlog"
)

// NewStreamCommand constructs the `stream` command group and subcommands.
func NewStreamCommand(baseURL BaseURLFunc) *cobra.Command {
	streamCmd := &cobra.Command{Use: "stream", Short: "Stream operations"}

	streamCmd.AddCommand(
		newStreamTailCommand(baseURL),
		newStreamListCommand(baseURL),
		newStreamGetCommand(baseURL),
		newStreamDeleteCommand(baseURL),
	)

	return streamCmd
}

// newStreamTailCommand constructs the `stream tail` subcommand.
func newStreamTailCommand(baseURL BaseURLFunc) *cobra.Command {
	tailCmd := &cobra.Command{
		Use:   "tail STREAM_ID",
		Short: "Follow a reply stream until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			from, _ := cmd.Flags().GetUint64("from")
			limit, _ := cmd.Flags().GetInt("limit")

			enc := json.NewEncoder(cmd.OutOrStdout())
			return getTransport(baseURL).Tail(cmd.Context(), transports.TailRequest{
				StreamID:  args[0],
				Principal: principalFlag(user),
				From:      eventlog.EntryID(from),
				Limit:     limit,
			}, func(f transports.Frame) error {
				return enc.Encode(frameLine(f))
			})
		},
	}
	tailCmd.Flags().String("user", "", "Principal id (default $CHATRELAY_USER)")
	tailCmd.Flags().Uint64("from", 0, "Resume after this entry id")
	tailCmd.Flags().Int("limit", 0, "Stop after N events (0 = until the stream ends)")
	return tailCmd
}

// newStreamListCommand constructs the `stream list` subcommand.
func newStreamListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered streams",
		Example: `  chatrelay stream list
  chatrelay stream list --filter 'status == "active" && !alive'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, _ := cmd.Flags().GetString("filter")
			quiet, _ := cmd.Flags().GetBool("quiet")
			list, err := getTransport(baseURL).ListStreams(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if quiet {
				for _, s := range list {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), s.ID)
				}
				return nil
			}
			if list == nil {
				list = []transports.StreamInfo{}
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	listCmd.Flags().String("filter", "", "CEL filter over stream fields")
	listCmd.Flags().BoolP("quiet", "q", false, "Print stream ids only")
	return listCmd
}

// newStreamGetCommand constructs the `stream get` subcommand.
func newStreamGetCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get STREAM_ID",
		Short: "Show one stream's registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := getTransport(baseURL).GetStream(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

// newStreamDeleteCommand constructs the `stream delete` subcommand.
func newStreamDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete STREAM_ID",
		Short: "Delete a stream; connected clients receive a cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm, _ := cmd.Flags().GetBool("confirm")
			if !confirm {
				return fmt.Errorf("refusing to delete %s without --confirm", args[0])
			}
			if err := getTransport(baseURL).DeleteStream(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	deleteCmd.Flags().Bool("confirm", false, "Confirm deletion")
	return deleteCmd
}
