package client

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/rzbill/chatrelay/internal/cmd/client/transports"
)

// NewChatCommand constructs the `chat` command group.
func NewChatCommand(baseURL BaseURLFunc) *cobra.Command {
	chatCmd := &cobra.Command{Use: "chat", Short: "Chat operations"}
	chatCmd.AddCommand(newChatSendCommand(baseURL))
	return chatCmd
}

// newChatSendCommand constructs the `chat send` subcommand.
func newChatSendCommand(baseURL BaseURLFunc) *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message and optionally follow the reply stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			content, _ := cmd.Flags().GetString("content")
			user, _ := cmd.Flags().GetString("user")
			conv, _ := cmd.Flags().GetInt64("conversation")
			follow, _ := cmd.Flags().GetBool("follow")
			if content == "" {
				return errors.New("--content is required")
			}

			req := transports.SendRequest{Principal: principalFlag(user), Content: content}
			if cmd.Flags().Changed("conversation") {
				req.ConversationID = &conv
			}
			t := getTransport(baseURL)
			res, err := t.Send(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !follow {
				return printJSON(cmd.OutOrStdout(), res)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			if err := enc.Encode(res); err != nil {
				return err
			}
			return t.Tail(cmd.Context(), transports.TailRequest{StreamID: res.StreamID, Principal: req.Principal},
				func(f transports.Frame) error { return enc.Encode(frameLine(f)) })
		},
	}
	sendCmd.Flags().String("content", "", "Message text")
	sendCmd.Flags().String("user", "", "Principal id (default $CHATRELAY_USER; empty sends as guest)")
	sendCmd.Flags().Int64("conversation", 0, "Existing conversation id")
	sendCmd.Flags().BoolP("follow", "f", false, "Tail the reply stream after sending")
	return sendCmd
}
