package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the chatrelay client.
// It registers the chat, stream, janitor and health command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "chatrelay client commands",
	}
	root.AddCommand(NewChatCommand(baseURL))
	root.AddCommand(NewStreamCommand(baseURL))
	root.AddCommand(NewJanitorCommand(baseURL))
	root.AddCommand(NewHealthCommand())
	return root
}
