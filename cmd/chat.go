package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/xiaot623/crmweb/internal/domain"
)

func newChatCmd() *cobra.Command {
	var flags clientFlags
	var agentSessionID string

	cmd := &cobra.Command{
		Use:   "chat -s <session> <message>",
		Short: "Send a message and stream the agent's reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := newEventPrinter(cmd, flags.raw)
			info, err := flags.client().Start(cmd.Context(), domain.StartRequest{
				SessionID:      flags.sessionID,
				Message:        strings.Join(args, " "),
				AgentSessionID: agentSessionID,
			}, printer.handle)
			if err != nil {
				return err
			}
			return printer.finish(info)
		},
	}
	flags.register(cmd, true)
	cmd.Flags().StringVar(&agentSessionID, "agent-session", "", "agent-side session id to resume")
	return cmd
}
