package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAttachCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "attach -s <session>",
		Short: "Replay and follow the session's current run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			printer := newEventPrinter(cmd, flags.raw)
			info, err := flags.client().Attach(cmd.Context(), flags.sessionID, printer.handle)
			if err != nil {
				return err
			}
			if err := printer.finish(info); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.ErrOrStderr(), "run %s %s\n", info.RunID, info.Status)
			return err
		},
	}
	flags.register(cmd, true)
	return cmd
}
