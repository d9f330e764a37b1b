package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	var flags clientFlags
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "stop -s <session>",
		Short: "Abort the session's active run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := flags.client()
			resp, err := client.Stop(cmd.Context(), flags.sessionID)
			if err != nil {
				return err
			}
			if !resp.Aborted {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "session %s has no active run\n", resp.SessionID)
				return err
			}
			if wait > 0 {
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				defer cancel()
				status, err := client.WaitInactive(ctx, flags.sessionID, 100*time.Millisecond)
				if err != nil {
					return fmt.Errorf("wait for run to stop: %w", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "run %s %s\n", status.RunID, status.Status)
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "aborted run in session %s\n", resp.SessionID)
			return err
		},
	}
	flags.register(cmd, false)
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the run to finish")
	return cmd
}
