// Package cmd implements the crmweb command line.
package cmd

import "github.com/spf13/cobra"

const defaultServerURL = "http://localhost:8080"

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "crmweb",
		Short:         "crmweb: chat run streaming server for the personal CRM",
		Long:          "crmweb runs agent workers for chat sessions and streams their events to browsers over SSE. The client commands talk to a running server.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newChatCmd(),
		newAttachCmd(),
		newStopCmd(),
	)

	return rootCmd
}
