package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

func newRootCommand() *cobra.Command {
	var serverFlag string
	var timeoutFlag time.Duration

	client := func() *apiClient {
		return newAPIClient(serverFlag, timeoutFlag)
	}

	rootCmd := &cobra.Command{
		Use:           "qobuzdlctl",
		Short:         "Control a running qobuzdl server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	server := os.Getenv("QOBUZDL_SERVER")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", server, "Base URL of the qobuzdl server")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(newStatusCommand(client))
	rootCmd.AddCommand(newEnqueueCommand(client))
	rootCmd.AddCommand(newSearchCommand(client))

	return rootCmd
}
