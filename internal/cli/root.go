// Package cli is the wrapped command line: the server itself plus remote
// commands that drive report generation through the HTTP API.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"plexwrapped/internal/client"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", apiErr.Message)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

type remoteFlags struct {
	server string
	token  string
}

func newRootCmd() *cobra.Command {
	rf := &remoteFlags{}

	rootCmd := &cobra.Command{
		Use:           "wrapped",
		Short:         "Plex Wrapped report server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// flag > env > default
			if !cmd.Flags().Changed("server") {
				if v := os.Getenv("WRAPPED_SERVER"); v != "" {
					rf.server = v
				}
			}
			if !cmd.Flags().Changed("token") {
				if v := os.Getenv("WRAPPED_TOKEN"); v != "" {
					rf.token = v
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&rf.server, "server", "http://localhost:8080", "API server URL")
	rootCmd.PersistentFlags().StringVar(&rf.token, "token", "", "bearer token for the API")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newGenerateCmd(rf))
	rootCmd.AddCommand(newStatusCmd(rf))

	return rootCmd
}

func (rf *remoteFlags) client() *client.Client {
	return client.New(rf.server, rf.token, nil)
}
