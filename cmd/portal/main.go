package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal",
		Short: "Real-time event server over websocket, streaming and long polling",
		Long: `Portal serves named events to browser clients over whichever
transport they can use: websocket, server-sent events, streaming HTTP
or long polling (plain or JSONP).

Configuration is read from the environment (PORTAL_*), an optional
.env file, and command line flags, in increasing precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "portal %s (%s)\n", version, commit)
		},
	}
}
