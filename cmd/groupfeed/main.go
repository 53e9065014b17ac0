package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "./config.json"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groupfeed",
		Short: "GroupFeed: hosted submission bots for Telegram channels",
		Long: "GroupFeed hosts relay bots registered by their owners. Each bot collects " +
			"submissions, lets its owner approve or reject them and posts approved content " +
			"to the owner's channels.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCheckConfigCmd())
	cmd.AddCommand(newWorkersCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "groupfeed %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
