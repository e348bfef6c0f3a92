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
)

type rootOpts struct {
	configPath string
	backendURL string
	userID     int64
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	cmd := &cobra.Command{
		Use:           "yactl",
		Short:         "yacall client: call requests and live sessions",
		Long:          "yactl negotiates call requests with a yacall backend and drives sessions on the simulated engine.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a yacall YAML config")
	cmd.PersistentFlags().StringVar(&opts.backendURL, "backend", "", "backend base URL (overrides config)")
	cmd.PersistentFlags().Int64Var(&opts.userID, "user", 0, "local user id (overrides config)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRequestCmd(opts))
	cmd.AddCommand(newCallCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "yactl %s (commit: %s)\n", Version, Commit)
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
