package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var dataDir string
	root := &cobra.Command{
		Use:           "admin",
		Short:         "Inspect voxelsync server data and state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dataDir, "data", "./data", "runtime data directory")

	root.AddCommand(
		snapshotsCmd(&dataDir),
		logCmd(&dataDir),
		stateCmd(),
		resyncCmd(),
	)
	return root
}
