package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "runmux",
	Short: "Session engine for long-running CLI subprocesses",
	Long: `runmux manages the lifecycle of concurrent long-running CLI subprocesses,
streaming each one's newline-delimited JSON output back in real time with
bounded buffering, cooperative cancellation, and checkpoint/restore.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "runmux.json", "Path to runmux.json config file")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
