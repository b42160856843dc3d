package cli

import (
	"github.com/spf13/cobra"
)

var (
	flagServer string
	flagConfig string
)

var rootCmd = &cobra.Command{
	Use:           "forge",
	Short:         "Phase pipeline for AI executors",
	Long:          "forge routes work to AI executors, runs it through design, implement, test and review,\nand stops to ask you when a decision is needed.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "forge server URL; empty opens the local .forge/ store")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", forgePath("config.yaml"), "config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(issuesCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(uiCmd)
}
