package cmd

import (
	"github.com/spf13/cobra"

	"fleethub/internal/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "fleethub",
	Short: "Fleethub - state synchronization hub for robot fleets",
	Long: `Fleethub keeps a live view of every robot in a fleet, assigns tasks to
individual robots and streams state changes to dashboards over WebSocket.
It also ships a simulated robot agent and a small client for the hub API.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetSilentMode(false)
			logger.SetLevel(logger.LOG_DEBUG)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(hubCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(robotsCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(watchCmd)
}
