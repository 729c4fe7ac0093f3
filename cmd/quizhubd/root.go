package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "quizhubd",
	Short: "quizhubd - live competitive arithmetic quiz hub",
	Long:  `A single-process quiz hub: broadcasts arithmetic problems over WebSocket and elects the first correct submitter as winner each round.`,
}

// Execute runs the root command, returning any error for main to report.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a quizhubd config YAML file")
	rootCmd.AddCommand(serveCmd)
}
