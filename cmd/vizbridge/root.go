package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vizbridge",
	Short: "Chat bridge between embedded data visualizations and a conversational backend",
	Long: `vizbridge connects a data-visualization widget to a conversational
backend from inside host pages whose origin rules block plain requests.

The serve command runs the backend proxy; ask and status exercise it the
way an embedded widget would.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file (default config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(statusCmd)
}
