package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "paneld",
	Short: "Panel runtime orchestrator",
	Long: `paneld runs user-supplied Node.js and Python panels in isolated sandboxes,
supervises their processes and exposes files, commands, logs and terminals
through a single authenticated API.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
