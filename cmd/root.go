// Package cmd provides the branchd CLI commands.
//
// Commands:
//   - serve: HTTP API server for the conversation-tree engine
//   - migrate: apply pending database migrations
//   - version: print build information
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/branchchat/branchd/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "branchd",
	Short: "branchd - branching chat backend",
	Long: `branchd serves the conversation-tree API behind the branching chat
client: sessions own trees of message nodes, every insert is a branch,
and LLM responses are filled in asynchronously.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		level := slog.LevelInfo
		if os.Getenv("DEBUG") != "" {
			level = slog.LevelDebug
		}
		slog.SetDefault(log.New(log.Config{
			Level: level,
			JSON:  os.Getenv("BRANCHD_LOG_JSON") != "",
		}))
	},
}

// Execute is the main entry point for the branchd CLI.
func Execute() error {
	return rootCmd.Execute()
}
