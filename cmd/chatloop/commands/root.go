// Package commands provides the CLI commands for chatloop.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/chatloop-ai/chatloop/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "chatloop",
	Short: "chatloop - streaming conversation client",
	Long: `chatloop is a streaming chat client that keeps conversations
consistent across dropped streams, fallbacks, and cancellations.

Run 'chatloop chat' to start an interactive session, or 'chatloop serve'
to start a local development backend.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A .env in the working directory supplies CHATLOOP_* variables.
		godotenv.Load()

		output := os.Stderr
		level := logging.ParseLevel(logLevel)
		if !printLogs {
			level = logging.ErrorLevel
		}
		logging.Init(logging.Config{Level: level, Output: output, Pretty: true})
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("chatloop %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
