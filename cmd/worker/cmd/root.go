// Package cmd implements the CLI commands for transcodeorc-worker.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// workerViper is a dedicated viper instance so the worker's environment
// variables never collide with the controller's.
var workerViper = viper.New()

var rootCmd = &cobra.Command{
	Use:   "transcodeorc-worker",
	Short: "Transcoding agent for a transcodeorc controller",
	Long: `transcodeorc-worker connects to a transcodeorc controller, registers
the local ffmpeg's encoder capabilities, and runs leased transcoding jobs.

Configuration is via TRANSCODEORC_AGENT_-prefixed environment variables:
  TRANSCODEORC_AGENT_CONTROLLER_URL - controller websocket URL (ws(s)://host/agent)
  TRANSCODEORC_AGENT_TOKEN          - pairing token issued by the controller
  TRANSCODEORC_AGENT_CONCURRENCY    - max concurrent jobs this agent accepts

Example:
  TRANSCODEORC_AGENT_CONTROLLER_URL=ws://controller.internal:8080/agent \
  TRANSCODEORC_AGENT_TOKEN=abcdefghijklmnopqrstuvwxy \
  transcodeorc-worker serve`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

// GetWorkerViper returns the worker's dedicated viper instance.
func GetWorkerViper() *viper.Viper {
	return workerViper
}

// mustBindPFlag binds a cobra flag to a workerViper key and panics if
// binding fails, which only happens if flag is nil.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := workerViper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
