// Package cmd implements the CLI commands for transcodeorc-controller.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// controllerViper is a dedicated viper instance so the controller's
// environment variables never collide with the worker's.
var controllerViper = viper.New()

var rootCmd = &cobra.Command{
	Use:   "transcodeorc-controller",
	Short: "Control plane for a distributed FFmpeg transcoding fleet",
	Long: `transcodeorc-controller accepts job submissions, matches them to
connected worker agents by codec capability, and serves the data plane those
agents use to fetch source media and upload finished output.

Configuration is via TRANSCODEORC_-prefixed environment variables:
  TRANSCODEORC_LISTEN_ADDR     - HTTP listen address (default ":8080")
  TRANSCODEORC_PUBLIC_BASE_URL - base URL workers use to reach the data plane
  TRANSCODEORC_RATE_LIMIT_RPS  - per-IP admission rate for pairing/start

Example:
  TRANSCODEORC_PUBLIC_BASE_URL=http://controller.internal:8080 transcodeorc-controller serve`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

// GetControllerViper returns the controller's dedicated viper instance.
func GetControllerViper() *viper.Viper {
	return controllerViper
}

// mustBindPFlag binds a cobra flag to a controllerViper key and panics if
// binding fails, which only happens if flag is nil.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := controllerViper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
