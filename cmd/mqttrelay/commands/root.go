// Package commands implements the mqttrelay CLI command tree.
package commands

import (
	"github.com/spf13/cobra"
)

var flagConfigPath string

var rootCmd = &cobra.Command{
	Use:   "mqttrelay",
	Short: "MQTT fan-out proxy",
	Long: `mqttrelay relays publications from a single set of client
publishers out to many independently configured downstream brokers,
with per-broker topic filtering and optional bidirectional echo
suppression.

Configuration is read from a YAML file (--config) and may be
overridden by MQTTRELAY_-prefixed environment variables.

Examples:
  mqttrelay run --config ./mqttrelay.yaml
  mqttrelay broker add office --address 10.0.0.5 --port 1883
  mqttrelay broker list`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to mqttrelay.yaml (optional; defaults + env vars apply otherwise)")
}
