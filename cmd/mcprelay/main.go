// mcprelay pairs hardware devices with their MCP tool servers and relays
// tool calls between them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "mcprelay",
		Short: "Relay server connecting devices to their MCP tool servers",
		Long: `mcprelay maintains the tool server connections for paired devices:
it connects each device's configured MCP servers, monitors their health,
reconnects them with exponential backoff, and routes tool calls.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().StringP("listen", "l", "", "listen address (e.g. :8080)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory for the relay database")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.SetEnvPrefix("MCPRELAY")
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("mcprelay", version)
		},
	}
}
