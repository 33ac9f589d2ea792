package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string
	hostURL    string
	requestTTL time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "hostagent",
	Short: "Retail host agent",
	Long: `hostagent routes customer questions to specialist A2A agents and merges
their answers into one reply.

Run "hostagent serve" to start the host, then talk to it with
"hostagent chat" or "hostagent query". The specialists (inventory and
customer service by default) are discovered through their agent cards.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hostagent version %s\n", version)
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (JSON, YAML or TOML)")
	rootCmd.PersistentFlags().StringVar(&hostURL, "host", "http://localhost:8000", "Base URL of a running host")
	rootCmd.PersistentFlags().DurationVar(&requestTTL, "request-timeout", 90*time.Second, "Client-side limit for one request")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
