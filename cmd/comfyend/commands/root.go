// Package commands wires the comfyend CLI: the supervisor entrypoint the
// pod runs, plus standalone serve/resolve commands for debugging deploys.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/matyoung89/ComfyEndpoints/config"
	"github.com/matyoung89/ComfyEndpoints/logger"
)

var (
	configPath string
	jsonLogs   bool
)

var rootCmd = &cobra.Command{
	Use:   "comfyend",
	Short: "In-pod runtime for Comfy-style workflow endpoints",
	Long: `comfyend turns a declarative workflow graph and its contract into an
authenticated HTTP endpoint: it resolves model and custom-node artifacts,
supervises the graph engine, and serves the gateway.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Initialize(jsonLogs)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (toml or yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON structured logs")

	rootCmd.AddCommand(superviseCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resolveCmd)
}

// loadConfig resolves the process configuration from file/env/defaults.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

// Execute runs the CLI and exits non-zero on fatal errors.
func Execute() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
