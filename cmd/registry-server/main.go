package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systemshift/registry/internal/server/telemetry"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "registry-server",
	Short:   "Agent and task registry",
	Long:    `registry-server issues identifiers for agents and tasks and keeps them consistent across a primary store, a vector index and a graph.`,
	Version: telemetry.Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./registry.yaml or ~/.config/registry/registry.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
