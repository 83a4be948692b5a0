package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systemshift/registry/internal/server/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "registry.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, v, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Fprintf(out, "# %s\n", used)
		}
		fmt.Fprintf(out, "server.addr: %s\n", cfg.Server.Addr)
		fmt.Fprintf(out, "graph.backend: %s\n", cfg.Graph.Backend)
		fmt.Fprintf(out, "embedder.provider: %s\n", cfg.Embedder.Provider)
		fmt.Fprintf(out, "similarity: threshold=%g limit=%d\n", cfg.Similarity.Threshold, cfg.Similarity.Limit)
		fmt.Fprintf(out, "retry: path=%s interval=%s max_attempts=%d\n", cfg.Retry.Path, cfg.Retry.Interval, cfg.Retry.MaxAttempts)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
