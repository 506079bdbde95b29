package main

import (
	"github.com/cuemby/cmlfleet/pkg/config"
	"github.com/spf13/cobra"
)

// loadConfig reads the --config file (if any) and applies this
// command's node/bind/api/data-dir flags over it: defaults from the
// file, then flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
		cfg.APIAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	return cfg, nil
}

func addNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("node-id", "", "Node identifier (defaults to config file value)")
	cmd.Flags().String("bind-addr", "", "Raft transport bind address")
	cmd.Flags().String("api-addr", "", "HTTP API bind address")
	cmd.Flags().String("data-dir", "", "Data directory for the aggregate and coordination stores")
}
