package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/cmlfleet/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: scheduler, controller and every background loop",
	Long: `serve starts this node's coordination store, aggregate store,
scheduler, resource controller, SSE relay and external CloudEvents
publisher, then blocks until interrupted.`,
	RunE: runServe,
}

func init() {
	addNodeFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	fmt.Printf("Starting orchestratord on node %q\n", cfg.NodeID)
	fmt.Printf("  Raft address: %s\n", cfg.BindAddr)
	fmt.Printf("  API address:  %s\n", cfg.APIAddr)
	fmt.Printf("  Data dir:     %s\n", cfg.DataDir)

	if err := orch.Start(); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	fmt.Println("✓ orchestrator running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	if err := orch.Stop(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("✓ shutdown complete")
	return nil
}
