package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/cmlfleet/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Resource controller operator commands",
}

var controllerRunOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single scale-up/scale-down/warm-floor pass and exit",
	RunE:  runControllerRunOnce,
}

func init() {
	addNodeFlags(controllerRunOnceCmd)
	controllerCmd.AddCommand(controllerRunOnceCmd)
}

func runControllerRunOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	if err := orch.Coordinator().Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap coordination store: %w", err)
	}
	defer func() {
		_ = orch.Coordinator().Shutdown()
		_ = orch.Store().Close()
	}()

	if err := orch.SeedTemplates(); err != nil {
		return fmt.Errorf("seed worker templates: %w", err)
	}
	if err := orch.Controller().AcquireLease(time.Now()); err != nil {
		return fmt.Errorf("acquire controller lease: %w", err)
	}

	orch.Controller().RunOnce(context.Background())
	fmt.Println("✓ controller cycle complete")
	return nil
}
