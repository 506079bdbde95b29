package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/cmlfleet/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Scheduler operator commands",
}

var schedulerRunOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single placement/dispatch/reconcile pass and exit",
	RunE:  runSchedulerRunOnce,
}

func init() {
	addNodeFlags(schedulerRunOnceCmd)
	schedulerCmd.AddCommand(schedulerRunOnceCmd)
}

func runSchedulerRunOnce(cmd *cobra.Command, args []string) error {
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
	if err := orch.Scheduler().AcquireLease(time.Now()); err != nil {
		return fmt.Errorf("acquire scheduler lease: %w", err)
	}

	orch.Scheduler().RunOnce(context.Background())
	fmt.Println("✓ scheduler cycle complete")
	return nil
}
