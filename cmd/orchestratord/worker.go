package main

import (
	"fmt"

	"github.com/cuemby/cmlfleet/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker aggregate operator commands",
}

var workerDrainCmd = &cobra.Command{
	Use:   "drain <worker-id>",
	Short: "Begin draining a worker: stop accepting new instances, let in-flight ones finish",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerDrain,
}

var workerCancelDrainCmd = &cobra.Command{
	Use:   "cancel-drain <worker-id>",
	Short: "Cancel a worker's drain, making it eligible for new instances again",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerCancelDrain,
}

func init() {
	addNodeFlags(workerDrainCmd)
	addNodeFlags(workerCancelDrainCmd)
	workerCmd.AddCommand(workerDrainCmd)
	workerCmd.AddCommand(workerCancelDrainCmd)
}

func runWorkerDrain(cmd *cobra.Command, args []string) error {
	orch, cleanup, err := openWorkerStore(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := orch.Workers().StartDrain(args[0]); err != nil {
		return fmt.Errorf("start drain: %w", err)
	}
	fmt.Printf("✓ worker %s draining\n", args[0])
	return nil
}

func runWorkerCancelDrain(cmd *cobra.Command, args []string) error {
	orch, cleanup, err := openWorkerStore(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := orch.Workers().CancelDrain(args[0]); err != nil {
		return fmt.Errorf("cancel drain: %w", err)
	}
	fmt.Printf("✓ worker %s drain cancelled\n", args[0])
	return nil
}

// openWorkerStore builds just enough of the orchestrator to mutate the
// worker aggregate directly, without bootstrapping Raft — worker
// drain/cancel-drain are operator commands, not lease-gated background
// reconciliation.
func openWorkerStore(cmd *cobra.Command) (*orchestrator.Orchestrator, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	orch, err := orchestrator.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build orchestrator: %w", err)
	}
	return orch, func() { _ = orch.Store().Close() }, nil
}
