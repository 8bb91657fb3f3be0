package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/config"
	"github.com/stackform-io/stackform/internal/engine"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
	"github.com/stackform-io/stackform/internal/provider"
	"github.com/stackform-io/stackform/internal/state"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy [path]",
	Short: "Destroy all managed infrastructure",
	Long: `Destroys all resources tracked in the state file, in reverse
dependency order. This command is the inverse of 'stackform apply'.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}

	// The config is only needed for the backend block; resources may
	// already be gone from it.
	_, backendCfg, err := config.Load(filepath.Join(wd, entryPoint))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	backend, err := openBackend(wd, backendCfg)
	if err != nil {
		return err
	}

	registry := provider.NewRegistry()
	eng := engine.NewEngine(registry)

	return runLockedOperation(cmd.Context(), backend, "destroy", func(ctx context.Context, current *ir.State, tag state.VersionTag) error {
		if len(current.Resources) == 0 {
			fmt.Println("Nothing to destroy. State is empty.")
			return nil
		}

		if err := loadStateProviders(registry, current); err != nil {
			return err
		}

		plan, err := eng.DestroyPlan(ctx, current)
		if err != nil {
			return fmt.Errorf("destroy plan generation failed: %w", err)
		}

		fmt.Println("Stackform will destroy the following resources:")
		renderPlanChanges(plan)
		renderPlanSummary(plan)

		if !destroyAutoApprove {
			if !confirm("\nDo you really want to destroy all resources? (y/n): ") {
				fmt.Println("Destroy cancelled.")
				return nil
			}
		}

		fmt.Printf("\nDestroying %d resources...\n", len(plan.Changes))

		newState, applyErr := eng.ApplyPlan(ctx, plan, current)
		if applyErr != nil {
			if werr := writePartialState(backend, current, tag); werr != nil {
				logging.Error("failed to write partial state", "error", werr)
				return fmt.Errorf("destroy failed: %w (partial state could not be saved: %v)", applyErr, werr)
			}
			return fmt.Errorf("destroy failed: %w", applyErr)
		}

		if _, err := backend.Write(ctx, newState, tag); err != nil {
			if errors.Is(err, state.ErrConflict) {
				return fmt.Errorf("state write rejected, the stored state changed underneath this run: %w", err)
			}
			return fmt.Errorf("failed to write state: %w", err)
		}

		fmt.Printf("\nDestroy complete! %d resources deleted.\n", plan.Summary.Delete)
		return nil
	})
}
