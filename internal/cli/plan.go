package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/config"
	"github.com/stackform-io/stackform/internal/engine"
	"github.com/stackform-io/stackform/internal/provider"
)

var planOutFile string

var planCmd = &cobra.Command{
	Use:   "plan [path]",
	Short: "Generate an execution plan",
	Long: `Generates an execution plan showing what actions Stackform will take
to reach the desired state defined in your configuration.

Plan reads the state without taking the lock; the plan may be stale by
the time it is applied, and apply re-plans under the lock.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write plan JSON to file")
}

func runPlan(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	fmt.Print("Loading configuration... ")
	cfg, backendCfg, err := config.Load(filepath.Join(wd, entryPoint))
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to load config: %w", err)
	}
	fmt.Println("OK")

	backend, err := openBackend(wd, backendCfg)
	if err != nil {
		return err
	}

	registry := provider.NewRegistry()
	if err := loadRequiredProviders(registry, cfg); err != nil {
		return err
	}
	eng := engine.NewEngine(registry)

	current, _, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if err := loadStateProviders(registry, current); err != nil {
		return err
	}

	fmt.Print("Calculating plan... ")
	plan, err := eng.CreatePlan(ctx, cfg, current)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	if plan.Empty() {
		fmt.Println("\nNo changes. Infrastructure is up-to-date.")
	} else {
		fmt.Println("\nStackform will perform the following actions:")
		renderPlanChanges(plan)
		renderPlanSummary(plan)
	}

	if planOutFile != "" {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		if err := os.WriteFile(planOutFile, data, 0644); err != nil {
			return fmt.Errorf("failed to write plan file: %w", err)
		}
		fmt.Printf("\nPlan written to %s\n", planOutFile)
	}

	return nil
}
