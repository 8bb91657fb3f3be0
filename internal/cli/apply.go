package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/config"
	"github.com/stackform-io/stackform/internal/engine"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
	"github.com/stackform-io/stackform/internal/provider"
	"github.com/stackform-io/stackform/internal/state"
)

var applyAutoApprove bool

var applyCmd = &cobra.Command{
	Use:   "apply [path]",
	Short: "Apply a configuration",
	Long: `Builds or changes infrastructure according to Stackform configuration files.

Apply holds the state lock for the whole run: it acquires the lock,
reads the current state, plans against it, applies the changes, writes
the new state, and releases the lock. If any change fails, the state
recorded so far is still written before the lock is released.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
}

func runApply(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}

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

	return runLockedOperation(cmd.Context(), backend, "apply", func(ctx context.Context, current *ir.State, tag state.VersionTag) error {
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
			fmt.Println("No changes. Infrastructure is up-to-date.")
			return nil
		}

		fmt.Println("\nStackform will perform the following actions:")
		renderPlanChanges(plan)
		renderPlanSummary(plan)

		if !applyAutoApprove {
			if !confirm("\nDo you want to perform these actions? (y/n): ") {
				fmt.Println("Apply cancelled.")
				return nil
			}
		}

		fmt.Printf("\nApplying %d changes...\n", len(plan.Changes))

		newState, applyErr := eng.ApplyPlan(ctx, plan, current)
		if applyErr != nil {
			// Persist the partial state so completed changes aren't lost.
			if werr := writePartialState(backend, current, tag); werr != nil {
				logging.Error("failed to write partial state", "error", werr)
				return fmt.Errorf("apply failed: %w (partial state could not be saved: %v)", applyErr, werr)
			}
			return fmt.Errorf("apply failed: %w", applyErr)
		}

		if _, err := backend.Write(ctx, newState, tag); err != nil {
			if errors.Is(err, state.ErrConflict) {
				return fmt.Errorf("state write rejected, the stored state changed underneath this run: %w", err)
			}
			return fmt.Errorf("failed to write state: %w", err)
		}

		fmt.Println("\nApply complete! Resources: " +
			fmt.Sprintf("%d added, %d changed, %d destroyed.", plan.Summary.Create, plan.Summary.Update, plan.Summary.Delete))

		if len(newState.Outputs) > 0 {
			fmt.Println("\nOutputs:")
			for k, v := range newState.Outputs {
				fmt.Printf("  %s = %v\n", k, v)
			}
		}
		return nil
	})
}

// lockRetryPolicy is overridable so tests can fail fast; nil means the
// default policy.
var lockRetryPolicy *state.LockRetryPolicy

// writePartialState persists the state after a failed or interrupted
// run. The run's own context may already be cancelled (that is how an
// interrupt stops the apply loop), so the write gets a fresh
// deadline-bounded context of its own.
func writePartialState(backend state.Backend, st *ir.State, tag state.VersionTag) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := backend.Write(ctx, st, tag)
	return err
}

// runLockedOperation wraps fn in the full state coordination protocol:
// acquire the lock (with bounded retries), read state under the lock,
// run fn, and release the lock on every path including signals. fn
// receives the state and its version tag and is responsible for writes.
func runLockedOperation(parent context.Context, backend state.Backend, operation string, fn func(ctx context.Context, current *ir.State, tag state.VersionTag) error) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := state.NewLockInfo(operation)
	lockID, err := state.LockWithRetry(ctx, backend, info, lockRetryPolicy)
	if err != nil {
		var lockErr *state.LockError
		if errors.As(err, &lockErr) && lockErr.Info != nil {
			return fmt.Errorf("could not acquire state lock: %w\n\n%s\n\nIf the holder is gone, run 'stackform force-unlock %s'",
				err, lockErr.Info, lockErr.Info.ID)
		}
		return fmt.Errorf("could not acquire state lock: %w", err)
	}

	defer func() {
		// Release with a fresh context so a cancelled run still unlocks.
		unlockCtx := context.Background()
		if err := backend.Unlock(unlockCtx, lockID); err != nil {
			logging.Error("failed to release state lock", "id", lockID, "error", err)
			fmt.Fprintf(os.Stderr, "warning: failed to release state lock %s: %v\n", lockID, err)
		}
	}()

	current, tag, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	return fn(ctx, current, tag)
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "yes"
}
