package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/config"
)

var forceUnlockYes bool

var forceUnlockCmd = &cobra.Command{
	Use:   "force-unlock <lock-id>",
	Short: "Release a stuck state lock",
	Long: `Manually removes the state lock.

This does not modify the state itself, only the lock record. Use it
when a previous run crashed and left the lock behind. Removing a lock
that another run still holds can corrupt state.`,
	Args: cobra.ExactArgs(1),
	RunE: runForceUnlock,
}

func init() {
	forceUnlockCmd.Flags().BoolVar(&forceUnlockYes, "yes", false, "Skip confirmation")
}

func runForceUnlock(cmd *cobra.Command, args []string) error {
	lockID := args[0]

	wd, entryPoint, err := resolveWorkdir(nil)
	if err != nil {
		return err
	}

	_, backendCfg, err := config.Load(filepath.Join(wd, entryPoint))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	backend, err := openBackend(wd, backendCfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	holder, err := backend.ReadLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to read lock: %w", err)
	}
	if holder == nil {
		fmt.Println("State is not locked.")
		return nil
	}
	if holder.ID != lockID {
		return fmt.Errorf("lock ID %q does not match current lock %q", lockID, holder.ID)
	}

	fmt.Println(holder)
	if !forceUnlockYes {
		if !confirm("\nForcibly release this lock? Only do this if the holding process is gone. (y/n): ") {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := backend.ForceUnlock(ctx); err != nil {
		return fmt.Errorf("failed to force-unlock: %w", err)
	}

	fmt.Println("Lock released.")
	return nil
}
