package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/config"
	"github.com/stackform-io/stackform/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate configuration files",
	Long: `Validates the syntax of the configuration file and checks that the
resource dependency graph is well formed (no unknown references, no cycles).`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}

	fmt.Printf("Checking %s... ", entryPoint)
	cfg, _, err := config.Load(filepath.Join(wd, entryPoint))
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}

	if _, err := engine.BuildDAG(cfg.Resources); err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Println("OK")

	fmt.Println("\nConfiguration is valid!")
	return nil
}
