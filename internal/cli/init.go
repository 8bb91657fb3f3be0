package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize a new Stackform project",
	Long: `Creates a new Stackform project with a default configuration file
and verifies that the configured state backend is reachable.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(wd, ".stackform"), 0755); err != nil {
		return fmt.Errorf("failed to create .stackform directory: %w", err)
	}

	cfgPath := filepath.Join(wd, entryPoint)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		content := `# Stackform configuration

# backend "s3" {
#   bucket     = "my-state-bucket"
#   key        = "stackform/state.json"
#   region     = "us-east-1"
#   lock_table = "stackform-locks"
# }

resource "null:Resource" "example" {
  triggers = {
    version = "1"
  }
}
`
		if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", entryPoint, err)
		}
		fmt.Printf("Created %s\n", entryPoint)
	}

	// Verify the backend is reachable before declaring success. For the
	// s3 backend this checks credentials and the lock table.
	_, backendCfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	backend, err := openBackend(wd, backendCfg)
	if err != nil {
		return fmt.Errorf("failed to configure backend: %w", err)
	}
	if _, err := backend.ReadLock(cmd.Context()); err != nil {
		return fmt.Errorf("backend check failed: %w", err)
	}

	fmt.Println("\nStackform initialized successfully!")
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s to define your infrastructure\n", entryPoint)
	fmt.Println("  2. Run 'stackform plan' to see what will be created")
	fmt.Println("  3. Run 'stackform apply' to create your infrastructure")

	return nil
}
