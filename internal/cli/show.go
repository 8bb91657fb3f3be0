package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/config"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current state",
	Long: `Displays a human-readable view of the current state, including any
active lock. Show reads the state without taking the lock.`,
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output in JSON format")
}

func runShow(cmd *cobra.Command, args []string) error {
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

	s, _, err := backend.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if showJSON {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("State: version=%d serial=%d lineage=%s\n", s.Version, s.Serial, s.Lineage)
	fmt.Printf("Resources: %d\n\n", len(s.Resources))

	for _, res := range s.Resources {
		fmt.Printf("# %s\n", res.Addr())
		fmt.Printf("  provider = %s\n", res.Provider)
		for k, v := range res.Outputs {
			fmt.Printf("  %s = %v\n", k, v)
		}
		fmt.Println()
	}

	if len(s.Outputs) > 0 {
		fmt.Println("Outputs:")
		for k, v := range s.Outputs {
			fmt.Printf("  %s = %v\n", k, v)
		}
	}

	if lock, err := backend.ReadLock(cmd.Context()); err == nil && lock != nil {
		fmt.Println("\nState is currently locked:")
		fmt.Println(lock)
	}

	return nil
}
