package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/config"
)

var outputJSON bool

var outputCmd = &cobra.Command{
	Use:   "output [name]",
	Short: "Show output values from state",
	Long: `Reads output values from the state.

If no name is given, all outputs are displayed. If a name is given,
only that output's value is printed. Output reads the state without
taking the lock.`,
	RunE: runOutput,
}

func init() {
	outputCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
}

func runOutput(cmd *cobra.Command, args []string) error {
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

	if len(args) > 0 {
		name := args[0]
		val, ok := s.Outputs[name]
		if !ok {
			return fmt.Errorf("output %q not found", name)
		}
		if outputJSON {
			data, _ := json.Marshal(val)
			fmt.Println(string(data))
		} else {
			fmt.Println(val)
		}
		return nil
	}

	if len(s.Outputs) == 0 {
		fmt.Println("No outputs defined.")
		return nil
	}

	if outputJSON {
		data, _ := json.MarshalIndent(s.Outputs, "", "  ")
		fmt.Println(string(data))
	} else {
		for k, v := range s.Outputs {
			fmt.Printf("%s = %v\n", k, v)
		}
	}

	return nil
}
