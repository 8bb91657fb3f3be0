package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stackform-io/stackform/internal/config"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/provider"
	"github.com/stackform-io/stackform/internal/state"
)

// resolveWorkdir resolves the optional positional path argument into a
// working directory and configuration entry point.
func resolveWorkdir(args []string) (wd, entryPoint string, err error) {
	wd, err = os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	entryPoint = config.DefaultEntryPoint

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}

		if info.IsDir() {
			wd = absPath
		} else {
			wd = filepath.Dir(absPath)
			entryPoint = filepath.Base(absPath)
		}
	}
	return wd, entryPoint, nil
}

// openBackend constructs the state backend selected by the config's
// backend block, defaulting to local state under .stackform/.
func openBackend(wd string, backendCfg *state.Config) (state.Backend, error) {
	defaultPath := filepath.Join(wd, ".stackform", "state.json")
	return state.NewBackend(backendCfg, defaultPath)
}

// loadRequiredProviders auto-loads all providers referenced by config resources.
func loadRequiredProviders(registry *provider.Registry, cfg *ir.Config) error {
	seen := make(map[string]bool)
	for _, res := range cfg.Resources {
		if res.Provider != "" && !seen[res.Provider] {
			seen[res.Provider] = true
			if err := registry.LoadProvider(res.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
			}
		}
	}
	return nil
}

// loadStateProviders auto-loads all providers referenced by state resources (needed for DELETE).
func loadStateProviders(registry *provider.Registry, st *ir.State) error {
	seen := make(map[string]bool)
	for _, res := range st.Resources {
		if res.Provider != "" && !seen[res.Provider] {
			seen[res.Provider] = true
			if err := registry.LoadProvider(res.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
			}
		}
	}
	return nil
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(plan *ir.Plan) {
	for _, change := range plan.Changes {
		symbol := "~"
		switch change.Action {
		case ir.ActionCreate:
			symbol = "+"
		case ir.ActionDelete:
			symbol = "-"
		case ir.ActionReplace:
			symbol = "-/+"
		case ir.ActionNoOp:
			symbol = " "
		}

		color := "\033[0m"
		switch change.Action {
		case ir.ActionCreate:
			color = "\033[32m"
		case ir.ActionDelete:
			color = "\033[31m"
		case ir.ActionUpdate, ir.ActionReplace:
			color = "\033[33m"
		}

		var resourceType, resourceName string
		if change.Desired != nil {
			resourceType = change.Desired.Type
			resourceName = change.Desired.Name
		} else if change.Prior != nil {
			resourceType = change.Prior.Type
			resourceName = change.Prior.Name
		}

		fmt.Printf("\n%s  # %s will be %s%s\n", color, change.Address, change.Action, "\033[0m")
		fmt.Printf("%s  %s resource \"%s\" \"%s\" {\n", color, symbol, resourceType, resourceName)

		if len(change.Diff) > 0 {
			renderPropertyDiff(change, color)
		} else {
			fmt.Printf("%s      ...\n", color)
		}
		fmt.Printf("%s    }%s\n", color, "\033[0m")
	}
}

// renderPropertyDiff prints structured property diffs.
func renderPropertyDiff(change *ir.ResourceChange, color string) {
	for key, diff := range change.Diff {
		switch diff.Action {
		case "create":
			fmt.Printf("\033[32m      + %s = %v\033[0m\n", key, formatValue(diff.After))
		case "delete":
			fmt.Printf("\033[31m      - %s = %v\033[0m\n", key, formatValue(diff.Before))
		case "update":
			fmt.Printf("\033[33m      ~ %s = %v -> %v\033[0m\n", key, formatValue(diff.Before), formatValue(diff.After))
		default:
			fmt.Printf("%s        %s = %v\n", color, key, formatValue(diff.After))
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(plan *ir.Plan) {
	fmt.Println("\nPlan Summary:")
	fmt.Printf("  Create:  %d\n", plan.Summary.Create)
	fmt.Printf("  Update:  %d\n", plan.Summary.Update)
	fmt.Printf("  Delete:  %d\n", plan.Summary.Delete)
	fmt.Printf("  Replace: %d\n", plan.Summary.Replace)
	fmt.Printf("  NoOp:    %d\n", plan.Summary.NoOp)
}
