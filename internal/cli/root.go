package cli

import (
	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "stackform",
	Short: "Infrastructure as Code with remote state coordination",
	Long: `Stackform is an infrastructure as code tool with safe team workflows.

It provides:
  • Declarative HCL resource definitions
  • Versioned state with conflict detection
  • Remote state in S3 with DynamoDB locking
  • Human-readable plans and state files`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(forceUnlockCmd)
	rootCmd.AddCommand(versionCmd)
}
