package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/autoinfra/autoinfra/pkg/config"
)

var (
	// Global flags
	configPath string
	planPath   string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autoinfra",
		Short: "autoinfra - self-healing deployment reconciler",
		Long: `autoinfra keeps running infrastructure in line with a deployment plan.

Each reconciliation cycle:
  - Collects live state from Terraform and Kubernetes
  - Detects drift against the resources the plan implies
  - Classifies every issue by severity and fix strategy
  - Selects a bounded set of safe fixes, reviewed by policy
  - Hands each fix to a code-mutation agent and records the outcome`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default "+config.DefaultPath+" when present)")
	rootCmd.PersistentFlags().StringVarP(&planPath, "plan", "p", "", "plan file path, overrides the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDoctorCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadConfig reads the daemon config and applies the global flag overrides.
// Without --config, autoinfra.yaml is read when it exists and the defaults
// are used otherwise.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case configPath != "":
		cfg, err = config.Load(configPath)
	default:
		if _, statErr := os.Stat(config.DefaultPath); errors.Is(statErr, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			cfg, err = config.Load(config.DefaultPath)
		}
	}
	if err != nil {
		return nil, err
	}

	if planPath != "" {
		cfg.Plan.Path = planPath
	}
	if verbose {
		cfg.Telemetry.Logging.Level = zerolog.LevelDebugValue
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return cfg, nil
}
