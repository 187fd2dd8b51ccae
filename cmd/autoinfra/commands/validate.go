package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/plan"
)

type validateResult struct {
	Plan       string           `json:"plan"`
	Valid      bool             `json:"valid"`
	Version    string           `json:"version,omitempty"`
	Services   int              `json:"services"`
	Resources  int              `json:"expectedResources"`
	Policies   int              `json:"policies"`
	Violations []plan.Violation `json:"violations,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the plan, the config and the policies",
		Long: `Validate the deployment plan and the daemon configuration.

This command checks:
  - The plan against its structural schema, struct rules and cross-field invariants
  - The plan version against the supported major version
  - That every configured policy compiles`,
		Example: `  # Validate the plan named in autoinfra.yaml
  autoinfra validate

  # Validate another plan file
  autoinfra validate --plan plans/staging.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log.Debug().Str("plan", cfg.Plan.Path).Msg("Validating plan")

			res := validateResult{Plan: cfg.Plan.Path}
			p, err := plan.LoadFile(cfg.Plan.Path)
			if err != nil {
				res.Violations = plan.Violations(err)
				res.Error = err.Error()
				return writeValidateResult(cmd, res, err)
			}

			res.Version = p.Version
			res.Services = len(p.Services)
			res.Resources = len(engine.ExpectedResources(p))

			guard, err := newGuard(cmd.Context(), cfg.Policy, log.Logger)
			if err != nil {
				res.Error = err.Error()
				return writeValidateResult(cmd, res, err)
			}
			defer guard.Close()
			res.Policies = len(guard.ListPolicies())

			res.Valid = true
			return writeValidateResult(cmd, res, nil)
		},
	}

	return cmd
}

func writeValidateResult(cmd *cobra.Command, res validateResult, err error) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
		return err
	}

	if !res.Valid {
		fmt.Fprintf(out, "✗ %s is invalid\n", res.Plan)
		for _, v := range res.Violations {
			fmt.Fprintf(out, "  [%s] %s\n", v.Layer, v)
		}
		return err
	}

	fmt.Fprintf(out, "✓ %s is valid (version %s)\n", res.Plan, res.Version)
	fmt.Fprintf(out, "  %d services, %d expected resources, %d policies\n", res.Services, res.Resources, res.Policies)
	return nil
}
