package commands

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/autoinfra/autoinfra/pkg/plan"
)

type versionInfo struct {
	Version          string `json:"version"`
	Commit           string `json:"commit"`
	BuildDate        string `json:"buildDate"`
	GoVersion        string `json:"goVersion"`
	PlanMajorVersion int    `json:"planMajorVersion"`
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := versionInfo{
				Version:          version,
				Commit:           commit,
				BuildDate:        buildDate,
				GoVersion:        goruntime.Version(),
				PlanMajorVersion: plan.SupportedMajorVersion,
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "autoinfra %s (commit: %s, built: %s, %s)\nplan documents: version %d.x\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.PlanMajorVersion)
			return nil
		},
	}
}
