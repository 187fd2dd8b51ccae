package agent

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// CommandConfig configures a local agent process.
type CommandConfig struct {
	// Binary is the agent executable. Default: cline.
	Binary string `yaml:"binary" json:"binary"`

	// Args precede the prompt, which is passed as the last argument.
	// Default: run --non-interactive --prompt.
	Args []string `yaml:"args" json:"args"`

	// WorkDir is the directory holding the generated artifacts.
	WorkDir string `yaml:"workDir" json:"workDir"`

	// Env is appended to the daemon's environment.
	Env []string `yaml:"env" json:"env"`
}

// DefaultCommandConfig returns the defaults for the cline CLI.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		Binary: "cline",
		Args:   []string{"run", "--non-interactive", "--prompt"},
	}
}

type processFunc func(ctx context.Context, dir string, env []string, stdin []byte, binary string, args ...string) (stdout, stderr []byte, err error)

// CommandAgent runs a local code-mutation CLI once per issue. The request
// document is written to the process stdin; the prompt is its last argument.
type CommandAgent struct {
	config CommandConfig
	logger zerolog.Logger
	run    processFunc
}

// NewCommandAgent creates a command agent.
func NewCommandAgent(cfg CommandConfig, logger zerolog.Logger) *CommandAgent {
	def := DefaultCommandConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
		if cfg.Args == nil {
			cfg.Args = def.Args
		}
	}
	return &CommandAgent{
		config: cfg,
		logger: logger.With().Str("component", "agent").Str("agent", "command").Logger(),
		run:    runProcess,
	}
}

// Apply runs the agent for one issue.
func (a *CommandAgent) Apply(ctx context.Context, issue engine.DriftIssue, plan *engine.Plan) (*engine.Mutation, error) {
	req := NewRequest(issue, plan)
	stdin, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, a.config.Args...), req.Prompt)
	env := append([]string{
		"AUTOINFRA_ISSUE_ID=" + issue.ID,
		"AUTOINFRA_RESOURCE=" + issue.Key().String(),
		"AUTOINFRA_FIELD=" + issue.FieldPath,
	}, a.config.Env...)

	a.logger.Debug().
		Str("issue_id", issue.ID).
		Str("binary", a.config.Binary).
		Msg("Running agent")

	stdout, stderr, err := a.run(ctx, a.config.WorkDir, env, stdin, a.config.Binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, exitError(filepath.Base(a.config.Binary), exitErr.ExitCode(), string(stderr), err)
		}
		return nil, engine.NewRemediationFailure(engine.ErrorClassPermanent, "failed to start agent", err).
			WithOperation("agent.exec")
	}
	return ParseResponse(stdout)
}

func runProcess(ctx context.Context, dir string, env []string, stdin []byte, binary string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
