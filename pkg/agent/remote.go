package agent

import (
	"context"
	"errors"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/transports/ssh"
)

// RemoteConfig configures an agent that runs on another host.
type RemoteConfig struct {
	SSH ssh.Config `yaml:"ssh" json:"ssh"`

	// Command runs on the remote host. The staged prompt path is appended as
	// its last argument and the request document is its stdin.
	Command string `yaml:"command" json:"command"`

	// StagingDir receives prompt files. Default: /tmp/autoinfra.
	StagingDir string `yaml:"stagingDir" json:"stagingDir"`
}

// remoteHost is the part of the SSH client the remote agent uses.
type remoteHost interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context, cmd string, stdin []byte) (*ssh.ExecResult, error)
	WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error
	Remove(ctx context.Context, remotePath string) error
	Close() error
}

// RemoteAgent stages the prompt on a remote host over SFTP and runs the agent
// command there, for artifacts that live on a build host rather than locally.
type RemoteAgent struct {
	config RemoteConfig
	host   remoteHost
	logger zerolog.Logger
}

// NewRemoteAgent creates a remote agent. The connection is opened lazily and
// reused across issues.
func NewRemoteAgent(cfg RemoteConfig, logger zerolog.Logger) (*RemoteAgent, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, engine.NewConfigError("remote agent command is required", nil).WithCode(engine.ErrCodeValidation)
	}
	client, err := ssh.NewClient(&cfg.SSH, logger)
	if err != nil {
		return nil, engine.NewConfigError("invalid remote agent ssh config", err).WithCode(engine.ErrCodeValidation)
	}
	return newRemoteAgent(cfg, client, logger), nil
}

func newRemoteAgent(cfg RemoteConfig, host remoteHost, logger zerolog.Logger) *RemoteAgent {
	if cfg.StagingDir == "" {
		cfg.StagingDir = "/tmp/autoinfra"
	}
	return &RemoteAgent{
		config: cfg,
		host:   host,
		logger: logger.With().Str("component", "agent").Str("agent", "remote").Str("host", cfg.SSH.Host).Logger(),
	}
}

// Apply stages the prompt and runs the remote command for one issue.
func (a *RemoteAgent) Apply(ctx context.Context, issue engine.DriftIssue, plan *engine.Plan) (*engine.Mutation, error) {
	req := NewRequest(issue, plan)
	stdin, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	if err := a.host.Connect(ctx); err != nil {
		return nil, transportFailure("failed to connect to agent host", err)
	}

	promptPath := path.Join(a.config.StagingDir, issue.ID+".prompt")
	if err := a.host.WriteFile(ctx, promptPath, []byte(req.Prompt), 0o600); err != nil {
		return nil, transportFailure("failed to stage prompt", err)
	}
	defer func() {
		if err := a.host.Remove(context.WithoutCancel(ctx), promptPath); err != nil {
			a.logger.Warn().Err(err).Str("path", promptPath).Msg("Failed to remove staged prompt")
		}
	}()

	cmd := a.config.Command + " " + shellQuote(promptPath)
	a.logger.Debug().Str("issue_id", issue.ID).Str("command", cmd).Msg("Running remote agent")

	result, err := a.host.Run(ctx, cmd, stdin)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportFailure("remote agent did not run", err)
	}
	if result.ExitCode != 0 {
		return nil, exitError("remote agent", result.ExitCode, string(result.Stderr), nil)
	}
	return ParseResponse(result.Stdout)
}

// Close closes the SSH connection.
func (a *RemoteAgent) Close() error {
	return a.host.Close()
}

// transportFailure keeps temporary transport errors retryable.
func transportFailure(msg string, err error) error {
	class := engine.ErrorClassPermanent
	var terr *ssh.TransportError
	if errors.As(err, &terr) && terr.Temporary() {
		class = engine.ErrorClassTransient
	}
	return engine.NewRemediationFailure(class, msg, err).WithOperation("agent.remote")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ remoteHost = (*ssh.Client)(nil)
