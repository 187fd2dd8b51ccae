package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// WasmConfig configures a WASI agent module.
type WasmConfig struct {
	// Module is the path to the .wasm file.
	Module string `yaml:"module" json:"module"`

	// Checksum is the expected hex SHA-256 of the module. Empty skips verification.
	Checksum string `yaml:"checksum" json:"checksum"`

	// WorkDir is mounted read-write at /work inside the module.
	WorkDir string `yaml:"workDir" json:"workDir"`

	// Timeout bounds one invocation. Default: 30s.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MemoryLimitPages caps module memory in 64KiB pages. Default: 256 (16MiB).
	MemoryLimitPages uint32 `yaml:"memoryLimitPages" json:"memoryLimitPages"`
}

// WasmAgent runs a WASI command module once per issue. The request document
// is the module's stdin and the response is read from its stdout, so any
// language that targets wasip1 can implement an agent.
type WasmAgent struct {
	config   WasmConfig
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	logger   zerolog.Logger
}

// NewWasmAgent reads, verifies and compiles the module.
func NewWasmAgent(ctx context.Context, cfg WasmConfig, logger zerolog.Logger) (*WasmAgent, error) {
	data, err := os.ReadFile(cfg.Module)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read agent module %s", cfg.Module), err).
			WithCode(engine.ErrCodeNotFound)
	}
	return NewWasmAgentFromBytes(ctx, data, cfg, logger)
}

// NewWasmAgentFromBytes compiles a module already in memory.
func NewWasmAgentFromBytes(ctx context.Context, module []byte, cfg WasmConfig, logger zerolog.Logger) (*WasmAgent, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	if cfg.Checksum != "" {
		sum := sha256.Sum256(module)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, cfg.Checksum) {
			return nil, engine.NewConfigError("agent module checksum mismatch",
				fmt.Errorf("expected %s, got %s", cfg.Checksum, got))
		}
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, engine.NewConfigError("failed to compile agent module", err)
	}

	return &WasmAgent{
		config:   cfg,
		runtime:  runtime,
		compiled: compiled,
		logger:   logger.With().Str("component", "agent").Str("agent", "wasm").Logger(),
	}, nil
}

// Apply runs the module for one issue. Each call gets a fresh instance.
func (a *WasmAgent) Apply(ctx context.Context, issue engine.DriftIssue, plan *engine.Plan) (*engine.Mutation, error) {
	stdin, err := encodeRequest(NewRequest(issue, plan))
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs("autoinfra-agent").
		WithEnv("AUTOINFRA_ISSUE_ID", issue.ID).
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithSysWalltime().
		WithSysNanotime()
	if a.config.WorkDir != "" {
		modConfig = modConfig.WithFSConfig(wazero.NewFSConfig().WithDirMount(a.config.WorkDir, "/work"))
	}

	mod, err := a.runtime.InstantiateModule(runCtx, a.compiled, modConfig)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return nil, engine.NewRemediationFailure(engine.ErrorClassPermanent, "agent module trapped", err)
		}
		switch code := exitErr.ExitCode(); code {
		case 0:
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			return nil, engine.NewRemediationFailure(engine.ErrorClassTransient, "agent module did not finish", runCtx.Err()).
				WithCode(engine.ErrCodeTimeout)
		default:
			return nil, exitError("agent module", int(code), stderr.String(), err)
		}
	}

	if stderr.Len() > 0 {
		a.logger.Debug().Str("issue_id", issue.ID).Str("stderr", stderr.String()).Msg("Agent module wrote to stderr")
	}
	return ParseResponse(stdout.Bytes())
}

// Close releases the runtime.
func (a *WasmAgent) Close(ctx context.Context) error {
	return a.runtime.Close(ctx)
}
