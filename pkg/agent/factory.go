package agent

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// Kind selects an agent implementation.
type Kind string

const (
	KindCommand Kind = "command"
	KindScript  Kind = "script"
	KindWasm    Kind = "wasm"
	KindRemote  Kind = "remote"
)

// Config selects and configures the mutation agent.
type Config struct {
	Kind    Kind          `yaml:"kind" json:"kind" validate:"omitempty,oneof=command script wasm remote"`
	Command CommandConfig `yaml:"command" json:"command"`
	Script  ScriptConfig  `yaml:"script" json:"script"`
	Wasm    WasmConfig    `yaml:"wasm" json:"wasm"`
	Remote  RemoteConfig  `yaml:"remote" json:"remote"`
}

// New builds the configured agent. The returned close function releases
// runtimes and connections; it is never nil.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (engine.MutationAgent, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Kind {
	case "", KindCommand:
		return NewCommandAgent(cfg.Command, logger), noop, nil
	case KindScript:
		a, err := NewScriptAgent(cfg.Script, logger)
		if err != nil {
			return nil, noop, err
		}
		return a, noop, nil
	case KindWasm:
		a, err := NewWasmAgent(ctx, cfg.Wasm, logger)
		if err != nil {
			return nil, noop, err
		}
		return a, func() error { return a.Close(context.Background()) }, nil
	case KindRemote:
		a, err := NewRemoteAgent(cfg.Remote, logger)
		if err != nil {
			return nil, noop, err
		}
		return a, a.Close, nil
	default:
		return nil, noop, engine.NewConfigError(fmt.Sprintf("unknown agent kind %q", cfg.Kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
}
