package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// ScriptConfig configures a Starlark fix script.
type ScriptConfig struct {
	// Path is the script file. It must define apply(issue, plan).
	Path string `yaml:"path" json:"path"`

	// WorkDir is the root that read_file and write_file are confined to.
	WorkDir string `yaml:"workDir" json:"workDir"`

	// Timeout bounds one invocation. Default: 30s.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// ScriptAgent runs a Starlark function per issue. The script receives the
// issue and the plan as dicts and edits artifacts under WorkDir through the
// read_file and write_file builtins. apply returns either a message string or
// a dict with message and changed; files written are always reported as changed.
type ScriptAgent struct {
	config ScriptConfig
	source string
	logger zerolog.Logger
}

// NewScriptAgent loads the script.
func NewScriptAgent(cfg ScriptConfig, logger zerolog.Logger) (*ScriptAgent, error) {
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read agent script %s", cfg.Path), err).
			WithCode(engine.ErrCodeNotFound)
	}
	return NewScriptAgentFromSource(string(data), cfg, logger), nil
}

// NewScriptAgentFromSource creates an agent from script text.
func NewScriptAgentFromSource(source string, cfg ScriptConfig, logger zerolog.Logger) *ScriptAgent {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Path == "" {
		cfg.Path = "agent.star"
	}
	return &ScriptAgent{
		config: cfg,
		source: source,
		logger: logger.With().Str("component", "agent").Str("agent", "script").Logger(),
	}
}

// Apply runs apply(issue, plan) for one issue.
func (a *ScriptAgent) Apply(ctx context.Context, issue engine.DriftIssue, plan *engine.Plan) (*engine.Mutation, error) {
	evalCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	issueVal, err := jsonToStarlark(issue)
	if err != nil {
		return nil, engine.NewRemediationFailure(engine.ErrorClassPermanent, "failed to convert issue", err)
	}
	planVal, err := jsonToStarlark(plan)
	if err != nil {
		return nil, engine.NewRemediationFailure(engine.ErrorClassPermanent, "failed to convert plan", err)
	}

	ws := &workspace{root: a.config.WorkDir}
	thread := &starlark.Thread{
		Name: "autoinfra-agent",
		Print: func(_ *starlark.Thread, msg string) {
			a.logger.Debug().Str("issue_id", issue.ID).Msg(msg)
		},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"struct":     starlarkstruct.Default,
		"read_file":  starlark.NewBuiltin("read_file", ws.readFile),
		"write_file": starlark.NewBuiltin("write_file", ws.writeFile),
		"fail_retry": starlark.NewBuiltin("fail_retry", builtinFailRetry),
	}

	globals, err := starlark.ExecFile(thread, a.config.Path, a.source, predeclared)
	if err != nil {
		return nil, a.scriptError(evalCtx, "script failed to load", err)
	}
	fn, ok := globals["apply"].(starlark.Callable)
	if !ok {
		return nil, engine.NewRemediationFailure(engine.ErrorClassPermanent,
			fmt.Sprintf("%s does not define apply(issue, plan)", a.config.Path), nil)
	}

	result, err := starlark.Call(thread, fn, starlark.Tuple{issueVal, planVal}, nil)
	if err != nil {
		return nil, a.scriptError(evalCtx, "apply failed", err)
	}

	mutation, err := toMutation(result)
	if err != nil {
		return nil, engine.NewRemediationFailure(engine.ErrorClassPermanent, "apply returned an invalid result", err)
	}
	mutation.Changed = mergeChanged(mutation.Changed, ws.written())
	return mutation, nil
}

// errRetry is raised by fail_retry to ask the executor to try again.
type errRetry struct{ msg string }

func (e *errRetry) Error() string { return e.msg }

func builtinFailRetry(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
		return nil, err
	}
	return nil, &errRetry{msg: msg}
}

func (a *ScriptAgent) scriptError(ctx context.Context, msg string, err error) error {
	if ctx.Err() != nil {
		return engine.NewRemediationFailure(engine.ErrorClassTransient, "script did not finish", ctx.Err()).
			WithCode(engine.ErrCodeTimeout)
	}
	class := engine.ErrorClassPermanent
	var retry *errRetry
	if errors.As(err, &retry) {
		class = engine.ErrorClassTransient
		err = retry
	}
	return engine.NewRemediationFailure(class, msg, err)
}

// workspace confines file builtins to one directory and records writes.
type workspace struct {
	root string
	mu   sync.Mutex
	seen map[string]bool
}

func (w *workspace) resolve(name string) (string, error) {
	if w.root == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("path %q must be relative to the workspace", name)
	}
	full := filepath.Join(w.root, name)
	rel, err := filepath.Rel(w.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", name)
	}
	return full, nil
}

func (w *workspace) readFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &name); err != nil {
		return nil, err
	}
	full, err := w.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	return starlark.String(data), nil
}

func (w *workspace) writeFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, content string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &name, "content", &content); err != nil {
		return nil, err
	}
	full, err := w.resolve(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.seen == nil {
		w.seen = make(map[string]bool)
	}
	w.seen[filepath.ToSlash(name)] = true
	w.mu.Unlock()
	return starlark.None, nil
}

func (w *workspace) written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.seen))
	for name := range w.seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func mergeChanged(reported, written []string) []string {
	seen := make(map[string]bool, len(reported))
	for _, c := range reported {
		seen[c] = true
	}
	for _, c := range written {
		if !seen[c] {
			reported = append(reported, c)
			seen[c] = true
		}
	}
	return reported
}

// toMutation converts the value returned by apply.
func toMutation(v starlark.Value) (*engine.Mutation, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return &engine.Mutation{}, nil
	case starlark.String:
		return &engine.Mutation{Message: string(val)}, nil
	}

	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return nil, err
	}
	fields, ok := goVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a string or dict, got %s", v.Type())
	}

	m := &engine.Mutation{}
	if msg, ok := fields["message"].(string); ok {
		m.Message = msg
	}
	if changed, ok := fields["changed"].([]interface{}); ok {
		for _, c := range changed {
			s, ok := c.(string)
			if !ok {
				return nil, fmt.Errorf("changed entries must be strings, got %T", c)
			}
			m.Changed = append(m.Changed, s)
		}
	}
	return m, nil
}

// jsonToStarlark converts a value through its JSON form so scripts see the
// same field names as the plan document.
func jsonToStarlark(v interface{}) (starlark.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return toStarlarkValue(generic)
}

// toStarlarkValue converts a decoded JSON value to a Starlark value.
// Whole numbers become ints.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
