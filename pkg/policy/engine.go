package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/telemetry"
)

// Engine is the OPA-backed remediation guard. Each enabled policy is a
// separately prepared query so a denial names the policy that produced it.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	// toggles survive reloads of custom policies.
	toggles  map[string]bool
	store    storage.Store
	logger   zerolog.Logger
	loader   *Loader
}

var _ engine.RemediationGuard = (*Engine)(nil)

type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a guard with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		toggles:  make(map[string]bool),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		if err := e.compileAndStore(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}

	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// Review evaluates every enabled policy against one fix. The first policy,
// in name order, that denies decides; its messages form the reason.
func (e *Engine) Review(ctx context.Context, issue engine.DriftIssue, plan *engine.Plan) (*engine.PolicyDecision, error) {
	op := telemetry.StartOperation(ctx, "policy.review",
		attribute.String("issue.id", issue.ID),
		attribute.String("resource.id", issue.ResourceID),
	)

	input, err := toInput(NewInput(issue, plan))
	if err != nil {
		op.End(err)
		return nil, engine.NewPermanentError("failed to build policy input", err).WithOperation("policy.review")
	}

	violations, err := e.evaluate(op.Ctx, input)
	if err != nil {
		op.End(err)
		return nil, err
	}
	op.End(nil)

	if len(violations) == 0 {
		return &engine.PolicyDecision{Allowed: true}, nil
	}

	first := violations[0].Policy
	var reasons []string
	for _, v := range violations {
		if v.Policy == first {
			reasons = append(reasons, v.Message)
		}
	}

	e.logger.Debug().
		Str("issue_id", issue.ID).
		Str("policy", first).
		Int("violations", len(violations)).
		Dur("duration", op.Timer.Duration()).
		Msg("Fix denied by policy")

	return &engine.PolicyDecision{
		Allowed: false,
		Policy:  first,
		Reason:  strings.Join(reasons, "; "),
	}, nil
}

// Evaluate returns every violation for one issue, across all enabled policies.
func (e *Engine) Evaluate(ctx context.Context, issue engine.DriftIssue, plan *engine.Plan) ([]Violation, error) {
	input, err := toInput(NewInput(issue, plan))
	if err != nil {
		return nil, engine.NewPermanentError("failed to build policy input", err)
	}
	return e.evaluate(ctx, input)
}

func (e *Engine) evaluate(ctx context.Context, input interface{}) ([]Violation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var violations []Violation
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("policy %s evaluation failed", name), err).
				WithOperation("policy.evaluate")
		}

		for _, result := range results {
			if len(result.Expressions) == 0 {
				continue
			}
			denySet, ok := result.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, Violation{Policy: name, Message: denyMessage(d)})
			}
		}
	}

	return violations, nil
}

// denyMessage accepts a plain string or an object with a message or reason.
func denyMessage(result interface{}) string {
	switch v := result.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
		if msg, ok := v["reason"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", result)
}

// toInput converts the input to plain JSON values so custom marshalers apply.
func toInput(in *Input) (interface{}, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadPolicies replaces the custom policies with the ones found under paths.
// Built-in policies stay. Nothing changes if any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return engine.NewConfigError("failed to load policies", err).WithCode(engine.ErrCodeNotFound)
	}
	return e.replaceCustom(ctx, policies)
}

// Watch reloads the custom policies whenever a file under paths changes.
// It returns once the watcher is running; watching stops with ctx.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceCustom(ctx, policies)
	})
}

func (e *Engine) replaceCustom(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		cp, err := e.compile(ctx, p)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("Failed to compile policy")
			return err
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return engine.NewConfigError(fmt.Sprintf("policy %s shadows a built-in policy", name), nil).
				WithCode(engine.ErrCodeConflict)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		if enabled, ok := e.toggles[name]; ok {
			cp.policy.Enabled = enabled
		}
		e.policies[name] = cp
	}

	e.logger.Info().Int("custom", len(compiled)).Int("total", len(e.policies)).Msg("Policies loaded")
	return nil
}

// compile parses and prepares a policy. Its package must be autoinfra.remediation.
func (e *Engine) compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to parse policy %s", p.Name), err).
			WithCode(engine.ErrCodeSchemaInvalid)
	}
	if pkg := module.Package.Path.String(); pkg != PolicyPackage {
		return nil, engine.NewConfigError(
			fmt.Sprintf("policy %s declares package %s, want %s", p.Name, strings.TrimPrefix(pkg, "data."), strings.TrimPrefix(PolicyPackage, "data.")),
			nil,
		).WithCode(engine.ErrCodeSchemaInvalid)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(DenyQuery),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to prepare policy %s", p.Name), err).
			WithCode(engine.ErrCodeSchemaInvalid)
	}

	return &compiledPolicy{policy: p, query: query, compiled: time.Now()}, nil
}

func (e *Engine) compileAndStore(ctx context.Context, p Policy) error {
	cp, err := e.compile(ctx, p)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.policies[p.Name] = cp
	e.mu.Unlock()
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewConfigError(fmt.Sprintf("policy not found: %s", name), nil).WithCode(engine.ErrCodeNotFound)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies in name order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewConfigError(fmt.Sprintf("policy not found: %s", name), nil).WithCode(engine.ErrCodeNotFound)
	}
	cp.policy.Enabled = enabled
	e.toggles[name] = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// Close stops any running watcher.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}
