package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
	"github.com/openfroyo/osdeploy/pkg/telemetry"
)

// OperationCheck is the operation reported to policies evaluated through Evaluate.
const OperationCheck = "check"

// Engine evaluates Rego policies against sequence descriptions.
// It implements engine.SequencePolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	loader   *Loader
	paths    []string
	logger   zerolog.Logger
}

var _ engine.SequencePolicy = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		loader:   NewLoader(logger),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Evaluate implements engine.SequencePolicy. Only blocking violations are
// returned; warnings are logged.
func (e *Engine) Evaluate(ctx context.Context, desc *engine.Description) ([]engine.PolicyViolation, error) {
	result, err := e.EvaluateSequence(ctx, desc, OperationCheck)
	if err != nil {
		return nil, err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("sequence", desc.ID).
			Str("policy", w.Policy).
			Str("phase", w.Phase).
			Int("step", w.Step).
			Msg(w.Message)
	}

	out := make([]engine.PolicyViolation, 0, len(result.Violations))
	for _, v := range result.Violations {
		telemetry.RecordPolicyViolation(ctx, desc.ID, v.Policy, v.Message)
		out = append(out, engine.PolicyViolation{Rule: v.Policy, Message: v.Message})
	}
	return out, nil
}

// EvaluateSequence evaluates every enabled policy against desc and splits the
// violations by severity.
func (e *Engine) EvaluateSequence(ctx context.Context, desc *engine.Description, operation string) (*PolicyResult, error) {
	if desc == nil {
		return nil, engine.NewValidationError("sequence", "no sequence to evaluate", nil).WithCode(engine.ErrCodeRequired)
	}
	start := time.Now()

	input, err := sequenceInput(desc, operation)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &PolicyResult{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("sequence", desc.ID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
				Step:     -1,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)
	e.logger.Debug().
		Str("sequence", desc.ID).
		Str("operation", operation).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Sequence policy evaluation completed")
	return result, nil
}

// sequenceInput converts desc into the document policies see as input.
func sequenceInput(desc *engine.Description, operation string) (map[string]any, error) {
	raw, err := json.Marshal(&PolicyInput{
		Sequence: desc,
		Phases:   engine.Phases(),
		Context:  &PolicyContext{Operation: operation, Timestamp: time.Now()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return input, nil
}

// evaluatePolicy runs the prepared deny query of a single policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]any) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Phase != violations[j].Phase {
			return violations[i].Phase < violations[j].Phase
		}
		if violations[i].Step != violations[j].Step {
			return violations[i].Step < violations[j].Step
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation creates a Violation from one element of a deny set.
// Elements may be plain strings or objects with message, severity, phase and step.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
		Step:     -1,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if phase, ok := v["phase"].(string); ok {
			violation.Phase = phase
		}
		if step, ok := stepIndex(v["step"]); ok {
			violation.Step = step
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	if violation.Message == "" {
		violation.Message = policy.Description
	}
	return violation
}

func stepIndex(v interface{}) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// compileAndStorePolicy compiles a policy and prepares its deny query.
// The caller holds the write lock.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	if policy.Name == "" {
		return engine.NewValidationError("name", "policy name is required", nil).WithCode(engine.ErrCodeRequired)
	}

	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")
	return nil
}

// loadBuiltinPolicies loads the built-in policies. The caller holds the write lock
// or owns the engine exclusively.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return nil
}

// AddPolicy compiles and registers a single policy, replacing any policy with
// the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.compileAndStorePolicy(ctx, &policy); err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}
	return nil
}

// LoadPolicies loads policy files and directories. The paths are remembered
// for ReloadPolicies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.storePolicies(ctx, policies); err != nil {
		return err
	}
	e.paths = append(e.paths, paths...)

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded successfully")
	return nil
}

func (e *Engine) storePolicies(ctx context.Context, policies []Policy) error {
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).Str("policy", policies[i].Name).Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewResolutionError(fmt.Sprintf("policy not found: %s", name), nil).WithCode(engine.ErrCodeNotFound)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// ReloadPolicies drops every policy, then loads the built-ins and the files of
// earlier LoadPolicies calls again.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.loader.ClearCache()

	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	var external []Policy
	if len(paths) > 0 {
		var err error
		external, err = e.loader.LoadFromPaths(ctx, paths)
		if err != nil {
			return fmt.Errorf("failed to reload policies: %w", err)
		}
	}
	return e.replace(ctx, external)
}

// replace swaps the policy set for the built-ins plus external.
func (e *Engine) replace(ctx context.Context, external []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy)
	if err := e.loadBuiltinPolicies(ctx); err != nil {
		e.policies = previous
		return err
	}
	if err := e.storePolicies(ctx, external); err != nil {
		e.policies = previous
		return err
	}

	e.logger.Info().Int("count", len(e.policies)).Msg("Policies reloaded")
	return nil
}

// Watch reloads the policies whenever a file under paths changes. It blocks
// until ctx is done. A reload that fails keeps the previous policy set.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	e.mu.Lock()
	e.paths = append([]string(nil), paths...)
	e.mu.Unlock()

	return e.loader.Watch(ctx, paths, func(policies []Policy) {
		if err := e.replace(ctx, policies); err != nil {
			e.logger.Error().Err(err).Msg("Failed to apply reloaded policies")
		}
	})
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
		return engine.NewResolutionError(fmt.Sprintf("policy not found: %s", name), nil).WithCode(engine.ErrCodeNotFound)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

// sortedNames returns the policy names in order. The caller holds a lock.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
