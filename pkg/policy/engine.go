package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies against resource declarations.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate runs every enabled policy against every declaration.
func (e *Engine) Evaluate(ctx context.Context, resources []ResourceInput, pc Context) (*Result, error) {
	startTime := time.Now()
	if pc.Timestamp.IsZero() {
		pc.Timestamp = startTime
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedAt: startTime}
	names := e.sortedNames()

	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		for _, r := range resources {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			violations, err := e.evaluatePolicy(ctx, cp, r, pc)
			if err != nil {
				return nil, fmt.Errorf("policy %s failed on %s: %w", name, r.ID, err)
			}

			for _, v := range violations {
				if v.Severity.Blocking() {
					result.Allowed = false
					result.Violations = append(result.Violations, v)
				} else {
					result.Warnings = append(result.Warnings, v)
				}
			}
		}
	}

	result.Duration = time.Since(startTime)
	e.logger.Debug().
		Int("resources", len(resources)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy against one declaration.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, r ResourceInput, pc Context) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input(r, pc)))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, res := range results {
		if len(res.Expressions) == 0 {
			continue
		}
		// deny is a set, which arrives as a slice
		denySet, ok := res.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, r.ID))
		}
	}

	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// createViolation creates a Violation from one deny entry.
func createViolation(policy *Policy, result interface{}, resourceID string) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Resource:   resourceID,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
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
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := parseDenyModule(policy)
	if err != nil {
		return nil, err
	}

	query := module.Package.Path.String() + ".deny"
	r := rego.New(
		rego.ParsedModule(module),
		rego.Query(query),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    prepared,
		compiled: time.Now(),
	}, nil
}

// LoadPolicies loads policy files and directories on top of the current set.
// A loaded policy replaces any existing policy with the same name.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and installs policies. Nothing is installed if any
// policy fails to compile.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		if _, exists := e.policies[cp.policy.Name]; exists {
			e.logger.Warn().Str("policy", cp.policy.Name).Msg("Policy replaced")
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// ReloadPolicies resets to the built-in policies and installs the given ones.
func (e *Engine) ReloadPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	err := e.loadBuiltinPolicies(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.AddPolicies(ctx, policies)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
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
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}

// sortedNames returns policy names in order. Callers hold e.mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
