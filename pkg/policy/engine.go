package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/luminode/luminode/pkg/runtime"
	"github.com/luminode/luminode/pkg/telemetry"
)

// Engine evaluates admission policies. It satisfies the program manager's
// admission hook through Admit.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy

	deviceID    string
	environment string

	logger *telemetry.Logger
	events *telemetry.EventBus
}

// compiledPolicy is a parsed and query-checked Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// DeviceID is placed in the policy input context.
	DeviceID string

	// Environment is placed in the policy input context.
	Environment string

	Logger *telemetry.Logger
	Events *telemetry.EventBus
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(opts EngineOptions) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info"})
	}

	e := &Engine{
		policies:    make(map[string]*compiledPolicy),
		deviceID:    opts.DeviceID,
		environment: opts.Environment,
		logger:      logger.NewComponentLogger("policy"),
		events:      opts.Events,
	}

	for _, p := range BuiltinPolicies() {
		policy := p
		if err := e.compileAndStore(&policy); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", policy.Name, err)
		}
	}
	e.logger.WithField("count", len(e.policies)).Info("built-in policies loaded")
	return e, nil
}

// LoadPolicies compiles operator-supplied policy files on top of the
// built-ins. A policy sharing a built-in's name replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileAndStoreLocked(&policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.WithField("count", len(policies)).Info("policies loaded")
	return nil
}

// Admit evaluates a program spec against all enabled policies and rejects it
// when any blocking violation fires.
func (e *Engine) Admit(ctx context.Context, spec runtime.Spec) error {
	input := &ProgramInput{
		Program: &ProgramDescriptor{
			ID:          spec.ID,
			Name:        spec.Name,
			Version:     spec.Version,
			Checksum:    spec.Checksum,
			Source:      spec.Source,
			SourceBytes: len(spec.Source),
		},
		Context: &EvalContext{
			DeviceID:    e.deviceID,
			Environment: e.environment,
			Timestamp:   time.Now().UTC(),
		},
	}

	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return runtime.NewValidationError("policy evaluation failed", err).WithProgram(spec.ID)
	}

	for _, v := range result.Violations {
		e.events.Publish(telemetry.Event{
			Type:      telemetry.EventTypePolicyViolation,
			Source:    "policy",
			ProgramID: spec.ID,
			Message:   v.Message,
			Level:     string(v.Severity),
			Data:      map[string]interface{}{"policy": v.Policy},
		})
	}

	if result.Allowed {
		return nil
	}

	blocking := firstBlocking(result.Violations)
	return runtime.NewValidationError(
		fmt.Sprintf("policy %s: %s", blocking.Policy, blocking.Message), nil).
		WithProgram(spec.ID).
		WithCode(runtime.ErrCodePolicyDenied)
}

// Evaluate runs all enabled policies against an input document.
func (e *Engine) Evaluate(ctx context.Context, input *ProgramInput) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedAt: time.Now().UTC()}

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.WithError(err).WithField("policy", cp.policy.Name).Error("policy evaluation failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for i := range result.Violations {
		if isBlocking(result.Violations[i].Severity) {
			result.Allowed = false
			break
		}
	}
	return result, nil
}

// evaluatePolicy runs one policy's deny query.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *ProgramInput) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(cp.policy.Rego))

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
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
			violations = append(violations, e.violation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// violation converts one deny result into a Violation.
func (e *Engine) violation(policy *Policy, result interface{}, input *ProgramInput) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}
	if input.Program != nil {
		v.ProgramID = input.Program.ID
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
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

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// SetEnabled toggles a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.WithField("policy", name).WithField("enabled", enabled).Info("policy toggled")
	return nil
}

func (e *Engine) compileAndStore(policy *Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStoreLocked(policy)
}

func (e *Engine) compileAndStoreLocked(policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		compiled: time.Now(),
	}
	return nil
}

// packageName extracts the package name from Rego code.
func packageName(regoCode string) string {
	for _, line := range strings.Split(regoCode, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "luminode.policies"
}

// isBlocking reports whether a severity rejects the program.
func isBlocking(s Severity) bool {
	return s == SeverityError || s == SeverityCritical
}

// firstBlocking returns the first blocking violation.
func firstBlocking(violations []Violation) Violation {
	for _, v := range violations {
		if isBlocking(v.Severity) {
			return v
		}
	}
	return Violation{Policy: "unknown", Message: "program rejected"}
}
