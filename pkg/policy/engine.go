package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/stackform/stackform/pkg/engine"
)

// denyQuery is the rule every policy contributes violations through.
const denyQuery = "data.stackform.deny"

// Engine compiles policies once and evaluates them against plans.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine preloaded with the built-in
// policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		if err := e.AddPolicy(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// AddPolicy compiles and registers a policy, replacing any previous
// policy with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	if p.Name == "" {
		return fmt.Errorf("policy has no name")
	}

	query, err := rego.New(
		rego.Query(denyQuery),
		rego.Module(p.Name+".rego", p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	return nil
}

// Policies returns the registered policy names in lexical order.
func (e *Engine) Policies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EvaluatePlan runs every enabled policy against the plan.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := newPlanInput(plan)
	result := &Result{Allowed: true}

	for _, name := range e.Policies() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluateOne(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("policy evaluation failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s failed to evaluate: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity == SeverityError {
			result.Allowed = false
			break
		}
	}
	result.EvaluatedAt = time.Now().UTC()

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Msg("plan policy evaluation finished")
	return result, nil
}

// evaluateOne runs a single prepared query and decodes its deny set.
func (e *Engine) evaluateOne(ctx context.Context, cp *compiledPolicy, input planInput) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, result := range rs {
		for _, expr := range result.Expressions {
			entries, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, entry := range entries {
				out = append(out, decodeViolation(cp.policy.Name, entry))
			}
		}
	}
	return out, nil
}

// decodeViolation maps one deny entry onto a Violation. Entries may be
// bare strings or objects with message, resource, and severity fields.
func decodeViolation(policyName string, entry any) Violation {
	v := Violation{Policy: policyName, Severity: SeverityError}

	switch val := entry.(type) {
	case string:
		v.Message = val
	case map[string]any:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if res, ok := val["resource"].(string); ok {
			v.Resource = res
		}
		if sev, ok := val["severity"].(string); ok && Severity(sev) == SeverityWarning {
			v.Severity = SeverityWarning
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}

	if v.Message == "" {
		v.Message = "policy violation"
	}
	return v
}
