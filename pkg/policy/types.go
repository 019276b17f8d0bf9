package policy

import (
	"time"

	"github.com/stackform/stackform/pkg/engine"
)

// Severity grades a policy violation.
type Severity string

const (
	// SeverityWarning marks violations that are surfaced but do not
	// block the apply.
	SeverityWarning Severity = "warning"

	// SeverityError marks violations that block the apply.
	SeverityError Severity = "error"
)

// Policy is one named Rego module.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description says what the policy enforces.
	Description string `json:"description,omitempty"`

	// Rego is the policy source. Violations come from the
	// data.stackform.deny rule.
	Rego string `json:"rego"`

	// Enabled switches the policy on.
	Enabled bool `json:"enabled"`
}

// Violation is one policy finding against a plan.
type Violation struct {
	// Policy names the policy that produced the finding.
	Policy string `json:"policy"`

	// Resource is the identity the finding is about, when resource
	// scoped.
	Resource string `json:"resource,omitempty"`

	// Message describes the finding.
	Message string `json:"message"`

	// Severity grades the finding.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against one
// plan.
type Result struct {
	// Allowed is false when any violation carries error severity.
	Allowed bool `json:"allowed"`

	// Violations lists every finding.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings carries evaluation problems (not findings), such as a
	// policy that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Errors returns only the blocking violations.
func (r *Result) Errors() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// planInput is the JSON document handed to Rego as input.
type planInput struct {
	PlanID  string             `json:"plan_id"`
	Summary engine.PlanSummary `json:"summary"`
	Actions []actionInput      `json:"actions"`
}

type actionInput struct {
	Identity     string         `json:"identity"`
	Kind         string         `json:"kind"`
	Name         string         `json:"name"`
	Verb         string         `json:"verb"`
	DestroyPhase bool           `json:"destroy_phase"`
	PriorAttrs   map[string]any `json:"prior_attrs,omitempty"`
	DesiredAttrs map[string]any `json:"desired_attrs,omitempty"`
}

// newPlanInput flattens a plan into the policy input document.
func newPlanInput(plan *engine.Plan) planInput {
	input := planInput{
		PlanID:  plan.ID,
		Summary: plan.Summary,
	}
	for _, action := range plan.Actions() {
		ai := actionInput{
			Identity:     action.Identity.String(),
			Kind:         action.Identity.Kind,
			Name:         action.Identity.Name,
			Verb:         string(action.Verb),
			DestroyPhase: action.DestroyPhase,
			DesiredAttrs: engine.EncodeMap(action.Desired),
		}
		if action.Prior != nil {
			ai.PriorAttrs = engine.EncodeMap(action.Prior.Attrs)
		}
		input.Actions = append(input.Actions, ai)
	}
	return input
}
