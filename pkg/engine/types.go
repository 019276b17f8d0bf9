package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Identity uniquely names a resource within a configuration.
// The string form is "kind.name": "storage.account.sa1" has kind
// "storage.account" and name "sa1".
type Identity struct {
	// Kind is the resource kind, e.g. "core.group".
	Kind string `json:"kind"`

	// Name is the logical name declared by the user.
	Name string `json:"name"`
}

// String returns the canonical "kind.name" form.
func (id Identity) String() string {
	return id.Kind + "." + id.Name
}

// ParseIdentity parses the canonical "kind.name" form. The name is the
// segment after the last dot; everything before it is the kind.
func ParseIdentity(s string) (Identity, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return Identity{}, fmt.Errorf("invalid identity %q: want kind.name", s)
	}
	return Identity{Kind: s[:i], Name: s[i+1:]}, nil
}

// Value is the closed variant type for resource attributes: a scalar,
// a list, a nested map, or a reference to another resource's attribute.
// Consumers switch exhaustively over the concrete types String, Int,
// Float, Bool, List, Map, and Ref.
type Value interface {
	value()
}

// String is a scalar string value.
type String string

// Int is a scalar integer value.
type Int int64

// Float is a scalar floating-point value.
type Float float64

// Bool is a scalar boolean value.
type Bool bool

// List is an ordered sequence of values.
type List []Value

// Map is a nested mapping of attribute names to values.
type Map map[string]Value

// Ref is an unresolved reference to another resource's attribute.
// It is resolved by the executor once the target's action completes.
type Ref struct {
	// Target is the identity of the referenced resource.
	Target Identity `json:"target"`

	// Attr is the attribute on the target being referenced.
	Attr string `json:"attr"`
}

func (String) value() {}
func (Int) value()    {}
func (Float) value()  {}
func (Bool) value()   {}
func (List) value()   {}
func (Map) value()    {}
func (Ref) value()    {}

// SortedKeys returns the map's keys in lexical order. Plans must be
// deterministic, so every iteration over attribute maps goes through here.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resource is a declared desired resource: identity, attributes, and
// explicit ordering hints.
type Resource struct {
	// Identity uniquely names the resource within the configuration.
	Identity Identity `json:"identity"`

	// Attrs is the declared attribute mapping.
	Attrs Map `json:"attrs"`

	// DependsOn lists explicit ordering hints in addition to the
	// implicit edges inferred from references in Attrs.
	DependsOn []Identity `json:"depends_on,omitempty"`

	// DeclOrder is the position of the resource in its source
	// configuration. It breaks ties between independent actions so
	// plans are stable across runs.
	DeclOrder int `json:"decl_order"`
}

// RecordedState is the store's record of a resource as last applied.
// It is owned by the state store; only the executor writes it.
type RecordedState struct {
	// Identity is the resource the record belongs to.
	Identity Identity `json:"identity"`

	// ExternalID is the opaque provider-assigned identifier.
	ExternalID string `json:"external_id"`

	// Attrs is the attribute snapshot after the last successful apply,
	// including provider-computed attributes.
	Attrs Map `json:"attrs"`

	// DependsOn preserves the dependency edges the resource had when it
	// was applied, so destroy ordering works for resources that are no
	// longer declared.
	DependsOn []Identity `json:"depends_on,omitempty"`

	// AppliedAt is when the record was last written.
	AppliedAt time.Time `json:"applied_at"`

	// Serial increments on every write to the record.
	Serial int64 `json:"serial"`
}

// Verb is the action classification the planner assigns to a resource.
type Verb string

const (
	// VerbCreate creates a resource that exists in the desired
	// configuration but not in recorded state.
	VerbCreate Verb = "create"

	// VerbUpdate updates a resource in place.
	VerbUpdate Verb = "update"

	// VerbReplace destroys and recreates a resource because an
	// immutable attribute changed. It expands into a destroy action and
	// a create action with ordering per the kind's schema.
	VerbReplace Verb = "replace"

	// VerbDestroy removes a resource that is recorded but no longer
	// declared.
	VerbDestroy Verb = "destroy"

	// VerbNoOp indicates the resource already matches its declaration.
	VerbNoOp Verb = "noop"
)

// IsMutating reports whether the verb changes provider-side state.
func (v Verb) IsMutating() bool {
	return v != VerbNoOp
}

// Validate checks that the verb is one of the known values.
func (v Verb) Validate() error {
	switch v {
	case VerbCreate, VerbUpdate, VerbReplace, VerbDestroy, VerbNoOp:
		return nil
	default:
		return fmt.Errorf("invalid verb: %s", v)
	}
}

// Action is one planned step: a verb applied to a resource, with the
// attribute snapshots before and after.
type Action struct {
	// Identity is the resource the action operates on.
	Identity Identity `json:"identity"`

	// Verb is the operation to perform.
	Verb Verb `json:"verb"`

	// Prior is the recorded state before the action, nil for creates.
	Prior *RecordedState `json:"prior,omitempty"`

	// Desired is the declared attributes after the action, nil for
	// destroys.
	Desired Map `json:"desired,omitempty"`

	// DependsOn lists the keys (see Key) of predecessor actions that
	// must succeed before this one may run. All of them appear in an
	// earlier wave.
	DependsOn []string `json:"depends_on,omitempty"`

	// DestroyPhase marks the destroy half of a replace pair, so both
	// halves can share one identity in the plan.
	DestroyPhase bool `json:"destroy_phase,omitempty"`
}

// Key returns a plan-unique key for the action. The destroy half of a
// replace is suffixed so it does not collide with the create half.
func (a Action) Key() string {
	if a.DestroyPhase {
		return a.Identity.String() + "~destroy"
	}
	return a.Identity.String()
}

// Plan is an ordered sequence of waves. Actions within a wave share no
// dependency edge and may execute concurrently; waves execute strictly
// in order.
type Plan struct {
	// ID identifies the plan.
	ID string `json:"id"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Waves is the wave-ordered action sequence.
	Waves [][]Action `json:"waves"`

	// Summary counts actions by verb.
	Summary PlanSummary `json:"summary"`
}

// Actions returns all actions in wave order, flattened.
func (p *Plan) Actions() []Action {
	var out []Action
	for _, wave := range p.Waves {
		out = append(out, wave...)
	}
	return out
}

// IsEmpty reports whether the plan contains no mutating action.
func (p *Plan) IsEmpty() bool {
	for _, wave := range p.Waves {
		for _, a := range wave {
			if a.Verb.IsMutating() {
				return false
			}
		}
	}
	return true
}

// PlanSummary counts planned actions by verb.
type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Replace int `json:"replace"`
	Destroy int `json:"destroy"`
	NoOp    int `json:"noop"`
}

// Outcome is the terminal result of one executed action.
type Outcome string

const (
	// OutcomeSuccess means the provider call succeeded and the new
	// recorded state was persisted.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailed means the action failed permanently, after retries
	// for transient errors were exhausted.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped means an upstream dependency failed, so the action
	// never ran.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeCancelled means the run was cancelled before the action's
	// wave started.
	OutcomeCancelled Outcome = "cancelled"
)

// ActionResult is the per-action outcome in a run report.
type ActionResult struct {
	// Identity is the resource the action operated on.
	Identity Identity `json:"identity"`

	// Verb is the operation that was (or would have been) performed.
	Verb Verb `json:"verb"`

	// Outcome is the terminal result.
	Outcome Outcome `json:"outcome"`

	// Error carries the classified failure for failed and skipped
	// actions.
	Error *ReconcileError `json:"error,omitempty"`

	// Retries is how many retry attempts were made.
	Retries int `json:"retries"`

	// StartedAt is when the action began executing.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total execution time including retries.
	Duration time.Duration `json:"duration"`
}

// RunStatus is the overall status of one apply run.
type RunStatus string

const (
	// RunSucceeded means every action reached OutcomeSuccess.
	RunSucceeded RunStatus = "succeeded"

	// RunPartial means some actions failed or were skipped while others
	// succeeded.
	RunPartial RunStatus = "partial"

	// RunFailed means no mutating action succeeded.
	RunFailed RunStatus = "failed"

	// RunCancelled means the run was cancelled before completion.
	RunCancelled RunStatus = "cancelled"
)

// RunReport is the externally observable output of one apply run:
// per-action outcomes in wave order plus an overall status.
type RunReport struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// PlanID is the plan that was executed.
	PlanID string `json:"plan_id"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Results lists per-action outcomes in wave order.
	Results []ActionResult `json:"results"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total run time.
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether every action in the run succeeded.
func (r *RunReport) Succeeded() bool {
	return r.Status == RunSucceeded
}
