package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Planner diffs a desired configuration against recorded state and
// produces a wave-ordered execution plan. Planning never touches a
// provider beyond schema lookup; fatal errors here abort the run with
// no side effects.
type Planner struct {
	registry *Registry
	store    StateStore
	logger   zerolog.Logger
}

// NewPlanner creates a planner over a provider registry and a state
// store handle.
func NewPlanner(registry *Registry, store StateStore, logger zerolog.Logger) *Planner {
	return &Planner{
		registry: registry,
		store:    store,
		logger:   logger.With().Str("component", "planner").Logger(),
	}
}

// plannedAction pairs an action with its wave assignment inputs.
type plannedAction struct {
	action    Action
	deps      []string
	declOrder int
	phase     int // 0 = primary, ordered before (1) the create half of a replace
}

// Plan validates the desired configuration, builds the dependency
// graph, classifies a verb per identity, and emits the plan as a
// sequence of waves. Given identical desired configuration and recorded
// state, the result is identical across runs.
func (p *Planner) Plan(ctx context.Context, desired []*Resource) (*Plan, error) {
	schemas, err := p.validate(desired)
	if err != nil {
		return nil, err
	}

	recorded, err := p.store.SnapshotAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot recorded state: %w", err)
	}

	graph, err := BuildGraph(desired, recorded)
	if err != nil {
		return nil, err
	}

	desiredByID := make(map[Identity]*Resource, len(desired))
	for _, res := range desired {
		desiredByID[res.Identity] = res
	}

	planned := make(map[string]*plannedAction)
	declOrders := make(map[Identity]int)
	orphanOrder := len(desired)

	// Classify identities in a deterministic order: declared resources
	// first, then recorded-only identities sorted by name.
	identities := make([]Identity, 0, graph.Len())
	for _, res := range desired {
		identities = append(identities, res.Identity)
		declOrders[res.Identity] = res.DeclOrder
	}
	orphans := make([]Identity, 0)
	for id := range recorded {
		if _, ok := desiredByID[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].String() < orphans[j].String()
	})
	for _, id := range orphans {
		identities = append(identities, id)
		declOrders[id] = orphanOrder
		orphanOrder++
	}

	// A declared resource may not reference a resource that was removed
	// from the declarations: the orphan's destroy has to wait for the
	// referencing action, which in turn waits for the orphan.
	orphanSet := make(map[Identity]struct{}, len(orphans))
	for _, id := range orphans {
		orphanSet[id] = struct{}{}
	}
	for _, res := range desired {
		for _, dep := range res.ReferencedIdentities() {
			if _, gone := orphanSet[dep]; gone {
				return nil, NewSchemaViolation(
					fmt.Sprintf("references %s, which is recorded but no longer declared", dep),
					res.Identity)
			}
		}
	}

	summary := PlanSummary{}
	for _, id := range identities {
		res := desiredByID[id]
		prior := recorded[id]

		switch {
		case res != nil && prior == nil:
			summary.Create++
			planned[id.String()] = &plannedAction{
				action: Action{
					Identity: id,
					Verb:     VerbCreate,
					Desired:  CopyMap(res.Attrs),
				},
				deps:      forwardDeps(graph, id),
				declOrder: declOrders[id],
			}

		case res == nil && prior != nil:
			summary.Destroy++
			planned[id.String()] = &plannedAction{
				action: Action{
					Identity: id,
					Verb:     VerbDestroy,
					Prior:    prior,
				},
				// Destroys wait for every action that may still
				// reference the resource: reverse-dependency edges.
				deps:      reverseDeps(graph, id),
				declOrder: declOrders[id],
			}

		default:
			schema := schemas[id.Kind]
			if schema.AttrsEqual(res.Attrs, prior.Attrs) {
				summary.NoOp++
				planned[id.String()] = &plannedAction{
					action: Action{
						Identity: id,
						Verb:     VerbNoOp,
						Prior:    prior,
						Desired:  CopyMap(res.Attrs),
					},
					deps:      forwardDeps(graph, id),
					declOrder: declOrders[id],
				}
				break
			}

			if changed := schema.ImmutableChanges(res.Attrs, prior.Attrs); len(changed) > 0 {
				summary.Replace++
				p.logger.Debug().
					Stringer("resource", id).
					Strs("immutable_attrs", changed).
					Msg("immutable attribute changed, planning replace")
				p.planReplace(planned, graph, id, res, prior, schema, declOrders[id])
				break
			}

			summary.Update++
			planned[id.String()] = &plannedAction{
				action: Action{
					Identity: id,
					Verb:     VerbUpdate,
					Prior:    prior,
					Desired:  CopyMap(res.Attrs),
				},
				deps:      forwardDeps(graph, id),
				declOrder: declOrders[id],
			}
		}
	}

	waves, err := scheduleActions(planned)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Waves:     waves,
		Summary:   summary,
	}

	p.logger.Info().
		Str("plan_id", plan.ID).
		Int("waves", len(plan.Waves)).
		Int("create", summary.Create).
		Int("update", summary.Update).
		Int("replace", summary.Replace).
		Int("destroy", summary.Destroy).
		Int("noop", summary.NoOp).
		Msg("plan computed")

	return plan, nil
}

// planReplace expands one replace into its destroy and create halves.
// Default ordering destroys the old instance first; kinds declaring
// create-before-destroy reverse the pair.
func (p *Planner) planReplace(
	planned map[string]*plannedAction,
	graph *Graph,
	id Identity,
	res *Resource,
	prior *RecordedState,
	schema *KindSchema,
	declOrder int,
) {
	destroy := Action{
		Identity:     id,
		Verb:         VerbReplace,
		Prior:        prior,
		DestroyPhase: true,
	}
	// The create half carries the prior record too so the replacement
	// continues the serial sequence instead of restarting at 1.
	create := Action{
		Identity: id,
		Verb:     VerbReplace,
		Prior:    prior,
		Desired:  CopyMap(res.Attrs),
	}

	deps := forwardDeps(graph, id)
	if schema.CreateBeforeDestroy {
		planned[create.Key()] = &plannedAction{
			action: create, deps: deps, declOrder: declOrder,
		}
		planned[destroy.Key()] = &plannedAction{
			action: destroy, deps: []string{create.Key()}, declOrder: declOrder, phase: 1,
		}
	} else {
		planned[destroy.Key()] = &plannedAction{
			action: destroy, deps: deps, declOrder: declOrder,
		}
		planned[create.Key()] = &plannedAction{
			action: create, deps: []string{destroy.Key()}, declOrder: declOrder, phase: 1,
		}
	}
}

// validate checks identity uniqueness and structural schema conformance
// for every declared resource, filling in defaults. The returned map
// holds the schema per kind for the diff phase.
func (p *Planner) validate(desired []*Resource) (map[string]*KindSchema, error) {
	schemas := make(map[string]*KindSchema)
	seen := make(map[Identity]struct{}, len(desired))

	for _, res := range desired {
		if _, dup := seen[res.Identity]; dup {
			return nil, NewSchemaViolation("duplicate resource identity", res.Identity)
		}
		seen[res.Identity] = struct{}{}

		schema, ok := schemas[res.Identity.Kind]
		if !ok {
			var err error
			schema, err = p.registry.Schema(res.Identity.Kind)
			if err != nil {
				return nil, NewSchemaViolation(
					fmt.Sprintf("unknown kind %q", res.Identity.Kind), res.Identity)
			}
			schemas[res.Identity.Kind] = schema
		}

		if err := schema.ValidateResource(res); err != nil {
			return nil, err
		}
	}
	return schemas, nil
}

// forwardDeps returns the predecessor action keys for an identity that
// follows normal apply ordering: its graph dependencies.
func forwardDeps(graph *Graph, id Identity) []string {
	deps := graph.Dependencies(id)
	keys := make([]string, len(deps))
	for i, dep := range deps {
		keys[i] = dep.String()
	}
	return keys
}

// reverseDeps returns the predecessor action keys for a destroy: the
// identities that depend on the resource, which must reach a terminal
// outcome before the resource disappears.
func reverseDeps(graph *Graph, id Identity) []string {
	deps := graph.Dependents(id)
	keys := make([]string, len(deps))
	for i, dep := range deps {
		keys[i] = dep.String()
	}
	return keys
}

// scheduleActions assigns each planned action to a wave with Kahn's
// algorithm over action-level edges. Ties inside a wave break by
// declaration order, then replace phase, then key.
func scheduleActions(planned map[string]*plannedAction) ([][]Action, error) {
	inDegree := make(map[string]int, len(planned))
	dependents := make(map[string][]string, len(planned))

	for key, pa := range planned {
		if _, ok := inDegree[key]; !ok {
			inDegree[key] = 0
		}
		resolved := pa.deps[:0]
		for _, dep := range pa.deps {
			if _, exists := planned[dep]; !exists {
				// The predecessor produced no action (e.g. an identity
				// that is fully absent); drop the edge.
				continue
			}
			resolved = append(resolved, dep)
			inDegree[key]++
			dependents[dep] = append(dependents[dep], key)
		}
		pa.deps = resolved
		pa.action.DependsOn = append([]string(nil), resolved...)
	}

	current := make([]string, 0)
	for key, deg := range inDegree {
		if deg == 0 {
			current = append(current, key)
		}
	}

	var waves [][]Action
	scheduled := 0
	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool {
			a, b := planned[current[i]], planned[current[j]]
			if a.declOrder != b.declOrder {
				return a.declOrder < b.declOrder
			}
			if a.phase != b.phase {
				return a.phase < b.phase
			}
			return current[i] < current[j]
		})

		wave := make([]Action, len(current))
		for i, key := range current {
			wave[i] = planned[key].action
		}
		waves = append(waves, wave)
		scheduled += len(current)

		next := make([]string, 0)
		for _, key := range current {
			for _, dep := range dependents[key] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if scheduled != len(planned) {
		// BuildGraph already rejected cycles; reaching this means the
		// replace expansion built an inconsistent edge set.
		return nil, NewPermanentError("failed to schedule all actions", nil).
			WithCode(ErrCodeInternal)
	}
	return waves, nil
}
