package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func plannerFixture() (*Planner, *memStore, *fakeProvider) {
	provider := newFakeProvider(groupSchema(), accountSchema(), subnetSchema())
	store := newMemStore()
	return NewPlanner(newTestRegistry(provider), store, testLogger()), store, provider
}

func groupResource(name string, order int) *Resource {
	return &Resource{
		Identity:  ident("core.group", name),
		Attrs:     Map{"location": String("west")},
		DeclOrder: order,
	}
}

func accountResource(name, group string, order int) *Resource {
	return &Resource{
		Identity: ident("storage.account", name),
		Attrs: Map{
			"group": Ref{Target: ident("core.group", group), Attr: "id"},
		},
		DeclOrder: order,
	}
}

func recordedGroup(name string) *RecordedState {
	return &RecordedState{
		Identity:   ident("core.group", name),
		ExternalID: "ext-" + name,
		Attrs: Map{
			"location": String("west"),
			"id":       String("ext-" + name),
		},
		AppliedAt: time.Now().UTC(),
		Serial:    1,
	}
}

func TestPlanFreshCreate(t *testing.T) {
	planner, _, _ := plannerFixture()
	desired := []*Resource{
		groupResource("rg", 0),
		accountResource("sa", "rg", 1),
	}

	plan, err := planner.Plan(context.Background(), desired)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if plan.Summary.Create != 2 {
		t.Errorf("summary.Create = %d, want 2", plan.Summary.Create)
	}
	if len(plan.Waves) != 2 {
		t.Fatalf("got %d waves, want 2: %v", len(plan.Waves), plan.Waves)
	}
	if plan.Waves[0][0].Identity != ident("core.group", "rg") {
		t.Errorf("wave 0 = %v, want core.group.rg", plan.Waves[0][0].Identity)
	}
	if plan.Waves[1][0].Identity != ident("storage.account", "sa") {
		t.Errorf("wave 1 = %v, want storage.account.sa", plan.Waves[1][0].Identity)
	}
	for _, a := range plan.Actions() {
		if a.Verb != VerbCreate {
			t.Errorf("verb for %v = %s, want create", a.Identity, a.Verb)
		}
	}
	// Validation filled the account defaults into the planned attrs.
	sa := plan.Waves[1][0]
	if sa.Desired["tier"] != String("standard") {
		t.Errorf("planned tier = %v, want standard", sa.Desired["tier"])
	}
}

func TestPlanNoOpWhenConverged(t *testing.T) {
	planner, store, _ := plannerFixture()
	ctx := context.Background()

	if err := store.Put(ctx, recordedGroup("rg")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	plan, err := planner.Plan(ctx, []*Resource{groupResource("rg", 0)})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Summary.NoOp != 1 || !plan.IsEmpty() {
		t.Errorf("plan = %+v, want a single noop", plan.Summary)
	}
}

func TestPlanUpdate(t *testing.T) {
	planner, store, _ := plannerFixture()
	ctx := context.Background()

	if err := store.Put(ctx, &RecordedState{
		Identity:   ident("storage.account", "sa"),
		ExternalID: "ext-sa",
		Attrs: Map{
			"group":    String("ext-rg"),
			"tier":     String("standard"),
			"replicas": Int(1),
		},
		Serial: 1,
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	plan, err := planner.Plan(ctx, []*Resource{{
		Identity: ident("storage.account", "sa"),
		Attrs: Map{
			"group": String("ext-rg"),
			"tier":  String("premium"),
		},
	}})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Summary.Update != 1 {
		t.Fatalf("summary = %+v, want one update", plan.Summary)
	}
	action := plan.Waves[0][0]
	if action.Verb != VerbUpdate || action.Prior == nil {
		t.Errorf("action = %+v, want update with prior state", action)
	}
}

func TestPlanReplaceDestroyBeforeCreate(t *testing.T) {
	planner, store, _ := plannerFixture()
	ctx := context.Background()

	if err := store.Put(ctx, recordedGroup("rg")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	desired := []*Resource{{
		Identity:  ident("core.group", "rg"),
		Attrs:     Map{"location": String("east")},
		DeclOrder: 0,
	}}

	plan, err := planner.Plan(ctx, desired)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Summary.Replace != 1 {
		t.Fatalf("summary = %+v, want one replace", plan.Summary)
	}
	actions := plan.Actions()
	if len(actions) != 2 {
		t.Fatalf("got %d actions, want destroy and create halves", len(actions))
	}
	if !actions[0].DestroyPhase || actions[1].DestroyPhase {
		t.Errorf("default replace order = %v then %v, want destroy first",
			actions[0].Key(), actions[1].Key())
	}
	if actions[0].Verb != VerbReplace || actions[1].Verb != VerbReplace {
		t.Errorf("replace halves carry verbs %s/%s, want replace", actions[0].Verb, actions[1].Verb)
	}
	if len(plan.Waves) != 2 {
		t.Errorf("halves share a wave: %v", plan.Waves)
	}
}

func TestPlanReplaceCreateBeforeDestroy(t *testing.T) {
	planner, store, _ := plannerFixture()
	ctx := context.Background()

	if err := store.Put(ctx, &RecordedState{
		Identity:   ident("net.subnet", "front"),
		ExternalID: "ext-front",
		Attrs:      Map{"cidr": String("10.0.0.0/24"), "id": String("ext-front")},
		Serial:     1,
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	plan, err := planner.Plan(ctx, []*Resource{{
		Identity: ident("net.subnet", "front"),
		Attrs:    Map{"cidr": String("10.1.0.0/24")},
	}})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	actions := plan.Actions()
	if len(actions) != 2 {
		t.Fatalf("got %d actions, want 2", len(actions))
	}
	if actions[0].DestroyPhase || !actions[1].DestroyPhase {
		t.Errorf("create-before-destroy order = %v then %v, want create first",
			actions[0].Key(), actions[1].Key())
	}
}

func TestPlanDestroysOrphansAfterDependents(t *testing.T) {
	planner, store, _ := plannerFixture()
	ctx := context.Background()

	rg := ident("core.group", "rg")
	sa := ident("storage.account", "sa")
	if err := store.Put(ctx, recordedGroup("rg")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, &RecordedState{
		Identity:   sa,
		ExternalID: "ext-sa",
		Attrs:      Map{"group": String("ext-rg")},
		DependsOn:  []Identity{rg},
		Serial:     1,
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Nothing declared: both records are destroyed, dependent first.
	plan, err := planner.Plan(ctx, nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Summary.Destroy != 2 {
		t.Fatalf("summary = %+v, want two destroys", plan.Summary)
	}
	if len(plan.Waves) != 2 {
		t.Fatalf("got %d waves %v, want dependent destroyed strictly first", len(plan.Waves), plan.Waves)
	}
	if plan.Waves[0][0].Identity != sa || plan.Waves[1][0].Identity != rg {
		t.Errorf("destroy order = %v, want %v before %v", plan.Waves, sa, rg)
	}
}

func TestPlanOrphanDestroyAlongsideNoOp(t *testing.T) {
	planner, store, _ := plannerFixture()
	ctx := context.Background()

	if err := store.Put(ctx, recordedGroup("rg")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, &RecordedState{
		Identity:   ident("storage.account", "old"),
		ExternalID: "ext-old",
		Attrs:      Map{"group": String("ext-rg")},
		DependsOn:  []Identity{ident("core.group", "rg")},
		Serial:     1,
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	plan, err := planner.Plan(ctx, []*Resource{groupResource("rg", 0)})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Summary.NoOp != 1 || plan.Summary.Destroy != 1 {
		t.Fatalf("summary = %+v, want one noop and one destroy", plan.Summary)
	}
	// The orphan has no dependents, so nothing delays its destroy.
	if len(plan.Waves) != 1 {
		t.Errorf("got %d waves %v, want 1", len(plan.Waves), plan.Waves)
	}
}

func TestPlanDeterministic(t *testing.T) {
	desired := []*Resource{
		groupResource("rg", 0),
		accountResource("sa2", "rg", 1),
		accountResource("sa1", "rg", 2),
	}

	planner, store, _ := plannerFixture()
	ctx := context.Background()
	if err := store.Put(ctx, recordedGroup("stale")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	first, err := planner.Plan(ctx, desired)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	firstWaves, err := json.Marshal(first.Waves)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		next, err := planner.Plan(ctx, desired)
		if err != nil {
			t.Fatalf("Plan failed on run %d: %v", i, err)
		}
		nextWaves, err := json.Marshal(next.Waves)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if string(firstWaves) != string(nextWaves) {
			t.Fatalf("plan differs between runs:\n%s\n%s", firstWaves, nextWaves)
		}
	}
}

func TestPlanUnknownKind(t *testing.T) {
	planner, _, _ := plannerFixture()
	_, err := planner.Plan(context.Background(), []*Resource{{
		Identity: ident("dns.zone", "z"),
		Attrs:    Map{},
	}})
	if err == nil {
		t.Fatal("Plan accepted an unknown kind")
	}
	var re *ReconcileError
	if !errors.As(err, &re) || re.Code != ErrCodeSchemaViolation {
		t.Errorf("error = %v, want SCHEMA_VIOLATION", err)
	}
}

func TestPlanCycleIsFatal(t *testing.T) {
	planner, _, _ := plannerFixture()
	a := &Resource{
		Identity:  ident("core.group", "a"),
		Attrs:     Map{"location": String("west")},
		DependsOn: []Identity{ident("core.group", "b")},
	}
	b := &Resource{
		Identity:  ident("core.group", "b"),
		Attrs:     Map{"location": String("west")},
		DependsOn: []Identity{ident("core.group", "a")},
	}

	_, err := planner.Plan(context.Background(), []*Resource{a, b})
	if err == nil {
		t.Fatal("Plan accepted a cyclic configuration")
	}
	if !IsFatal(err) {
		t.Errorf("cycle error should be fatal: %v", err)
	}
	var re *ReconcileError
	if !errors.As(err, &re) || len(re.Cycle) == 0 {
		t.Errorf("error carries no cycle identities: %v", err)
	}
}

func TestPlanRejectsReferenceToRemovedResource(t *testing.T) {
	planner, store, _ := plannerFixture()
	ctx := context.Background()

	if err := store.Put(ctx, recordedGroup("rg")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// rg left the declarations but sa still points at it: the pending
	// destroy and the reference can never be ordered.
	_, err := planner.Plan(ctx, []*Resource{accountResource("sa", "rg", 0)})
	if err == nil {
		t.Fatal("Plan accepted a reference to a removed resource")
	}
	if !IsFatal(err) {
		t.Errorf("error should be fatal: %v", err)
	}
	var re *ReconcileError
	if !errors.As(err, &re) || re.Code != ErrCodeSchemaViolation {
		t.Fatalf("error = %v, want SCHEMA_VIOLATION", err)
	}
	if re.Resource != "storage.account.sa" {
		t.Errorf("resource = %q, want the referencing resource", re.Resource)
	}
	if !strings.Contains(re.Message, "core.group.rg") {
		t.Errorf("message %q does not name the removed resource", re.Message)
	}
}
