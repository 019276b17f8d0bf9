package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Reconciler wires the planner and executor behind the state store's
// advisory lock. The lock is held for the whole of one plan+apply
// cycle, so a second concurrent invocation against the same state fails
// fast with STATE_LOCKED instead of interleaving.
//
// The reconciler carries no global state: independent reconciliation
// runs construct independent reconcilers over their own stores.
type Reconciler struct {
	registry *Registry
	store    StateStore
	logger   zerolog.Logger
	opts     ExecOptions
	lockWait time.Duration
}

// NewReconciler creates a reconciler over a provider registry and a
// state store.
func NewReconciler(registry *Registry, store StateStore, opts ExecOptions, lockWait time.Duration, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		registry: registry,
		store:    store,
		logger:   logger,
		opts:     opts,
		lockWait: lockWait,
	}
}

// Executor returns an executor bound to the reconciler's registry,
// store, and options. Callers attach observers before running.
func (r *Reconciler) Executor() *Executor {
	return NewExecutor(r.registry, r.store, r.opts, r.logger)
}

// Plan computes a plan under the state lock and releases the lock
// before returning.
func (r *Reconciler) Plan(ctx context.Context, desired []*Resource) (*Plan, error) {
	token, err := r.lock(ctx, "plan")
	if err != nil {
		return nil, err
	}
	defer r.unlock(ctx, token)

	return NewPlanner(r.registry, r.store, r.logger).Plan(ctx, desired)
}

// PlanGate inspects a freshly computed plan before any of it is
// applied. A non-nil error aborts the run with no provider calls made;
// the lock is still released.
type PlanGate func(ctx context.Context, plan *Plan) error

// Run performs one full reconciliation cycle: acquire the lock, plan,
// apply, release. Planning-phase errors abort with no provider side
// effects; execution-phase failures are contained and reported.
func (r *Reconciler) Run(ctx context.Context, desired []*Resource, executor *Executor) (*Plan, *RunReport, error) {
	return r.RunGated(ctx, desired, executor, nil)
}

// RunGated is Run with a gate evaluated against the plan computed
// under the lock. Callers that approve or policy-check a preview plan
// use the gate to re-check the plan actually applied, since state may
// have moved between the preview and the lock acquisition.
func (r *Reconciler) RunGated(ctx context.Context, desired []*Resource, executor *Executor, gate PlanGate) (*Plan, *RunReport, error) {
	token, err := r.lock(ctx, "apply")
	if err != nil {
		return nil, nil, err
	}
	defer r.unlock(ctx, token)

	plan, err := NewPlanner(r.registry, r.store, r.logger).Plan(ctx, desired)
	if err != nil {
		return nil, nil, err
	}

	if gate != nil {
		if err := gate(ctx, plan); err != nil {
			return plan, nil, err
		}
	}

	if executor == nil {
		executor = r.Executor()
	}
	report, err := executor.Apply(ctx, plan)
	if err != nil {
		return plan, nil, err
	}
	return plan, report, nil
}

// Refresh reads every recorded resource back through its provider and
// updates the recorded attributes, so the next plan diffs against what
// actually exists. Resources the provider can no longer find are
// dropped from state.
func (r *Reconciler) Refresh(ctx context.Context) error {
	token, err := r.lock(ctx, "refresh")
	if err != nil {
		return err
	}
	defer r.unlock(ctx, token)

	records, err := r.store.SnapshotAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot recorded state: %w", err)
	}

	logger := r.logger.With().Str("component", "refresh").Logger()
	for _, record := range records {
		provider, err := r.registry.Get(record.Identity.Kind)
		if err != nil {
			return err
		}
		attrs, err := provider.Read(ctx, record.Identity.Kind, record.ExternalID)
		if err != nil {
			if Classify(err).Code == ErrCodeNotFound {
				logger.Warn().
					Stringer("resource", record.Identity).
					Msg("resource gone from provider, dropping record")
				if err := r.store.Delete(ctx, record.Identity); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("failed to refresh %s: %w", record.Identity, err)
		}

		if ValuesEqual(record.Attrs, attrs) {
			continue
		}
		logger.Info().Stringer("resource", record.Identity).Msg("recorded state drifted, updating")
		record.Attrs = attrs
		record.Serial++
		record.AppliedAt = time.Now().UTC()
		if err := r.store.Put(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) lock(ctx context.Context, operation string) (string, error) {
	hostname, _ := os.Hostname()
	return r.store.Lock(ctx, LockInfo{
		Holder:         fmt.Sprintf("%s pid %d", hostname, os.Getpid()),
		Operation:      operation,
		AcquireTimeout: r.lockWait,
		StaleAfter:     10 * time.Minute,
	})
}

func (r *Reconciler) unlock(ctx context.Context, token string) {
	if err := r.store.Unlock(ctx, token); err != nil {
		r.logger.Error().Err(err).Msg("failed to release state lock")
	}
}
