package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ExecOptions tunes one apply run.
type ExecOptions struct {
	// MaxParallel bounds concurrent actions within a wave.
	MaxParallel int

	// MaxRetries bounds retry attempts for transient provider errors
	// before they escalate to permanent.
	MaxRetries int

	// BaseBackoff is the first retry delay; subsequent delays double.
	BaseBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
}

// withDefaults fills unset options with the defaults used by the CLI.
func (o ExecOptions) withDefaults() ExecOptions {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 10
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	return o
}

// Observer receives execution lifecycle callbacks. Implementations must
// be safe for concurrent use; telemetry wires these into metrics.
type Observer interface {
	// WaveStarted fires when a wave is released for execution.
	WaveStarted(wave, actions int)

	// ActionCompleted fires once per action with its terminal result.
	ActionCompleted(result ActionResult)
}

// Executor consumes a plan wave-by-wave, invoking providers with
// bounded parallelism inside each wave. Waves are barriers: the next
// wave starts only after every action in the previous one reached a
// terminal outcome. Successful actions update the state store
// immediately so a crash mid-apply leaves accurate partial state.
type Executor struct {
	registry *Registry
	store    StateStore
	opts     ExecOptions
	logger   zerolog.Logger
	observer Observer

	mu       sync.Mutex
	outcomes map[string]Outcome
	results  map[string]*ActionResult
}

// NewExecutor creates an executor over a provider registry and a state
// store handle.
func NewExecutor(registry *Registry, store StateStore, opts ExecOptions, logger zerolog.Logger) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// SetObserver attaches a lifecycle observer. Must be called before
// Apply.
func (e *Executor) SetObserver(obs Observer) {
	e.observer = obs
}

// Apply executes the plan and returns the run report. Execution-phase
// failures are contained to the failing action's dependency subtree;
// Apply itself returns an error only for infrastructure failures such
// as an unreachable state store.
func (e *Executor) Apply(ctx context.Context, plan *Plan) (*RunReport, error) {
	report := &RunReport{
		RunID:     uuid.New().String(),
		PlanID:    plan.ID,
		StartedAt: time.Now().UTC(),
	}

	e.mu.Lock()
	e.outcomes = make(map[string]Outcome)
	e.results = make(map[string]*ActionResult)
	e.mu.Unlock()

	logger := e.logger.With().Str("run_id", report.RunID).Logger()
	logger.Info().Str("plan_id", plan.ID).Int("waves", len(plan.Waves)).Msg("apply started")

	cancelled := false
	for waveIdx, wave := range plan.Waves {
		if ctx.Err() != nil {
			// Cancellation prevents new waves from starting; actions
			// already recorded keep their outcomes.
			cancelled = true
			e.markWaveCancelled(wave)
			continue
		}
		if e.observer != nil {
			e.observer.WaveStarted(waveIdx, len(wave))
		}
		e.executeWave(ctx, logger, waveIdx, wave)
	}

	report.Duration = time.Since(report.StartedAt)
	report.Results = e.collectResults(plan)
	report.Status = summarizeRun(report.Results, cancelled)

	logger.Info().
		Str("status", string(report.Status)).
		Dur("duration", report.Duration).
		Msg("apply finished")

	return report, nil
}

// executeWave runs one wave through a bounded worker pool and blocks
// until every action in it reaches a terminal outcome.
func (e *Executor) executeWave(ctx context.Context, logger zerolog.Logger, waveIdx int, wave []Action) {
	workers := e.opts.MaxParallel
	if len(wave) < workers {
		workers = len(wave)
	}

	queue := make(chan Action, len(wave))
	for _, action := range wave {
		queue <- action
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for action := range queue {
				e.runAction(ctx, logger, action)
			}
		}()
	}
	wg.Wait()

	logger.Debug().Int("wave", waveIdx).Int("actions", len(wave)).Msg("wave completed")
}

// runAction drives a single action to a terminal outcome and records
// the result.
func (e *Executor) runAction(ctx context.Context, logger zerolog.Logger, action Action) {
	result := &ActionResult{
		Identity:  action.Identity,
		Verb:      action.Verb,
		StartedAt: time.Now().UTC(),
	}

	if failedDep, ok := e.failedPredecessor(action); ok {
		result.Outcome = OutcomeSkipped
		result.Error = NewPermanentError(
			fmt.Sprintf("upstream action %s did not succeed", failedDep), nil).
			WithCode(ErrCodeDependencyFailed).
			WithResource(action.Identity)
		e.record(action, result)
		logger.Warn().
			Stringer("resource", action.Identity).
			Str("upstream", failedDep).
			Msg("action skipped")
		return
	}

	if ctx.Err() != nil {
		result.Outcome = OutcomeCancelled
		result.Error = NewPermanentError("run cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
		e.record(action, result)
		return
	}

	if action.Verb == VerbNoOp {
		result.Outcome = OutcomeSuccess
		result.Duration = time.Since(result.StartedAt)
		e.record(action, result)
		return
	}

	err := e.executeWithRetry(ctx, logger, action, result)
	result.Duration = time.Since(result.StartedAt)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = Classify(err).WithResource(action.Identity).WithOperation(string(action.Verb))
		logger.Error().
			Stringer("resource", action.Identity).
			Str("verb", string(action.Verb)).
			Err(err).
			Msg("action failed")
	} else {
		result.Outcome = OutcomeSuccess
		logger.Info().
			Stringer("resource", action.Identity).
			Str("verb", string(action.Verb)).
			Dur("duration", result.Duration).
			Msg("action applied")
	}
	e.record(action, result)
}

// executeWithRetry invokes the provider, retrying transient failures
// with exponential backoff until the retry budget is spent.
func (e *Executor) executeWithRetry(ctx context.Context, logger zerolog.Logger, action Action, result *ActionResult) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		// The provider call itself is never hard-killed: an interrupted
		// call could leave the provider resource in an unrecorded
		// state. Cancellation is honored between attempts.
		lastErr = e.executeOnce(context.WithoutCancel(ctx), action)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt >= e.opts.MaxRetries {
			break
		}

		result.Retries++
		delay := e.backoff(attempt)
		logger.Warn().
			Stringer("resource", action.Identity).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Err(lastErr).
			Msg("transient failure, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return NewPermanentError("run cancelled during retry backoff", ctx.Err()).
				WithCode(ErrCodeCancelled)
		}
	}

	if IsTransient(lastErr) {
		// Retry budget exhausted; the transient failure escalates.
		return NewPermanentError("retries exhausted", lastErr).WithCode(ErrCodeProviderFailed)
	}
	return lastErr
}

// executeOnce performs one provider invocation for the action and, on
// success, persists the resulting recorded state for that single
// resource.
func (e *Executor) executeOnce(ctx context.Context, action Action) error {
	kind := action.Identity.Kind
	provider, err := e.registry.Get(kind)
	if err != nil {
		return err
	}

	isDestroy := action.Verb == VerbDestroy || (action.Verb == VerbReplace && action.DestroyPhase)
	if isDestroy {
		if err := provider.Destroy(ctx, kind, action.Prior.ExternalID); err != nil {
			return err
		}
		return e.dropRecord(ctx, action)
	}

	attrs, err := e.resolveRefs(ctx, action.Desired)
	if err != nil {
		return err
	}

	var externalID string
	var applied Map
	switch {
	case action.Verb == VerbCreate, action.Verb == VerbReplace:
		externalID, applied, err = provider.Create(ctx, kind, attrs)
	case action.Verb == VerbUpdate:
		externalID = action.Prior.ExternalID
		applied, err = provider.Update(ctx, kind, externalID, attrs)
	default:
		return NewPermanentError(fmt.Sprintf("unexpected verb %s", action.Verb), nil).
			WithCode(ErrCodeInternal)
	}
	if err != nil {
		return err
	}

	var serial int64 = 1
	var dependsOn []Identity
	if action.Prior != nil {
		serial = action.Prior.Serial + 1
	}
	for _, key := range action.DependsOn {
		if id, parseErr := ParseIdentity(trimDestroyPhase(key)); parseErr == nil {
			dependsOn = append(dependsOn, id)
		}
	}

	record := &RecordedState{
		Identity:   action.Identity,
		ExternalID: externalID,
		Attrs:      applied,
		DependsOn:  dependsOn,
		AppliedAt:  time.Now().UTC(),
		Serial:     serial,
	}
	if err := e.store.Put(ctx, record); err != nil {
		return fmt.Errorf("failed to persist state for %s: %w", action.Identity, err)
	}
	return nil
}

// dropRecord removes the recorded state after a destroy. The destroy
// half of a create-before-destroy replace must not delete the record
// the create half just wrote, so the record is only dropped while it
// still carries the destroyed external id.
func (e *Executor) dropRecord(ctx context.Context, action Action) error {
	current, err := e.store.Get(ctx, action.Identity)
	if err != nil {
		return fmt.Errorf("failed to read state for %s: %w", action.Identity, err)
	}
	if current == nil || current.ExternalID != action.Prior.ExternalID {
		return nil
	}
	if err := e.store.Delete(ctx, action.Identity); err != nil {
		return fmt.Errorf("failed to delete state for %s: %w", action.Identity, err)
	}
	return nil
}

// resolveRefs replaces every reference in the attribute map with the
// referenced resource's recorded attribute. Records written earlier in
// this run are visible because the store is updated per action.
func (e *Executor) resolveRefs(ctx context.Context, attrs Map) (Map, error) {
	if attrs == nil {
		return nil, nil
	}
	out := make(Map, len(attrs))
	for _, k := range attrs.SortedKeys() {
		resolved, err := e.resolveValue(ctx, attrs[k])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func (e *Executor) resolveValue(ctx context.Context, v Value) (Value, error) {
	switch val := v.(type) {
	case Ref:
		record, err := e.store.Get(ctx, val.Target)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, NewPermanentError(
				fmt.Sprintf("reference to unapplied resource %s", val.Target), nil).
				WithCode(ErrCodeNotFound)
		}
		if val.Attr == "id" {
			return String(record.ExternalID), nil
		}
		resolved, ok := record.Attrs[val.Attr]
		if !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("resource %s has no attribute %q", val.Target, val.Attr), nil).
				WithCode(ErrCodeNotFound)
		}
		return resolved, nil
	case List:
		out := make(List, len(val))
		for i, item := range val {
			resolved, err := e.resolveValue(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case Map:
		return e.resolveRefs(ctx, val)
	default:
		return v, nil
	}
}

// failedPredecessor reports the first predecessor action that did not
// succeed, if any. Skips propagate transitively because a skipped
// predecessor is itself not a success.
func (e *Executor) failedPredecessor(action Action) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dep := range action.DependsOn {
		if e.outcomes[dep] != OutcomeSuccess {
			return dep, true
		}
	}
	return "", false
}

func (e *Executor) record(action Action, result *ActionResult) {
	e.mu.Lock()
	e.outcomes[action.Key()] = result.Outcome
	e.results[action.Key()] = result
	e.mu.Unlock()
	if e.observer != nil {
		e.observer.ActionCompleted(*result)
	}
}

func (e *Executor) markWaveCancelled(wave []Action) {
	for _, action := range wave {
		result := &ActionResult{
			Identity:  action.Identity,
			Verb:      action.Verb,
			Outcome:   OutcomeCancelled,
			StartedAt: time.Now().UTC(),
			Error: NewPermanentError("run cancelled before wave started", nil).
				WithCode(ErrCodeCancelled),
		}
		e.record(action, result)
	}
}

// collectResults orders results to match the plan's wave order.
func (e *Executor) collectResults(plan *Plan) []ActionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ActionResult
	for _, wave := range plan.Waves {
		for _, action := range wave {
			if r, ok := e.results[action.Key()]; ok {
				out = append(out, *r)
			}
		}
	}
	return out
}

// backoff computes the exponential retry delay with a deterministic
// +12.5% spread, capped at MaxBackoff.
func (e *Executor) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(e.opts.BaseBackoff) * math.Pow(2, float64(attempt)))
	if delay > e.opts.MaxBackoff {
		delay = e.opts.MaxBackoff
	}
	return delay + delay/8
}

// summarizeRun folds per-action outcomes into the overall run status.
func summarizeRun(results []ActionResult, cancelled bool) RunStatus {
	if cancelled {
		return RunCancelled
	}
	var succeeded, failed, skipped int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSuccess:
			succeeded++
		case OutcomeFailed:
			failed++
		case OutcomeSkipped:
			skipped++
		case OutcomeCancelled:
			return RunCancelled
		}
	}
	switch {
	case failed == 0 && skipped == 0:
		return RunSucceeded
	case succeeded > 0:
		return RunPartial
	default:
		return RunFailed
	}
}

// trimDestroyPhase strips the replace destroy-half suffix from an
// action key, leaving a parseable identity.
func trimDestroyPhase(key string) string {
	const suffix = "~destroy"
	if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
		return key[:len(key)-len(suffix)]
	}
	return key
}
