// Package orchestrator is the Resync Orchestrator (spec.md §4.5): it
// drives one resync pass through the state machine idle →
// fetching_config → syncing → reconciling → completed/failed/aborted,
// pulling batches per resource config, handing them to the Entity
// Processor, grouping the results by blueprint, and handing each group to
// the State Applier.
//
// Grounded on the teacher's pkg/diff.go Syncer.Run/Solve orchestration
// (producer + worker pool + error channel + stats counters), generalized
// from "one diff pass over a fixed Kong resource list" to "one resync pass
// over an adapter-defined, ordered resource-config list, each with a
// lazily-iterated batch stream."
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/port-labs/ocean-core/pkg/applier"
	"github.com/port-labs/ocean-core/pkg/entity"
	"github.com/port-labs/ocean-core/pkg/eventctx"
	"github.com/port-labs/ocean-core/pkg/ocerr"
	"github.com/port-labs/ocean-core/pkg/portal"
	"github.com/port-labs/ocean-core/pkg/processor"
)

// State is one stage of the resync state machine.
type State string

const (
	StateIdle           State = "idle"
	StateFetchingConfig State = "fetching_config"
	StateSyncing        State = "syncing"
	StateReconciling    State = "reconciling"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateAborted        State = "aborted"
)

// BatchSource lazily yields raw record batches for one resource config. It
// returns io.EOF once exhausted, the same sentinel idiom as bufio.Scanner
// and database/sql rows.
type BatchSource interface {
	Next(ctx context.Context) ([]entity.RawRecord, error)
}

// Adapter supplies a BatchSource per resource config. Implemented by the
// integration being ported; out of scope for this engine (spec.md
// Non-goals).
type Adapter interface {
	Fetch(ctx context.Context, rc *entity.ResourceConfig) (BatchSource, error)
}

// ConfigLoader loads the app config (resource mapping + flags) for a
// resync pass. Implemented against pkg/config, injected so tests can
// supply a fixed AppConfig.
type ConfigLoader func(ctx context.Context) (*entity.AppConfig, error)

// MetricsRecorder receives orchestration events for pkg/metrics to turn
// into Prometheus observations. A nil Recorder on Orchestrator is a no-op.
type MetricsRecorder interface {
	ResyncStarted(trigger entity.TriggerType)
	ResyncCompleted(state State, duration time.Duration)
	KindProcessed(kind string, passed, failed, misconfigured int)
	// KindDuration reports how long one resource config's extract-
	// transform-load pass took (SPEC_FULL.md §6 per-kind ETL histograms).
	KindDuration(kind string, duration time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) ResyncStarted(entity.TriggerType)     {}
func (noopRecorder) ResyncCompleted(State, time.Duration) {}
func (noopRecorder) KindProcessed(string, int, int, int)  {}
func (noopRecorder) KindDuration(string, time.Duration)   {}

// KindStats tallies one resource config's processing outcomes.
type KindStats struct {
	Passed        int
	Failed        int
	Misconfigured int
}

// Result summarizes one Run.
type Result struct {
	State   State
	Errors  []error
	PerKind map[string]KindStats
	Applied map[string]*applier.Result
	// ThresholdExceededPlans holds, per blueprint, the plan the State
	// Applier would have executed had its deletion threshold not tripped
	// (SPEC_FULL.md §10 deletion-threshold dry reporting). An operator
	// surface outside this engine can use it to show what would have been
	// deleted instead of the gate silently dropping the plan.
	ThresholdExceededPlans map[string]*applier.Plan
}

// BlueprintResetter is the subset of pkg/portal.Client that
// ResyncWithBlueprintReset needs.
type BlueprintResetter interface {
	DeleteAllEntitiesForBlueprint(ctx context.Context, blueprint string) (string, error)
	WaitForMigration(ctx context.Context, migrationID string, interval time.Duration) (*portal.Migration, error)
}

// ExistingStateFetcher fetches a blueprint's current entities from the
// portal (spec.md §4.4 existing_state), implemented by pkg/portal.Client.
// A nil ExistingStateFetcher on Orchestrator leaves the catalog exactly as
// this process left it, the prior behavior.
type ExistingStateFetcher interface {
	ListEntitiesByBlueprint(ctx context.Context, blueprint string) ([]*entity.Entity, error)
}

// Orchestrator drives resync passes. The zero value is not ready to use;
// populate every exported field before calling Run.
type Orchestrator struct {
	Adapter      Adapter
	Processor    *processor.Processor
	Applier      *applier.Applier
	ConfigLoader ConfigLoader
	Metrics      MetricsRecorder
	// ExistingState seeds the catalog's view of a blueprint from the
	// portal's real current state the first time that blueprint is
	// touched in a run, before any entity of it is upserted or reconciled
	// (spec.md §4.4 existing_state). Nil skips seeding.
	ExistingState ExistingStateFetcher
	// Concurrency bounds the Entity Processor's batch parallelism; 0 means
	// GOMAXPROCS (see pkg/processor.ProcessBatch).
	Concurrency int

	mu    sync.Mutex
	state State
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// State returns the orchestrator's current stage.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == "" {
		return StateIdle
	}
	return o.state
}

func (o *Orchestrator) metrics() MetricsRecorder {
	if o.Metrics == nil {
		return noopRecorder{}
	}
	return o.Metrics
}

// ensureSeeded replaces the catalog's view of blueprint with the portal's
// real current state the first time blueprint is seen this run, so both
// the per-batch upserts and the final reconciliation diff against actual
// existing_state rather than this process's own write history. A no-op
// once seeded[blueprint] is set, and when o.ExistingState is nil.
func (o *Orchestrator) ensureSeeded(ctx context.Context, blueprint string, seeded map[string]bool) error {
	if seeded[blueprint] || o.ExistingState == nil {
		return nil
	}
	ents, err := o.ExistingState.ListEntitiesByBlueprint(ctx, blueprint)
	if err != nil {
		return fmt.Errorf("fetching existing state for %s: %w", blueprint, err)
	}
	if err := o.Applier.Catalog.ReplaceBlueprint(blueprint, ents); err != nil {
		return fmt.Errorf("seeding catalog for %s: %w", blueprint, err)
	}
	seeded[blueprint] = true
	return nil
}

func applierOptionsFromConfig(cfg *entity.AppConfig, dryRun bool) applier.Options {
	return applier.Options{
		DeleteDependentEntities:      cfg.DeleteDependentEntities,
		CreateMissingRelatedEntities: cfg.CreateMissingRelatedEntities,
		EnableMergeEntity:            cfg.EnableMergeEntity,
		EntityDeletionThreshold:      cfg.EntityDeletionThreshold,
		DryRun:                       dryRun,
	}
}

// Run executes one full resync pass. Abort is honored at batch and
// blueprint boundaries (never mid-batch; SPEC_FULL.md §9 Open Question
// resolution #2: an in-flight batch always finishes before abort is
// honored).
func (o *Orchestrator) Run(ctx context.Context, trigger entity.TriggerType) (*Result, error) {
	return o.run(ctx, trigger, false)
}

// RunDryRun executes the same pass as Run but never calls the Portal
// Client's mutating endpoints: the State Applier computes and reports what
// it would have created, updated, and deleted instead of doing so
// (SPEC_FULL.md §10 dry-run / diff-only mode). Useful for validating a new
// resource mapping before it runs against a live catalog.
func (o *Orchestrator) RunDryRun(ctx context.Context, trigger entity.TriggerType) (*Result, error) {
	return o.run(ctx, trigger, true)
}

func (o *Orchestrator) run(ctx context.Context, trigger entity.TriggerType, dryRun bool) (*Result, error) {
	ctx, handle := eventctx.WithEvent(ctx, entity.EventResync, trigger)
	start := time.Now()
	o.metrics().ResyncStarted(trigger)

	o.setState(StateFetchingConfig)
	cfg, err := o.ConfigLoader(ctx)
	if err != nil {
		o.setState(StateFailed)
		return nil, ocerr.New(ocerr.ConfigError, "orchestrator.Run", err)
	}
	handle.AppConfig = cfg

	opts := applierOptionsFromConfig(cfg, dryRun)

	o.setState(StateSyncing)
	desired := map[string][]*entity.Entity{}
	failedSelectorIDs := map[string]map[string]bool{}
	seeded := map[string]bool{}
	applied := map[string]*applier.Result{}
	perKind := map[string]KindStats{}
	var errs []error

	for i := range cfg.Resources {
		rc := &cfg.Resources[i]
		handle.ResourceConfig = rc

		if eventctx.IsAborted(ctx) {
			o.setState(StateAborted)
			return &Result{State: StateAborted, Errors: errs, PerKind: perKind, Applied: applied}, nil
		}

		kindStart := time.Now()
		stats, diagnostics := o.processResourceConfig(ctx, rc, desired, failedSelectorIDs, seeded, applied, opts)
		o.metrics().KindDuration(rc.Kind, time.Since(kindStart))
		errs = append(errs, diagnostics...)
		perKind[rc.Kind] = stats
		o.metrics().KindProcessed(rc.Kind, stats.Passed, stats.Failed, stats.Misconfigured)
	}

	if eventctx.IsAborted(ctx) {
		o.setState(StateAborted)
		return &Result{State: StateAborted, Errors: errs, PerKind: perKind, Applied: applied}, nil
	}

	o.setState(StateReconciling)
	thresholdExceeded := map[string]*applier.Plan{}
	touched := map[string]bool{}
	for blueprint := range desired {
		touched[blueprint] = true
	}
	for blueprint := range failedSelectorIDs {
		touched[blueprint] = true
	}
	for blueprint := range touched {
		if eventctx.IsAborted(ctx) {
			o.setState(StateAborted)
			return &Result{State: StateAborted, Errors: errs, PerKind: perKind, Applied: applied, ThresholdExceededPlans: thresholdExceeded}, nil
		}

		if err := o.ensureSeeded(ctx, blueprint, seeded); err != nil {
			errs = append(errs, err)
		}

		plan, err := o.Applier.Plan(ctx, blueprint, desired[blueprint], failedSelectorIDs[blueprint], opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("planning %s: %w", blueprint, err))
			if ocerr.Is(err, ocerr.DeletionThresholdExceeded) {
				thresholdExceeded[blueprint] = plan
			}
			continue
		}
		for _, m := range plan.Misconfigured {
			errs = append(errs, fmt.Errorf("planning %s: %w", blueprint, m))
		}
		// Creates/Updates were already applied per-batch during syncing
		// (spec.md §4.5 step 3); only the delete diff, computed here over
		// the full accumulated desired set, is new.
		res, err := o.Applier.Apply(ctx, plan, opts)
		if applied[blueprint] == nil {
			applied[blueprint] = &applier.Result{}
		}
		if res != nil {
			applied[blueprint].Deleted += res.Deleted
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("applying %s: %w", blueprint, err))
		}
	}

	finalState := StateCompleted
	if len(errs) > 0 {
		finalState = StateFailed
	}
	o.setState(finalState)
	o.metrics().ResyncCompleted(finalState, time.Since(start))

	return &Result{State: finalState, Errors: errs, PerKind: perKind, Applied: applied, ThresholdExceededPlans: thresholdExceeded}, nil
}

// processResourceConfig drains rc's BatchSource, classifying every record
// via the Entity Processor and accumulating passed/failed results into
// desired/failedSelectorIDs, keyed by each entity's own blueprint (a
// resource config's mapping, not the config itself, determines blueprint).
//
// Each batch's passed-selector entities are upserted immediately, as soon
// as they're classified, rather than held until reconciliation (spec.md
// §4.5 step 3: per-batch upsert, with only the delete diff deferred to a
// final reconciliation pass once every resource config has drained).
func (o *Orchestrator) processResourceConfig(
	ctx context.Context,
	rc *entity.ResourceConfig,
	desired map[string][]*entity.Entity,
	failedSelectorIDs map[string]map[string]bool,
	seeded map[string]bool,
	applied map[string]*applier.Result,
	opts applier.Options,
) (KindStats, []error) {
	var stats KindStats
	var diagnostics []error

	src, err := o.Adapter.Fetch(ctx, rc)
	if err != nil {
		return stats, []error{fmt.Errorf("fetching batches: %w", err)}
	}

	for {
		if eventctx.IsAborted(ctx) {
			return stats, diagnostics
		}

		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return stats, diagnostics
		}
		if err != nil {
			diagnostics = append(diagnostics, fmt.Errorf("reading batch: %w", err))
			return stats, diagnostics
		}

		batchResults, err := o.Processor.ProcessBatch(ctx, batch, rc, o.Concurrency)
		if err != nil {
			diagnostics = append(diagnostics, fmt.Errorf("processing batch: %w", err))
			continue
		}

		byBlueprint := map[string][]*entity.Entity{}
		for _, recordResults := range batchResults {
			for _, r := range recordResults {
				switch r.Classification {
				case processor.PassedSelector:
					stats.Passed++
					desired[r.Entity.Blueprint] = append(desired[r.Entity.Blueprint], r.Entity)
					byBlueprint[r.Entity.Blueprint] = append(byBlueprint[r.Entity.Blueprint], r.Entity)
				case processor.FailedSelector:
					stats.Failed++
					if r.Entity != nil {
						if err := o.ensureSeeded(ctx, r.Entity.Blueprint, seeded); err != nil {
							diagnostics = append(diagnostics, err)
						}
						m := failedSelectorIDs[r.Entity.Blueprint]
						if m == nil {
							m = map[string]bool{}
							failedSelectorIDs[r.Entity.Blueprint] = m
						}
						m[r.Entity.Identifier] = true
					}
				case processor.Misconfigured:
					stats.Misconfigured++
					diagnostics = append(diagnostics, fmt.Errorf("misconfigured record for kind %s: %w", rc.Kind, r.Err))
				}
			}
		}

		for blueprint, ents := range byBlueprint {
			if err := o.ensureSeeded(ctx, blueprint, seeded); err != nil {
				diagnostics = append(diagnostics, err)
			}

			res, misconfigured, err := o.Applier.UpsertBatch(ctx, blueprint, ents, opts)
			for _, m := range misconfigured {
				diagnostics = append(diagnostics, fmt.Errorf("upserting %s: %w", blueprint, m))
			}
			if applied[blueprint] == nil {
				applied[blueprint] = &applier.Result{}
			}
			if res != nil {
				applied[blueprint].Created += res.Created
				applied[blueprint].Updated += res.Updated
			}
			if err != nil {
				diagnostics = append(diagnostics, fmt.Errorf("upserting batch for %s: %w", blueprint, err))
			}
		}
	}
}

// ApplyTargeted runs the Entity Processor over just updated/deleted's raw
// records and upserts or deletes the resulting entities directly, without
// a full blueprint diff (SPEC_FULL.md §4.7: a live event only touches the
// handful of entities its payload describes, not the rest of the
// blueprint's catalog state). pkg/liveevent's Sink adapts to this so a
// live event reuses the same mapping + apply machinery a resync uses.
func (o *Orchestrator) ApplyTargeted(ctx context.Context, rc *entity.ResourceConfig, updated, deleted []entity.RawRecord) error {
	cfg, err := o.ConfigLoader(ctx)
	if err != nil {
		return ocerr.New(ocerr.ConfigError, "orchestrator.ApplyTargeted", err)
	}
	opts := applierOptionsFromConfig(cfg, false)

	var errs []error
	for _, rec := range updated {
		for _, res := range o.Processor.ProcessRecord(ctx, rec, rc) {
			if res.Classification != processor.PassedSelector || res.Entity == nil {
				continue
			}
			if err := o.Applier.Upsert(ctx, res.Entity, opts.EnableMergeEntity); err != nil {
				errs = append(errs, fmt.Errorf("applying targeted upsert for kind %s: %w", rc.Kind, err))
			}
		}
	}
	for _, rec := range deleted {
		for _, res := range o.Processor.ProcessRecord(ctx, rec, rc) {
			if res.Entity == nil {
				continue
			}
			if err := o.Applier.Delete(ctx, res.Entity.Blueprint, res.Entity.Identifier); err != nil {
				errs = append(errs, fmt.Errorf("applying targeted delete for kind %s: %w", rc.Kind, err))
			}
		}
	}
	return errors.Join(errs...)
}

// TriggerResync runs one resync pass and discards the detailed Result,
// satisfying pkg/listener.ResyncTrigger so any listener variant can drive
// this orchestrator without depending on its result type.
func (o *Orchestrator) TriggerResync(ctx context.Context, trigger entity.TriggerType) error {
	_, err := o.Run(ctx, trigger)
	return err
}

// ResyncWithBlueprintReset deletes every entity under blueprint (spec.md
// §4.12), waits for the deletion migration to finish, and then runs a
// full resync so the blueprint is rebuilt from scratch instead of merged
// against stale state.
func (o *Orchestrator) ResyncWithBlueprintReset(
	ctx context.Context,
	trigger entity.TriggerType,
	resetter BlueprintResetter,
	blueprint string,
	pollInterval time.Duration,
) (*Result, error) {
	migrationID, err := resetter.DeleteAllEntitiesForBlueprint(ctx, blueprint)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resetting blueprint %s: %w", blueprint, err)
	}
	if _, err := resetter.WaitForMigration(ctx, migrationID, pollInterval); err != nil {
		return nil, fmt.Errorf("orchestrator: waiting for blueprint %s reset: %w", blueprint, err)
	}
	return o.Run(ctx, trigger)
}
