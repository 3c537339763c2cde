package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/specfold/specfold/internal/archetype"
	"github.com/specfold/specfold/internal/behavior"
	"github.com/specfold/specfold/internal/platform/id"
	"github.com/specfold/specfold/internal/platform/metrics"
	"github.com/specfold/specfold/internal/rules"
	"github.com/specfold/specfold/internal/solver"
	"github.com/specfold/specfold/internal/workpool"
)

var (
	// ErrArchetypeStoreRequired indicates a missing archetype store.
	ErrArchetypeStoreRequired = errors.New("archetype store is required")
	// ErrRunStoreRequired indicates a missing run store.
	ErrRunStoreRequired = errors.New("run store is required")
)

// Pipeline executes the ordered validation stages over subject snapshots.
// Stage work runs on a bounded worker pool so solver search and graph
// traversal stay off the command path.
type Pipeline struct {
	Archetypes archetype.Store
	Runs       RunStore
	Stages     []Stage
	Pool       *workpool.Pool
	Logger     zerolog.Logger
	Now        func() time.Time
}

// DefaultStages builds the standard five-stage chain.
func DefaultStages(engine *rules.Engine, s *solver.Solver, verifier *behavior.Verifier, resolver ReferenceResolver) []Stage {
	return []Stage{
		StructuralStage{},
		RulesStage{Engine: engine},
		ConsistencyStage{Resolver: resolver},
		ConstraintsStage{Solver: s},
		BehaviorStage{Verifier: verifier},
	}
}

// Execute runs every applicable stage over the subject and persists the run
// after each stage so a crash leaves a checkpoint behind. The returned run
// is Completed whenever the pipeline finished, regardless of the problems
// collected; Failed means stage execution itself broke, and the error is
// returned alongside the persisted run.
func (p *Pipeline) Execute(ctx context.Context, subject Subject) (*Run, error) {
	return p.execute(ctx, subject, "")
}

// ExecuteTriggered runs the pipeline for an event-delivered subject. The
// trigger key is persisted with the run so redeliveries of the same event
// can be deduplicated.
func (p *Pipeline) ExecuteTriggered(ctx context.Context, subject Subject, triggerKey string) (*Run, error) {
	return p.execute(ctx, subject, triggerKey)
}

func (p *Pipeline) execute(ctx context.Context, subject Subject, triggerKey string) (*Run, error) {
	if p == nil || p.Archetypes == nil {
		return nil, ErrArchetypeStoreRequired
	}
	if p.Runs == nil {
		return nil, ErrRunStoreRequired
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}

	tracer := otel.Tracer("specfold/validation")
	ctx, span := tracer.Start(ctx, "validation.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("aggregate.type", subject.AggregateType),
		attribute.String("aggregate.id", subject.AggregateID),
		attribute.String("archetype.id", subject.ArchetypeID),
	)

	runID, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	run := &Run{
		ID:            runID,
		AggregateType: subject.AggregateType,
		AggregateID:   subject.AggregateID,
		Version:       subject.Version,
		ArchetypeID:   subject.ArchetypeID,
		State:         RunPending,
		TriggerKey:    triggerKey,
		StartedAt:     now().UTC(),
	}
	if err := p.Runs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	run.State = RunRunning
	if err := p.Runs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	target := &Target{Subject: subject}
	arch, err := p.Archetypes.Get(ctx, subject.ArchetypeID)
	switch {
	case err == nil:
		target.Archetype = arch
	case errors.Is(err, archetype.ErrNotFound):
		// The structural stage reports this as a problem.
	default:
		return p.fail(ctx, run, now, fmt.Errorf("resolve archetype: %w", err))
	}

	for _, stage := range p.Stages {
		result, err := p.runStage(ctx, stage, target)
		if err != nil {
			return p.fail(ctx, run, now, fmt.Errorf("stage %s: %w", stage.Name(), err))
		}
		for _, problem := range result.Problems {
			metrics.ValidationProblemsTotal.WithLabelValues(string(problem.Stage), string(problem.Severity)).Inc()
		}
		run.Problems = append(run.Problems, result.Problems...)
		target.Collected = run.Problems
		run.Checkpoints = append(run.Checkpoints, stage.Name())
		if err := p.Runs.Save(ctx, run); err != nil {
			return nil, fmt.Errorf("save run: %w", err)
		}
		if result.ShortCircuit && hasError(result.Problems) {
			p.Logger.Debug().
				Str("run_id", run.ID).
				Str("stage", string(stage.Name())).
				Msg("pipeline aborted after structural errors")
			break
		}
	}

	run.State = RunCompleted
	run.FinishedAt = now().UTC()
	if err := p.Runs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	metrics.ValidationRunsTotal.WithLabelValues(string(run.State)).Inc()
	p.Logger.Debug().
		Str("run_id", run.ID).
		Str("aggregate_id", run.AggregateID).
		Int("problems", len(run.Problems)).
		Bool("passed", run.Passed()).
		Msg("validation run completed")
	return run, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, target *Target) (StageResult, error) {
	started := time.Now()
	defer func() {
		metrics.StageDurationSeconds.WithLabelValues(string(stage.Name())).Observe(time.Since(started).Seconds())
	}()
	if p.Pool == nil {
		return stage.Execute(ctx, target)
	}
	var result StageResult
	err := p.Pool.Do(ctx, func(ctx context.Context) error {
		var stageErr error
		result, stageErr = stage.Execute(ctx, target)
		return stageErr
	})
	return result, err
}

func (p *Pipeline) fail(ctx context.Context, run *Run, now func() time.Time, cause error) (*Run, error) {
	run.State = RunFailed
	run.Error = cause.Error()
	run.FinishedAt = now().UTC()
	if err := p.Runs.Save(ctx, run); err != nil {
		p.Logger.Error().Err(err).Str("run_id", run.ID).Msg("save failed run")
	}
	metrics.ValidationRunsTotal.WithLabelValues(string(run.State)).Inc()
	p.Logger.Error().Err(cause).
		Str("run_id", run.ID).
		Str("aggregate_id", run.AggregateID).
		Msg("validation run failed")
	return run, cause
}

func hasError(problems []Problem) bool {
	for _, p := range problems {
		if p.Severity == SeverityError {
			return true
		}
	}
	return false
}
