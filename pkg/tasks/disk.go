package tasks

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
	"github.com/openfroyo/osdeploy/pkg/selection"
	"github.com/openfroyo/osdeploy/pkg/telemetry"
)

// SelectDisk chooses the installation disk by running the configured selection
// steps over the enumerated disks. Disks are ordered by number before the
// first step, so the lowest-numbered remaining disk wins.
type SelectDisk struct {
	engine.BaseTask

	Steps []selection.Step

	disks     engine.DiskEnumerator
	evaluator selection.Evaluator
	logger    zerolog.Logger
}

// NewSelectDisk creates a SelectDisk task.
func NewSelectDisk(disks engine.DiskEnumerator, logger zerolog.Logger) *SelectDisk {
	return &SelectDisk{
		BaseTask: engine.BaseTask{
			TypeName: TypeSelectDisk,
			Critical: true,
			Phases:   []engine.Phase{engine.PhaseBootstrapping, engine.PhaseInstallation},
		},
		disks:  disks,
		logger: taskLogger(logger, TypeSelectDisk),
	}
}

// WithEvaluator replaces the expression evaluator used by the pipeline.
func (t *SelectDisk) WithEvaluator(e selection.Evaluator) *SelectDisk {
	t.evaluator = e
	return t
}

// Properties implements engine.Task.
func (t *SelectDisk) Properties() []*engine.Property {
	return []*engine.Property{
		engine.SelectionStepsProperty("steps", &t.Steps).
			FromState(engine.KeyDiskSelectionSteps).
			FromEnv(),
	}
}

// Execute implements engine.Task.
func (t *SelectDisk) Execute(ctx context.Context, state *engine.State) error {
	if t.disks == nil {
		return missing("disks")
	}

	var candidates []engine.Disk
	err := call(ctx, "disks", "enumerate", func(ctx context.Context) error {
		var err error
		candidates, err = t.disks.GetCandidates(ctx)
		return err
	})
	if err != nil {
		return err
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Number < candidates[j].Number })

	disk, err := ChooseDisk(ctx, t.pipeline(ctx, state), candidates)
	if err != nil {
		return err
	}

	state.Set(engine.KeyInstallationDisk, disk)
	t.logger.Info().
		Str("disk", disk.ID()).
		Int("number", disk.Number).
		Uint64("size", disk.Size).
		Int("candidates", len(candidates)).
		Msg("Selected installation disk")
	return nil
}

func (t *SelectDisk) pipeline(ctx context.Context, state *engine.State) *selection.Pipeline {
	runID, _ := engine.StateValue[string](state, engine.KeyRunID)

	p := selection.NewPipeline(t.logger, t.Steps...).
		OnFallback(func(step selection.Step, kept int) {
			telemetry.RecordSelectionFallback(ctx, runID, step.Label(), string(step.Action), kept)
		})
	if t.evaluator != nil {
		p.WithEvaluator(t.evaluator)
	}
	return p
}

// ChooseDisk runs p over candidates in the given order and maps pipeline
// failures to engine errors.
func ChooseDisk(ctx context.Context, p *selection.Pipeline, candidates []engine.Disk) (engine.Disk, error) {
	if err := p.Validate(); err != nil {
		return engine.Disk{}, engine.NewValidationError("steps", "invalid disk selection step", err)
	}

	disk, err := selection.SelectFrom(ctx, p, candidates)
	switch {
	case err == nil:
		return disk, nil
	case errors.Is(err, selection.ErrNoCandidates):
		return engine.Disk{}, engine.NewSelectionExhaustedError("installation disk", err)
	case errors.Is(err, selection.ErrDuplicateCandidate):
		return engine.Disk{}, engine.NewValidationError("disks", "disk enumerator reported the same disk twice", err)
	case ctx.Err() != nil:
		return engine.Disk{}, err
	default:
		return engine.Disk{}, engine.NewValidationError("steps", "disk selection step could not be evaluated", err)
	}
}
